// Package sink persists crawl output. Every sink receives flattened rows: a
// reshare arrives as two independent posts linked by RetweetID.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/models"
)

// Sink writes posts to one destination. Writes must be upserts keyed by id.
type Sink interface {
	Name() string
	WritePosts(ctx context.Context, user models.User, rows []models.Post) error
	Close() error
}

// UserWriter is implemented by sinks that store the account profile
type UserWriter interface {
	WriteUser(ctx context.Context, user models.User) error
}

// SocialWriter is implemented by sinks that store comments and reposts
type SocialWriter interface {
	WriteComments(ctx context.Context, comments []models.Comment) error
	WriteReposts(ctx context.Context, reposts []models.Repost) error
}

// Flatten splits every post of batch into its persisted rows
func Flatten(batch []*models.Post) []models.Post {
	rows := make([]models.Post, 0, len(batch))
	for _, p := range batch {
		rows = append(rows, p.Flatten()...)
	}
	return rows
}

// Fanout writes to every configured sink concurrently. A failing sink never
// prevents the others from running.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Collector
	log     logger.Logger
}

// NewFanout creates a fan-out over sinks
func NewFanout(sinks []Sink, m *metrics.Collector, log logger.Logger) *Fanout {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Fanout{sinks: sinks, metrics: m, log: log}
}

// Sinks returns the configured sinks
func (f *Fanout) Sinks() []Sink { return f.sinks }

// each runs fn for every sink and joins the failures
func (f *Fanout) each(what string, fn func(s Sink) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		fail []error
	)
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			err := fn(s)
			f.metrics.ObserveSinkWrite(s.Name(), err)
			if err != nil {
				f.log.WithError(err).ErrorWithFields("sink write failed", map[string]interface{}{
					"sink": s.Name(),
					"kind": what,
				})
				mu.Lock()
				fail = append(fail, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if len(fail) == 0 {
		return nil
	}
	return errs.Wrap(errs.ErrorTypePersistence, errors.Join(fail...), what+" not fully persisted")
}

// Flush writes batch[written:] to every sink and returns the new watermark.
// The watermark advances even when some sinks failed; their errors are
// returned joined.
func (f *Fanout) Flush(ctx context.Context, user models.User, batch []*models.Post, written int) (int, error) {
	if written < 0 {
		written = 0
	}
	if written >= len(batch) {
		return written, nil
	}
	rows := Flatten(batch[written:])
	err := f.each("posts", func(s Sink) error {
		return s.WritePosts(ctx, user, rows)
	})
	f.log.InfoWithFields("batch flushed", map[string]interface{}{
		"user_id": user.ID,
		"from":    written,
		"to":      len(batch),
		"rows":    len(rows),
		"sinks":   len(f.sinks),
	})
	return len(batch), err
}

// WriteUser stores the profile in every sink that keeps users
func (f *Fanout) WriteUser(ctx context.Context, user models.User) error {
	return f.each("user", func(s Sink) error {
		if w, ok := s.(UserWriter); ok {
			return w.WriteUser(ctx, user)
		}
		return nil
	})
}

// WriteComments stores comments in every sink that keeps them
func (f *Fanout) WriteComments(ctx context.Context, comments []models.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	return f.each("comments", func(s Sink) error {
		if w, ok := s.(SocialWriter); ok {
			return w.WriteComments(ctx, comments)
		}
		return nil
	})
}

// WriteReposts stores reposts in every sink that keeps them
func (f *Fanout) WriteReposts(ctx context.Context, reposts []models.Repost) error {
	if len(reposts) == 0 {
		return nil
	}
	return f.each("reposts", func(s Sink) error {
		if w, ok := s.(SocialWriter); ok {
			return w.WriteReposts(ctx, reposts)
		}
		return nil
	})
}

// Close closes every sink
func (f *Fanout) Close() error {
	var all []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			all = append(all, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(all...)
}

// flattenComments lists comments followed by their inline replies
func flattenComments(comments []models.Comment) []models.Comment {
	var out []models.Comment
	for _, c := range comments {
		replies := c.Replies
		c.Replies = nil
		out = append(out, c)
		out = append(out, flattenComments(replies)...)
	}
	return out
}
