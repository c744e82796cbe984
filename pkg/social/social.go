package social

import (
	"context"
	"time"

	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
	"weibocrawler/pkg/weibo"
)

// Source is the part of the API client serving comments and reposts
type Source interface {
	HasCookie() bool
	FetchHotflow(ctx context.Context, id, maxID string) (*weibo.CommentPage, error)
	FetchCommentsShow(ctx context.Context, id string, page int) (*weibo.PagedList[weibo.RawComment], error)
	FetchReposts(ctx context.Context, id string, page int) (*weibo.PagedList[weibo.RawRepost], error)
}

// Pauser provides the randomized breaks between pages
type Pauser interface {
	Pause(ctx context.Context, r ratelimit.Range) error
}

// Options configures a Fetcher
type Options struct {
	CommentMax int
	RepostMax  int
	RemoveHTML bool
	// PageLimit bounds the page based comment strategy
	PageLimit int
	// PauseEvery inserts a pause after this many pages
	PauseEvery   int
	CommentPause ratelimit.Range
	RepostPause  ratelimit.Range
}

// DefaultOptions returns the caps and pauses used by the command line
func DefaultOptions() Options {
	return Options{
		CommentMax:   100,
		RepostMax:    100,
		RemoveHTML:   true,
		PageLimit:    10,
		PauseEvery:   2,
		CommentPause: ratelimit.Range{Min: time.Second, Max: 5 * time.Second},
		RepostPause:  ratelimit.Range{Min: 2 * time.Second, Max: 5 * time.Second},
	}
}

// Fetcher paginates the comments and reposts of a post. Every loop carries
// an explicit cursor or page number, must advance it on every step and is
// capped by the configured maximum count.
type Fetcher struct {
	src    Source
	pauser Pauser
	opts   Options
	log    logger.Logger
	now    func() time.Time
}

// New creates a Fetcher
func New(src Source, pauser Pauser, opts Options, log logger.Logger) *Fetcher {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 10
	}
	if opts.PauseEvery <= 0 {
		opts.PauseEvery = 2
	}
	return &Fetcher{src: src, pauser: pauser, opts: opts, log: log, now: time.Now}
}

// stop reports whether err must end the whole run
func stop(ctx context.Context, err error) bool {
	return errs.IsFatal(err) || ctx.Err() != nil
}

// FetchComments returns up to CommentMax top-level comments of post, each
// carrying the replies returned inline. With a session cookie the cursor
// based endpoint is tried first; when its first response is unusable the
// page based endpoint takes over. Only fatal errors are returned, partial
// results are kept otherwise.
func (f *Fetcher) FetchComments(ctx context.Context, post *models.Post) ([]models.Comment, error) {
	max := f.opts.CommentMax
	if post.CommentsCount == 0 || max <= 0 {
		return nil, nil
	}
	log := f.log.WithField("post_id", post.ID)

	if f.src.HasCookie() {
		out, ok, err := f.commentsByCursor(ctx, post.ID, max, log)
		if err != nil || ok {
			return out, err
		}
		log.Info("cursor comments unavailable, falling back to pages")
	}
	return f.commentsByPage(ctx, post.ID, max, log)
}

// commentsByCursor reports ok=false when the very first page failed, so the
// caller can switch strategy
func (f *Fetcher) commentsByCursor(ctx context.Context, id string, max int, log logger.Logger) ([]models.Comment, bool, error) {
	var out []models.Comment
	cursor := ""
	visited := make(map[string]bool)

	for step := 0; step < max && len(out) < max; step++ {
		page, err := f.src.FetchHotflow(ctx, id, cursor)
		if err != nil {
			if stop(ctx, err) {
				return out, true, err
			}
			if step == 0 {
				return nil, false, nil
			}
			log.WithError(err).Warn("comment pagination interrupted")
			break
		}
		if len(page.Data) == 0 {
			break
		}
		now := f.now()
		for _, raw := range page.Data {
			out = append(out, weibo.ParseComment(raw, id, f.opts.RemoveHTML, now))
		}

		next := string(page.MaxID)
		if next == "" || next == "0" || next == cursor || visited[next] {
			break
		}
		visited[next] = true
		cursor = next

		if (step+1)%f.opts.PauseEvery == 0 {
			if err := f.pauser.Pause(ctx, f.opts.CommentPause); err != nil {
				return out, true, err
			}
		}
	}
	return truncate(out, max), true, nil
}

func (f *Fetcher) commentsByPage(ctx context.Context, id string, max int, log logger.Logger) ([]models.Comment, error) {
	var out []models.Comment
	for page := 1; page <= f.opts.PageLimit && len(out) < max; page++ {
		data, err := f.src.FetchCommentsShow(ctx, id, page)
		if err != nil {
			if stop(ctx, err) {
				return out, err
			}
			log.WithError(err).WarnWithFields("could not fetch all comments", map[string]interface{}{"page": page})
			break
		}
		if len(data.Data) == 0 {
			break
		}
		now := f.now()
		for _, raw := range data.Data {
			out = append(out, weibo.ParseComment(raw, id, f.opts.RemoveHTML, now))
		}
		if data.Max == 0 || page+1 > int(data.Max) {
			break
		}
		if (page+1)%f.opts.PauseEvery == 0 {
			if err := f.pauser.Pause(ctx, f.opts.CommentPause); err != nil {
				return out, err
			}
		}
	}
	return truncate(out, max), nil
}

// FetchReposts returns up to RepostMax reposts of post, page by page
func (f *Fetcher) FetchReposts(ctx context.Context, post *models.Post) ([]models.Repost, error) {
	max := f.opts.RepostMax
	if post.RepostsCount == 0 || max <= 0 {
		return nil, nil
	}
	log := f.log.WithField("post_id", post.ID)

	var out []models.Repost
	for page := 1; page <= max && len(out) < max; page++ {
		data, err := f.src.FetchReposts(ctx, post.ID, page)
		if err != nil {
			if stop(ctx, err) {
				return out, err
			}
			log.WithError(err).WarnWithFields("could not fetch all reposts", map[string]interface{}{"page": page})
			break
		}
		if len(data.Data) == 0 {
			break
		}
		now := f.now()
		for _, raw := range data.Data {
			out = append(out, weibo.ParseRepost(raw, post.ID, now))
		}
		if data.Max == 0 || page+1 > int(data.Max) {
			break
		}
		if (page+1)%f.opts.PauseEvery == 0 {
			if err := f.pauser.Pause(ctx, f.opts.RepostPause); err != nil {
				return out, err
			}
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func truncate(c []models.Comment, max int) []models.Comment {
	if len(c) > max {
		return c[:max]
	}
	return c
}
