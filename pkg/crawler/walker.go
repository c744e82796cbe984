package crawler

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"weibocrawler/pkg/boundary"
	"weibocrawler/pkg/config"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
	"weibocrawler/pkg/weibo"
)

// PageSource loads timeline pages
type PageSource interface {
	FetchTimeline(ctx context.Context, uid, query string, page, count int) (*weibo.Page, error)
}

// PostParser turns a raw post into its canonical form
type PostParser interface {
	Parse(ctx context.Context, m *weibo.Mblog) (*models.Post, error)
}

// Pauser provides the randomized breaks between pages
type Pauser interface {
	Pause(ctx context.Context, r ratelimit.Range) error
}

// Target is one account and optional query to walk
type Target struct {
	UserID     string
	ScreenName string
	Query      string
	// Total is the reported number of posts, 0 takes the total of the first page
	Total int64
}

// Options configures a Walker
type Options struct {
	StartPage    int
	PageSize     int
	OnlyOriginal bool
	CheckCookie  config.CheckCookie

	// PagePause precedes every page request
	PagePause ratelimit.Range
	// BatchPause is taken after every BatchMin to BatchMax pages
	BatchPause ratelimit.Range
	BatchMin   int
	BatchMax   int
	// MaxUnavailable ends the walk after this many consecutive pages that
	// could not be fetched
	MaxUnavailable int
}

// DefaultOptions returns the pacing used by the command line
func DefaultOptions() Options {
	return Options{
		StartPage:      1,
		PageSize:       10,
		PagePause:      ratelimit.Range{Min: 500 * time.Millisecond, Max: 2 * time.Second},
		BatchPause:     ratelimit.Range{Min: 8 * time.Second, Max: 15 * time.Second},
		BatchMin:       2,
		BatchMax:       6,
		MaxUnavailable: 5,
	}
}

// Summary describes how a walk ended
type Summary struct {
	Pages     int
	PageCount int
	// Reason is one of "boundary", "exhausted" or "end"
	Reason string
}

// Walker traverses the timeline of one account page by page, feeding every
// post through the parser, the dedup set and the boundary.
type Walker struct {
	source PageSource
	parser PostParser
	pauser Pauser
	opts   Options
	log    logger.Logger
	events *Emitter

	// AfterPage runs after every processed page, used for periodic flushes
	AfterPage func(ctx context.Context, page int, st *State) error

	intn func(n int) int
}

// NewWalker creates a walker
func NewWalker(source PageSource, parser PostParser, pauser Pauser, opts Options, events *Emitter, log logger.Logger) *Walker {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.StartPage < 1 {
		opts.StartPage = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.BatchMin < 1 {
		opts.BatchMin = 1
	}
	if opts.BatchMax < opts.BatchMin {
		opts.BatchMax = opts.BatchMin
	}
	if opts.MaxUnavailable <= 0 {
		opts.MaxUnavailable = 5
	}
	return &Walker{
		source: source,
		parser: parser,
		pauser: pauser,
		opts:   opts,
		log:    log,
		events: events,
		intn:   rand.Intn,
	}
}

func (w *Walker) batchPeriod() int {
	return w.opts.BatchMin + w.intn(w.opts.BatchMax-w.opts.BatchMin+1)
}

func pageCount(total int64, size int) int {
	if total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

// cookieCheck tracks the authentication marker across pages
type cookieCheck struct {
	cfg config.CheckCookie
	// stopRequested records that the boundary fired while the marker was
	// still missing; the walk ends as soon as the marker shows up
	stopRequested bool
}

func (c *cookieCheck) pending(st *State) bool {
	return c.cfg.Enabled && !st.AuthChecked
}

// Walk runs the traversal for target, appending accepted posts to st. A
// page that cannot be fetched is treated as unavailable and skipped. Only
// fatal conditions are returned as errors: an unresolved challenge, an
// invalid cookie or a cancelled context.
func (w *Walker) Walk(ctx context.Context, target Target, b *boundary.Boundary, st *State) (Summary, error) {
	log := w.log.WithFields(map[string]interface{}{
		"user_id": target.UserID,
		"query":   target.Query,
	})
	check := &cookieCheck{cfg: w.opts.CheckCookie}
	sum := Summary{PageCount: pageCount(target.Total, w.opts.PageSize), Reason: "end"}

	batchStart := w.opts.StartPage - 1
	period := w.batchPeriod()
	unavailable := 0

	for page := w.opts.StartPage; sum.PageCount == 0 || page <= sum.PageCount; page++ {
		if err := w.pauser.Pause(ctx, w.opts.PagePause); err != nil {
			return sum, err
		}

		p, err := w.source.FetchTimeline(ctx, target.UserID, target.Query, page, w.opts.PageSize)
		if err != nil {
			if errs.IsFatal(err) || ctx.Err() != nil {
				return sum, err
			}
			unavailable++
			log.WithError(err).WarnWithFields("page unavailable, skipping", map[string]interface{}{
				"page":        page,
				"exhausted":   errors.Is(err, errs.ErrExhausted),
				"unavailable": unavailable,
			})
			if unavailable >= w.opts.MaxUnavailable {
				sum.Reason = "exhausted"
				return sum, nil
			}
			continue
		}
		unavailable = 0
		sum.Pages++

		if !p.OK {
			return sum, nil
		}
		if sum.PageCount == 0 {
			sum.PageCount = pageCount(p.Total, w.opts.PageSize)
			if sum.PageCount == 0 && len(p.Cards) == 0 {
				return sum, nil
			}
		}

		stop, err := w.processPage(ctx, p.Cards, b, st, check, log)
		if err != nil {
			return sum, err
		}

		if check.pending(st) && sum.Pages >= max(w.opts.CheckCookie.Pages, 1) {
			log.Error("authentication marker not found, cookie is invalid")
			return sum, errs.New(errs.ErrorTypeAuthInvalid, 0, "cookie check failed: marker post not found")
		}

		logger.LogCrawlProgress(log, target.UserID, page, sum.PageCount, st.Fetched())
		w.events.Emit(Event{
			Account:   target.UserID,
			Query:     target.Query,
			Phase:     PhasePages,
			Page:      page,
			PageCount: sum.PageCount,
			Fetched:   st.Fetched(),
		})

		if w.AfterPage != nil {
			if err := w.AfterPage(ctx, page, st); err != nil {
				return sum, err
			}
		}

		if stop {
			sum.Reason = "boundary"
			return sum, nil
		}

		if (page-batchStart)%period == 0 && (sum.PageCount == 0 || page < sum.PageCount) {
			log.DebugWithFields("batch pause", map[string]interface{}{"page": page})
			if err := w.pauser.Pause(ctx, w.opts.BatchPause); err != nil {
				return sum, err
			}
			batchStart = page
			period = w.batchPeriod()
		}
	}
	return sum, nil
}

// processPage handles the cards of one page and reports whether the walk
// must stop
func (w *Walker) processPage(ctx context.Context, cards []weibo.Card, b *boundary.Boundary, st *State, check *cookieCheck, log logger.Logger) (bool, error) {
	for _, card := range cards {
		m := card.Post()
		if m == nil {
			continue
		}
		post, err := w.parser.Parse(ctx, m)
		if err != nil {
			if errs.IsFatal(err) || ctx.Err() != nil {
				return false, err
			}
			log.WithError(err).WarnWithFields("skipping unparseable post", map[string]interface{}{"post_id": string(m.ID)})
			continue
		}

		if check.pending(st) && strings.HasPrefix(post.Text, check.cfg.HiddenText) {
			st.AuthChecked = true
			log.Info("cookie check passed")
			if check.stopRequested {
				return true, nil
			}
		}

		if st.See(post.ID) {
			log.DebugWithFields("duplicate post skipped", map[string]interface{}{"post_id": post.ID})
			continue
		}

		switch b.Evaluate(post) {
		case boundary.Skip:
			if post.Pinned {
				st.Pinned = true
			}
			continue
		case boundary.Stop:
			if check.pending(st) {
				check.stopRequested = true
				continue
			}
			return true, nil
		}

		if w.opts.OnlyOriginal && !post.IsOriginal() {
			log.DebugWithFields("filtering reshare", map[string]interface{}{"post_id": post.ID})
			continue
		}
		st.Add(post)
	}
	return false, nil
}
