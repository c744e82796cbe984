package runner

import (
	"context"
	"time"

	"weibocrawler/internal/downloader"
	"weibocrawler/pkg/boundary"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/crawler"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
	"weibocrawler/pkg/storage"
)

// Options configures a Runner
type Options struct {
	Walk        crawler.Options
	SinceDate   string
	Queries     []string
	Append      bool
	GuessPinned bool
	// FlushEvery flushes after every FlushEvery pages, 0 flushes once per walk
	FlushEvery int
	Comments   bool
	Reposts    bool
	OutputDir  string
	// AccountFile is rewritten with the run start date of every completed account
	AccountFile string

	AccountPause   ratelimit.Range
	QueryPause     ratelimit.Range
	RecoveryPause  ratelimit.Range
	EmergencyPause ratelimit.Range
	// EmergencyAfter is the number of consecutive account failures that
	// triggers an identity rotation
	EmergencyAfter int
}

// OptionsFrom derives the runner options from the configuration
func OptionsFrom(cfg *config.Config) Options {
	walk := crawler.DefaultOptions()
	walk.StartPage = cfg.Crawl.StartPage
	walk.PageSize = cfg.Crawl.PageSize
	walk.OnlyOriginal = cfg.Crawl.OnlyCrawlOriginal
	walk.CheckCookie = cfg.Identity.CheckCookie

	return Options{
		Walk:           walk,
		SinceDate:      cfg.Crawl.SinceDate,
		Queries:        cfg.Accounts.QueryList,
		Append:         cfg.Crawl.AppendMode,
		GuessPinned:    cfg.Crawl.GuessPinned,
		FlushEvery:     cfg.Crawl.FlushEvery,
		Comments:       cfg.Download.Comments,
		Reposts:        cfg.Download.Reposts,
		OutputDir:      cfg.Download.OutputDir,
		AccountFile:    cfg.Accounts.UserIDFile,
		AccountPause:   ratelimit.Range{Min: 30 * time.Second, Max: 60 * time.Second},
		QueryPause:     ratelimit.Range{Min: 5 * time.Second, Max: 12 * time.Second},
		RecoveryPause:  ratelimit.Range{Min: 15 * time.Second, Max: 30 * time.Second},
		EmergencyPause: ratelimit.Range{Min: 30 * time.Second, Max: 60 * time.Second},
		EmergencyAfter: 3,
	}
}

// Deps are the collaborators of a Runner. Social and Media may be nil.
type Deps struct {
	Profiles ProfileSource
	Pages    crawler.PageSource
	Parser   crawler.PostParser
	Social   SocialFetcher
	Media    MediaDownloader
	Sinks    Persister
	Cursors  CursorStore
	Pauser   Pauser
	// Rotate switches the client identity during escalation
	Rotate  func()
	Metrics *metrics.Collector
}

// AccountResult summarizes the run of one account
type AccountResult struct {
	UserID     string
	ScreenName string
	Fetched    int
	Comments   int
	Reposts    int
	Downloads  int
	Cursor     boundary.Cursor
	Err        error
}

// Report summarizes a whole run
type Report struct {
	Accounts []AccountResult
	Failed   int
}

// Runner executes crawl runs
type Runner struct {
	opts   Options
	deps   Deps
	events *crawler.Emitter
	log    logger.Logger
	now    func() time.Time

	// authChecked is set once an authentication marker was seen anywhere in
	// this runner's lifetime
	authChecked bool
}

// New creates a Runner
func New(opts Options, deps Deps, events *crawler.Emitter, log logger.Logger) *Runner {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.EmergencyAfter <= 0 {
		opts.EmergencyAfter = 3
	}
	if deps.Rotate == nil {
		deps.Rotate = func() {}
	}
	return &Runner{opts: opts, deps: deps, events: events, log: log, now: time.Now}
}

// Run crawls every account in order. It stops early only on fatal errors or
// when ctx ends; other account failures are recorded in the report.
func (r *Runner) Run(ctx context.Context, accounts []config.Account) (Report, error) {
	var report Report
	failures := 0

	for i, acc := range accounts {
		if i > 0 {
			if err := r.pause(ctx, r.opts.AccountPause, "account pause"); err != nil {
				return report, err
			}
		}
		r.log.InfoWithFields("processing account", map[string]interface{}{
			"user_id": acc.ID,
			"index":   i + 1,
			"total":   len(accounts),
		})

		res, err := r.RunAccount(ctx, acc)
		report.Accounts = append(report.Accounts, res)
		if err == nil {
			failures = 0
			continue
		}
		if errs.IsFatal(err) || ctx.Err() != nil {
			return report, err
		}

		report.Failed++
		failures++
		r.log.WithError(err).ErrorWithFields("account failed", map[string]interface{}{
			"user_id":     acc.ID,
			"consecutive": failures,
		})
		if failures >= r.opts.EmergencyAfter {
			r.log.Warn("repeated account failures, rotating identity")
			r.deps.Rotate()
			err = r.pause(ctx, r.opts.EmergencyPause, "emergency pause")
		} else {
			err = r.pause(ctx, r.opts.RecoveryPause, "recovery pause")
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Runner) pause(ctx context.Context, rng ratelimit.Range, what string) error {
	if r.deps.Pauser == nil || rng.Max <= 0 {
		return ctx.Err()
	}
	r.log.DebugWithFields(what, map[string]interface{}{
		"min": rng.Min.String(),
		"max": rng.Max.String(),
	})
	return r.deps.Pauser.Pause(ctx, rng)
}

// RunAccount crawls one account: profile, one walk per query, social graph,
// media and cursor. Posts accepted before a failure are still flushed, the
// cursor is only recorded when every walk finished.
func (r *Runner) RunAccount(ctx context.Context, acc config.Account) (AccountResult, error) {
	res := AccountResult{UserID: acc.ID}
	started := r.now()
	log := r.log.WithField("user_id", acc.ID)

	r.events.Emit(crawler.Event{Account: acc.ID, Phase: crawler.PhaseProfile})
	user, err := r.deps.Profiles.FetchUser(ctx, acc.ID)
	if err != nil {
		res.Err = err
		return res, err
	}
	res.ScreenName = user.ScreenName
	if err := r.deps.Sinks.WriteUser(ctx, user); err != nil {
		log.WithError(err).Warn("user profile not fully persisted")
	}

	sinceDate := acc.SinceDate
	if sinceDate == "" {
		sinceDate = r.opts.SinceDate
	}
	since, err := config.ParseSinceDate(sinceDate, started)
	if err != nil {
		res.Err = errs.Wrap(errs.ErrorTypeConfig, err, "account "+acc.ID)
		return res, res.Err
	}

	var last boundary.Cursor
	if r.deps.Cursors != nil {
		cp, err := r.deps.Cursors.Load(acc.ID)
		if err != nil {
			log.WithError(err).Warn("ignoring unreadable cursor")
		}
		last = cp.Cursor()
	}

	queries := acc.Queries
	if queries == nil {
		queries = r.opts.Queries
	}
	if len(queries) == 0 {
		queries = []string{""}
	}

	layout := downloader.Layout{Root: r.opts.OutputDir, Owner: storage.Owner(user, false)}
	var newest boundary.Cursor
	st := crawler.NewState()
	for i, query := range queries {
		if i > 0 {
			if err := r.pause(ctx, r.opts.QueryPause, "query pause"); err != nil {
				res.Err = err
				return res, err
			}
		}
		b := boundary.New(boundary.Options{
			Since:       since,
			Append:      r.opts.Append,
			GuessPinned: r.opts.GuessPinned && query == "",
			Last:        last,
		})
		posts, err := r.walk(ctx, user, query, b, st)
		res.Fetched = st.Fetched()
		if err != nil {
			res.Err = err
			return res, err
		}

		if err := r.expand(ctx, layout, posts, &res); err != nil {
			res.Err = err
			return res, err
		}
		if r.deps.Media != nil && r.deps.Media.Toggles().Any() {
			r.events.Emit(crawler.Event{Account: acc.ID, Query: query, Phase: crawler.PhaseMedia, Fetched: res.Fetched})
			sum := r.deps.Media.DownloadPosts(ctx, layout, posts)
			res.Downloads += sum.Downloaded
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res, res.Err
		}

		if c, ok := b.LatestSeen(); ok && (newest.IsZero() || c.Date.After(newest.Date)) {
			newest = c
		}
	}

	res.Cursor = newest
	if !newest.IsZero() && r.deps.Cursors != nil {
		if _, err := r.deps.Cursors.Record(acc.ID, user.ScreenName, newest, started, res.Fetched); err != nil {
			log.WithError(err).Error("failed to record cursor")
		}
	}
	if r.opts.AccountFile != "" {
		if err := config.UpdateAccountFile(r.opts.AccountFile, acc.ID, user.ScreenName, started.Format(config.DateTimeLayout)); err != nil {
			log.WithError(err).Warn("failed to update account file")
		}
	}

	r.deps.Metrics.AddPosts(acc.ID, res.Fetched)
	r.events.Emit(crawler.Event{Account: acc.ID, Phase: crawler.PhaseComplete, Fetched: res.Fetched})
	log.InfoWithFields("account completed", map[string]interface{}{
		"screen_name": user.ScreenName,
		"fetched":     res.Fetched,
		"comments":    res.Comments,
		"reposts":     res.Reposts,
		"downloads":   res.Downloads,
	})
	return res, nil
}

// walk runs one timeline traversal over the account state st and flushes
// everything pending. It returns the posts this traversal accepted; posts
// already seen by an earlier query of the account are not accepted again.
func (r *Runner) walk(ctx context.Context, user models.User, query string, b *boundary.Boundary, st *crawler.State) ([]*models.Post, error) {
	opts := r.opts.Walk
	opts.CheckCookie.Enabled = opts.CheckCookie.Enabled && !r.authChecked && query == ""

	start := st.Fetched()
	w := crawler.NewWalker(r.deps.Pages, r.deps.Parser, r.deps.Pauser, opts, r.events, r.log)
	if r.opts.FlushEvery > 0 {
		w.AfterPage = func(ctx context.Context, page int, st *crawler.State) error {
			if page%r.opts.FlushEvery == 0 {
				r.flush(ctx, user, query, st)
			}
			return nil
		}
	}

	target := crawler.Target{UserID: user.ID, ScreenName: user.ScreenName, Query: query}
	if query == "" {
		target.Total = user.StatusesCount
	}
	sum, err := w.Walk(ctx, target, b, st)
	if st.AuthChecked {
		r.authChecked = true
	}
	r.flush(ctx, user, query, st)

	r.log.InfoWithFields("walk finished", map[string]interface{}{
		"user_id": user.ID,
		"query":   query,
		"pages":   sum.Pages,
		"reason":  sum.Reason,
		"fetched": st.Fetched() - start,
	})
	return st.Batch[start:], err
}

// flush writes the unflushed tail of the batch. Sink failures are logged,
// the watermark advances regardless.
func (r *Runner) flush(ctx context.Context, user models.User, query string, st *crawler.State) {
	if len(st.Pending()) == 0 {
		return
	}
	r.events.Emit(crawler.Event{Account: user.ID, Query: query, Phase: crawler.PhaseFlush, Fetched: st.Fetched()})
	written, err := r.deps.Sinks.Flush(ctx, user, st.Batch, st.Written)
	st.Written = written
	if err != nil {
		r.log.WithError(err).WarnWithFields("batch not fully persisted", map[string]interface{}{
			"user_id": user.ID,
			"written": written,
		})
	}
}

// expand fetches the comments and reposts of posts
func (r *Runner) expand(ctx context.Context, layout downloader.Layout, posts []*models.Post, res *AccountResult) error {
	if r.deps.Social == nil || (!r.opts.Comments && !r.opts.Reposts) {
		return nil
	}
	commentPics := r.deps.Media != nil && r.deps.Media.Toggles().CommentPics

	for _, p := range posts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.events.Emit(crawler.Event{Account: res.UserID, Phase: crawler.PhaseSocial, Fetched: res.Fetched})

		if r.opts.Comments {
			comments, err := r.deps.Social.FetchComments(ctx, p)
			if err != nil {
				return err
			}
			res.Comments += len(comments)
			if err := r.deps.Sinks.WriteComments(ctx, comments); err != nil {
				r.log.WithError(err).WarnWithFields("comments not fully persisted", map[string]interface{}{"post_id": p.ID})
			}
			if commentPics && len(comments) > 0 {
				sum := r.deps.Media.DownloadComments(ctx, layout, comments)
				res.Downloads += sum.Downloaded
			}
		}
		if r.opts.Reposts {
			reposts, err := r.deps.Social.FetchReposts(ctx, p)
			if err != nil {
				return err
			}
			res.Reposts += len(reposts)
			if err := r.deps.Sinks.WriteReposts(ctx, reposts); err != nil {
				r.log.WithError(err).WarnWithFields("reposts not fully persisted", map[string]interface{}{"post_id": p.ID})
			}
		}
	}
	return nil
}
