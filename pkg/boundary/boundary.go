package boundary

import (
	"time"

	"weibocrawler/pkg/models"
)

// Decision tells the walker what to do with one post
type Decision int

const (
	// Accept adds the post to the batch
	Accept Decision = iota
	// Skip drops the post and moves on to the next one
	Skip
	// Stop drops the post and ends the walk
	Stop
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Skip:
		return "skip"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Cursor marks the newest post stored by a run
type Cursor struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
}

// IsZero reports whether no post was recorded
func (c Cursor) IsZero() bool { return c.ID == "" }

// Options configures a Boundary
type Options struct {
	// Since is the configured lower bound on creation time
	Since time.Time
	// Append enables incremental mode against Last
	Append bool
	// GuessPinned treats the first post of the run as pinned in append mode
	GuessPinned bool
	// Last is the cursor persisted by the previous run
	Last Cursor
}

// Boundary decides where the walk of one account stops. In full mode the
// walk stops at the first post older than Since. In append mode it stops
// when the previous run's newest post reappears; until then posts older than
// one day before that post's date also stop the walk, which bounds the
// overlap when the post was deleted upstream.
//
// Pinned posts are always skipped and never become the new cursor.
type Boundary struct {
	opts  Options
	since time.Time
	guess bool

	latest      Cursor
	reachedLast bool
}

// New creates the boundary of one account run
func New(opts Options) *Boundary {
	b := &Boundary{
		opts:  opts,
		since: opts.Since,
		guess: opts.Append && opts.GuessPinned,
	}
	if opts.Append && !opts.Last.IsZero() && !opts.Last.Date.IsZero() {
		b.since = opts.Last.Date.AddDate(0, 0, -1)
	}
	return b
}

// Since returns the effective lower bound on creation time
func (b *Boundary) Since() time.Time { return b.since }

// ReachedLast reports whether the previous run's newest post was seen again
func (b *Boundary) ReachedLast() bool { return b.reachedLast }

// Evaluate classifies the next post of the walk. Posts must be fed in page
// order and after deduplication.
func (b *Boundary) Evaluate(post *models.Post) Decision {
	if post.Pinned {
		b.guess = false
		return Skip
	}

	if b.guess {
		b.guess = false
		return Skip
	}
	if b.latest.IsZero() {
		b.latest = Cursor{ID: post.ID, Date: post.CreatedAt}
	}

	if b.opts.Append {
		if !b.opts.Last.IsZero() && post.ID == b.opts.Last.ID {
			b.reachedLast = true
			return Stop
		}
	}

	if post.CreatedAt.Before(b.since) {
		return Stop
	}
	return Accept
}

// LatestSeen returns the cursor to persist after a successful run, the first
// non-pinned post of this run. It is false when no such post was seen.
func (b *Boundary) LatestSeen() (Cursor, bool) {
	return b.latest, !b.latest.IsZero()
}
