package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"weibocrawler/pkg/retry"
)

// Class names a family of endpoints that share a pacing range
type Class string

const (
	// ClassTimeline covers account timeline and search pages
	ClassTimeline Class = "timeline"
	// ClassAPI covers profile, comment and repost endpoints
	ClassAPI Class = "api"
	// ClassDetail covers the long-form detail page
	ClassDetail Class = "detail"
	// ClassMedia covers image and video downloads
	ClassMedia Class = "media"
)

// Range is a closed interval of pacing delays
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pick returns a uniformly random duration in the range
func (r Range) Pick() time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rand.Int63n(int64(r.Max-r.Min)))
}

// DefaultRanges returns the per-class pacing, with api as the configured base
func DefaultRanges(apiMin, apiMax time.Duration) map[Class]Range {
	return map[Class]Range{
		ClassTimeline: {Min: 3 * time.Second, Max: 8 * time.Second},
		ClassAPI:      {Min: apiMin, Max: apiMax},
		ClassDetail:   {Min: 1 * time.Second, Max: 3 * time.Second},
		ClassMedia:    {Min: 2 * time.Second, Max: 6 * time.Second},
	}
}

// Pacer delays every outbound call by a random amount drawn from its class
// range and keeps the overall rate under a token bucket ceiling. After a
// throttling response the ceiling is halved and recovers stepwise.
type Pacer struct {
	mu      sync.Mutex
	ranges  map[Class]Range
	lim     *rate.Limiter
	ceiling rate.Limit
	floor   rate.Limit
	curr    rate.Limit
	okCount int

	coolUntil time.Time
	sleep     retry.Sleeper
	now       func() time.Time
}

// NewPacer creates a pacer. perMinute <= 0 disables the ceiling.
func NewPacer(ranges map[Class]Range, perMinute int) *Pacer {
	ceiling := rate.Inf
	if perMinute > 0 {
		ceiling = rate.Limit(float64(perMinute) / 60)
	}
	return &Pacer{
		ranges:  ranges,
		lim:     rate.NewLimiter(ceiling, 1),
		ceiling: ceiling,
		floor:   ceiling / 8,
		curr:    ceiling,
		sleep:   retry.Wait,
		now:     time.Now,
	}
}

// SetSleeper replaces the blocking wait, used by tests
func (p *Pacer) SetSleeper(s retry.Sleeper) {
	p.sleep = s
}

// Wait blocks for the class pacing delay, any cool-off in effect, and the
// rate ceiling.
func (p *Pacer) Wait(ctx context.Context, class Class) error {
	p.mu.Lock()
	r := p.ranges[class]
	cool := p.coolUntil.Sub(p.now())
	lim := p.lim
	p.mu.Unlock()

	delay := r.Pick()
	if cool > delay {
		delay = cool
	}
	if err := p.sleep(ctx, delay); err != nil {
		return err
	}
	return lim.Wait(ctx)
}

// Pause sleeps for a random duration in r. It is used for the longer breaks
// between page batches and accounts.
func (p *Pacer) Pause(ctx context.Context, r Range) error {
	return p.sleep(ctx, r.Pick())
}

// Throttle halves the rate ceiling and holds all calls for coolOff
func (p *Pacer) Throttle(coolOff time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.curr != rate.Inf {
		n := p.curr / 2
		if n < p.floor {
			n = p.floor
		}
		p.curr = n
		p.lim.SetLimit(n)
	}
	p.okCount = 0
	p.coolUntil = p.now().Add(coolOff)
}

// Relax restores the ceiling by one eighth after every ten successful calls
func (p *Pacer) Relax() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.curr == p.ceiling {
		return
	}
	p.okCount++
	if p.okCount < 10 {
		return
	}
	p.okCount = 0
	n := p.curr + p.ceiling/8
	if n > p.ceiling {
		n = p.ceiling
	}
	p.curr = n
	p.lim.SetLimit(n)
}

// Limit reports the current rate ceiling in calls per second
func (p *Pacer) Limit() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.curr)
}
