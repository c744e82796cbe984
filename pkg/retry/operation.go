package retry

import (
	"context"
	"fmt"
	"time"

	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
)

// State is the lifecycle position of one logical operation
type State int

const (
	Attempting State = iota
	Backoff
	Exhausted
	Succeeded
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Backoff:
		return "backoff"
	case Exhausted:
		return "exhausted"
	case Succeeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// Decision is the outcome of feeding one failure into an Operation
type Decision struct {
	Class   errs.ErrorType
	Attempt int
	Retry   bool
	Delay   time.Duration
	Rotate  bool
}

// Option customizes an Operation
type Option func(*Operation)

// WithSleeper replaces the blocking wait between attempts
func WithSleeper(s Sleeper) Option {
	return func(o *Operation) { o.sleep = s }
}

// WithRotator registers the identity rotation callback
func WithRotator(rotate func()) Option {
	return func(o *Operation) { o.rotate = rotate }
}

// WithLogger sets the logger that receives backoff decisions
func WithLogger(l logger.Logger) Option {
	return func(o *Operation) { o.logger = l }
}

// WithObserver is called for every decision, mainly for metrics
func WithObserver(fn func(policy string, d Decision)) Option {
	return func(o *Operation) { o.observe = fn }
}

// WithClock replaces time.Now for timeout accounting
func WithClock(now func() time.Time) Option {
	return func(o *Operation) { o.now = now }
}

// Operation tracks attempts of one page or media fetch against a Policy.
// It is not safe for concurrent use.
type Operation struct {
	policy *Policy
	name   string
	state  State

	attempts    map[errs.ErrorType]int
	lastDelay   map[errs.ErrorType]time.Duration
	consecutive int
	started     time.Time
	lastErr     error

	sleep   Sleeper
	rotate  func()
	logger  logger.Logger
	observe func(string, Decision)
	now     func() time.Time
}

// Begin starts a new logical operation named name
func (p *Policy) Begin(name string, opts ...Option) *Operation {
	o := &Operation{
		policy: p,
		name:   name,
		sleep:  Wait,
		logger: logger.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.Reset()
	return o
}

// State returns the current lifecycle state
func (o *Operation) State() State { return o.state }

// Attempts returns how many failures of class c were recorded
func (o *Operation) Attempts(c errs.ErrorType) int { return o.attempts[c] }

// Err returns the last recorded failure
func (o *Operation) Err() error { return o.lastErr }

// Reset clears every counter, used after a challenge was resolved
func (o *Operation) Reset() {
	o.attempts = make(map[errs.ErrorType]int)
	o.lastDelay = make(map[errs.ErrorType]time.Duration)
	o.consecutive = 0
	o.started = o.now()
	o.lastErr = nil
	o.state = Attempting
}

// Success marks the operation as completed
func (o *Operation) Success() {
	o.consecutive = 0
	o.state = Succeeded
}

// Failure classifies err and decides whether and how long to back off
func (o *Operation) Failure(err error) Decision {
	o.lastErr = err
	class := errs.TypeOf(err)
	cp, ok := o.policy.Classes[class]
	if !ok {
		o.state = Exhausted
		return Decision{Class: class}
	}

	o.attempts[class]++
	o.consecutive++
	attempt := o.attempts[class]
	d := Decision{Class: class, Attempt: attempt}

	if cp.MaxAttempts > 0 && attempt > cp.MaxAttempts {
		o.state = Exhausted
		return d
	}

	delay := cp.delay(attempt)
	if delay < o.lastDelay[class] {
		delay = o.lastDelay[class]
	}
	if cp.MaxAttempts == 0 && o.policy.Timeout > 0 && o.now().Add(delay).After(o.started.Add(o.policy.Timeout)) {
		o.state = Exhausted
		return d
	}
	o.lastDelay[class] = delay

	d.Retry = true
	d.Delay = delay
	switch {
	case cp.RotateIdentity:
		d.Rotate = true
	case cp.RotateAfter > 0 && o.consecutive >= cp.RotateAfter:
		d.Rotate = true
		o.consecutive = 0
	}
	o.state = Backoff
	return d
}

// Execute runs fn under op until it succeeds, the policy gives up or ctx is
// done. A spent budget returns an error wrapping errs.ErrExhausted; errors of
// classes absent from the policy are returned as they are.
func Execute[T any](ctx context.Context, op *Operation, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			op.Success()
			return result, nil
		}

		d := op.Failure(err)
		if op.observe != nil {
			op.observe(op.policy.Name, d)
		}
		if !d.Retry {
			if _, known := op.policy.Classes[d.Class]; !known {
				return zero, err
			}
			op.logger.WarnWithFields("retry budget exhausted", map[string]interface{}{
				"operation": op.name,
				"class":     string(d.Class),
				"attempts":  d.Attempt,
				"error":     err.Error(),
			})
			return zero, fmt.Errorf("%s: %w: %w", op.name, errs.ErrExhausted, err)
		}

		if d.Rotate && op.rotate != nil {
			op.rotate()
		}
		logger.LogBackoff(op.logger, op.name, string(d.Class), d.Attempt, d.Delay)

		if err := op.sleep(ctx, d.Delay); err != nil {
			return zero, err
		}
		op.state = Attempting
	}
}
