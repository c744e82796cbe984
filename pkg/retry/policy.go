package retry

import (
	"math"
	"math/rand"
	"time"

	errs "weibocrawler/pkg/errors"
)

// ClassPolicy describes how one failure class is retried. The delay before
// attempt n is
//
//	Factor * Base^min(n, MaxExponent) * U(JitterMin, JitterMax) + U(ExtraMin, ExtraMax)
//
// plus U(LongPauseMin, LongPauseMax) once n reaches LongPauseAfter, capped at
// MaxDelay and never shorter than the previous delay of the same class.
type ClassPolicy struct {
	// MaxAttempts bounds the retries of this class, 0 means bounded only by
	// the policy timeout
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Base        float64       `yaml:"base" json:"base"`
	Factor      time.Duration `yaml:"factor" json:"factor"`
	MaxExponent int           `yaml:"max_exponent" json:"max_exponent"`
	JitterMin   float64       `yaml:"jitter_min" json:"jitter_min"`
	JitterMax   float64       `yaml:"jitter_max" json:"jitter_max"`
	ExtraMin    time.Duration `yaml:"extra_min" json:"extra_min"`
	ExtraMax    time.Duration `yaml:"extra_max" json:"extra_max"`

	LongPauseAfter int           `yaml:"long_pause_after" json:"long_pause_after"`
	LongPauseMin   time.Duration `yaml:"long_pause_min" json:"long_pause_min"`
	LongPauseMax   time.Duration `yaml:"long_pause_max" json:"long_pause_max"`

	// RotateIdentity rotates on every failure of this class
	RotateIdentity bool `yaml:"rotate_identity" json:"rotate_identity"`
	// RotateAfter rotates once this many consecutive failures have occurred
	RotateAfter int           `yaml:"rotate_after" json:"rotate_after"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// Policy is the retry table of one kind of operation, keyed by failure class.
// Classes absent from the table are not retried.
type Policy struct {
	Name    string                        `yaml:"name" json:"name"`
	Classes map[errs.ErrorType]ClassPolicy `yaml:"classes" json:"classes"`
	// Timeout bounds the attempts of classes without MaxAttempts
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// PagePolicy is the table for API page and detail fetches
func PagePolicy(timeout time.Duration) *Policy {
	return &Policy{
		Name:    "page",
		Timeout: timeout,
		Classes: map[errs.ErrorType]ClassPolicy{
			errs.ErrorTypeSevereRateLimit: {
				MaxAttempts: 10, Base: 3, Factor: 5 * time.Second,
				JitterMin: 0.5, JitterMax: 1.5,
				ExtraMin: 5 * time.Second, ExtraMax: 15 * time.Second,
				RotateIdentity: true, MaxDelay: 15 * time.Minute,
			},
			errs.ErrorTypeRateLimit: {
				MaxAttempts: 8, Base: 2, Factor: 5 * time.Second,
				RotateIdentity: true, MaxDelay: 10 * time.Minute,
			},
			errs.ErrorTypeForbidden: {
				MaxAttempts: 5, Base: 1, Factor: 5 * time.Second,
				RotateIdentity: true, MaxDelay: 5 * time.Minute,
			},
			errs.ErrorTypeServerError: {
				MaxAttempts: 3, Base: 1, Factor: 5 * time.Second,
				MaxDelay: time.Minute,
			},
			errs.ErrorTypeNetwork: {
				Base: 2, Factor: 5 * time.Second, MaxExponent: 5,
				JitterMin: 0.8, JitterMax: 1.2,
				RotateAfter: 8, MaxDelay: 3 * time.Minute,
			},
			errs.ErrorTypeParsing: {
				MaxAttempts: 8, Base: 2, Factor: 5 * time.Second, MaxExponent: 5,
				MaxDelay: 3 * time.Minute,
			},
		},
	}
}

// MediaPolicy is the table for binary downloads
func MediaPolicy(timeout time.Duration) *Policy {
	return &Policy{
		Name:    "media",
		Timeout: timeout,
		Classes: map[errs.ErrorType]ClassPolicy{
			errs.ErrorTypeSevereRateLimit: {
				MaxAttempts: 10, Base: 2.5, Factor: 3 * time.Second, MaxExponent: 5,
				JitterMin: 0.7, JitterMax: 1.3,
				LongPauseAfter: 3, LongPauseMin: 30 * time.Second, LongPauseMax: 60 * time.Second,
				RotateIdentity: true, MaxDelay: 10 * time.Minute,
			},
			errs.ErrorTypeRateLimit: {
				MaxAttempts: 8, Base: 2, Factor: 3 * time.Second, MaxExponent: 5,
				JitterMin: 0.7, JitterMax: 1.3,
				RotateIdentity: true, MaxDelay: 5 * time.Minute,
			},
			errs.ErrorTypeForbidden: {
				MaxAttempts: 5, Base: 1.5, Factor: 3 * time.Second, MaxExponent: 5,
				JitterMin: 0.7, JitterMax: 1.3,
				RotateIdentity: true, MaxDelay: 3 * time.Minute,
			},
			errs.ErrorTypeServerError: {
				MaxAttempts: 3, Base: 1, Factor: 3 * time.Second,
				JitterMin: 0.7, JitterMax: 1.3,
				MaxDelay: time.Minute,
			},
			errs.ErrorTypeNetwork: {
				Base: 2, Factor: 3 * time.Second, MaxExponent: 5,
				JitterMin: 0.8, JitterMax: 1.2,
				RotateAfter: 8, MaxDelay: 3 * time.Minute,
			},
			errs.ErrorTypeParsing: {
				MaxAttempts: 3, Base: 2, Factor: 3 * time.Second,
				MaxDelay: time.Minute,
			},
		},
	}
}

// delay computes the raw wait before the given attempt of class c
func (c ClassPolicy) delay(attempt int) time.Duration {
	exp := attempt
	if c.MaxExponent > 0 && exp > c.MaxExponent {
		exp = c.MaxExponent
	}
	base := c.Base
	if base <= 0 {
		base = 1
	}
	d := float64(c.Factor) * math.Pow(base, float64(exp))
	if c.JitterMax > 0 {
		d *= c.JitterMin + rand.Float64()*(c.JitterMax-c.JitterMin)
	}
	total := time.Duration(d) + uniform(c.ExtraMin, c.ExtraMax)
	if c.LongPauseAfter > 0 && attempt >= c.LongPauseAfter {
		total += uniform(c.LongPauseMin, c.LongPauseMax)
	}
	if c.MaxDelay > 0 && total > c.MaxDelay {
		total = c.MaxDelay
	}
	return total
}
