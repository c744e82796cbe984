package sink

import (
	"context"
	"errors"
	"time"

	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/retry"
)

// connectRetry is used for the first ping of network databases, which are
// often still starting when the crawler comes up next to them.
var connectRetry = retry.Config{
	MaxAttempts: 4,
	Backoff: &retry.ExponentialBackoff{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	},
}

// ping calls fn until it succeeds or the attempts are spent. Only a done
// context stops it early.
func ping(ctx context.Context, name string, fn func(context.Context) error, sleep retry.Sleeper) error {
	cfg := connectRetry
	cfg.Context = ctx
	cfg.Sleep = sleep
	cfg.Logger = logger.GetLogger().WithField("sink", name)
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return retry.Do(func() error { return fn(ctx) }, &cfg)
}
