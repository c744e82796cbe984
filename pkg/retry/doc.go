// Package retry holds the resilience policy of the crawler.
//
// A Policy is a table keyed by failure class (see pkg/errors) that gives the
// attempt budget, the backoff formula and whether the client identity is
// rotated. PagePolicy covers API pages and detail fetches, MediaPolicy covers
// binary downloads. Each logical fetch begins an Operation, which moves
// through Attempting, Backoff, Exhausted and Succeeded:
//
//	op := retry.PagePolicy(10*time.Minute).Begin("page",
//		retry.WithRotator(pool.Rotate),
//		retry.WithLogger(log))
//	body, err := retry.Execute(ctx, op, func(ctx context.Context) ([]byte, error) {
//		return client.Get(ctx, url)
//	})
//	if errors.Is(err, errs.ErrExhausted) {
//		// treat the page as unavailable
//	}
//
// Delays inside one class never shrink between attempts, even with jitter.
//
// Do runs simple bounded loops such as webhook delivery and database
// connects, driven by a BackoffStrategy.
package retry
