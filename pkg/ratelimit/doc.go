// Package ratelimit paces outbound calls to the remote service.
//
// Every call waits a random delay drawn from the range of its endpoint class
// (timeline pages 3-8s, api calls 2-5s, detail pages 1-3s, media 2-6s) so no
// fixed cadence is visible, and then passes a golang.org/x/time/rate token
// bucket that caps the overall request rate. Throttle reacts to a rate limit
// response by halving the ceiling and holding calls for a cool-off period;
// Relax climbs back after a run of successful calls.
//
//	pacer := ratelimit.NewPacer(ratelimit.DefaultRanges(2*time.Second, 5*time.Second), 20)
//	if err := pacer.Wait(ctx, ratelimit.ClassTimeline); err != nil {
//		return err
//	}
package ratelimit
