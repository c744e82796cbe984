// Package runner drives a crawl run account by account.
//
// For every account the Runner fetches the profile, walks the timeline once
// per configured query, flushes accepted posts to the sinks, expands comments
// and reposts, downloads media and finally persists the incremental cursor.
// Accounts are processed strictly one after another; randomized pauses
// separate queries and accounts.
//
// Failures of one account never end the run unless they are fatal: an
// unresolved verification step, an invalid cookie or a configuration error.
// Consecutive account failures escalate from a recovery pause to an identity
// rotation followed by a longer pause.
//
// Usage:
//
//	r := runner.New(runner.OptionsFrom(cfg), runner.Deps{
//	    Profiles: client,
//	    Pages:    client,
//	    Parser:   parser,
//	    Sinks:    fanout,
//	    Cursors:  checkpoints,
//	    Pauser:   pacer,
//	}, crawler.NewEmitter(events), log)
//	report, err := r.Run(ctx, accounts)
package runner
