// Package checkpoint persists the incremental crawl cursor of every account.
//
// After a successful run the newest post of the account is recorded so the
// next run in append mode can stop where this one started. A checkpoint
// tracks:
//   - The id and creation time of the newest stored post
//   - The start time of the run that wrote it
//   - How many posts that run accepted
//
// Checkpoints live under the XDG data directory by default:
//   - Linux: ~/.local/share/weibocrawler/checkpoints/
//   - macOS: ~/Library/Application Support/weibocrawler/checkpoints/
//   - Windows: %LOCALAPPDATA%/weibocrawler/checkpoints/
//
// Files are written atomically to prevent corruption and carry a version for
// future compatibility.
package checkpoint
