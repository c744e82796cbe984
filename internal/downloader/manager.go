package downloader

import (
	"context"
	"time"

	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
)

// Pauser provides the randomized waits before retry passes
type Pauser interface {
	Pause(ctx context.Context, r ratelimit.Range) error
}

// ManagerOptions configures the retry passes of a Manager
type ManagerOptions struct {
	Workers int
	// RetryPause precedes the second pass over failed assets
	RetryPause ratelimit.Range
	// FinalPause precedes the last pass, only taken when nothing of a post
	// could be downloaded and at most FinalLimit assets failed
	FinalPause ratelimit.Range
	FinalLimit int
}

// DefaultManagerOptions returns the passes used by the command line
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Workers:    1,
		RetryPause: ratelimit.Range{Min: 5 * time.Second, Max: 10 * time.Second},
		FinalPause: ratelimit.Range{Min: 30 * time.Second, Max: 60 * time.Second},
		FinalLimit: 3,
	}
}

// Summary aggregates the results of a set of downloads
type Summary struct {
	Total      int
	Downloaded int
	Skipped    int
	Failed     []Result
}

func (s *Summary) add(o Summary) {
	s.Total += o.Total
	s.Downloaded += o.Downloaded
	s.Skipped += o.Skipped
	s.Failed = append(s.Failed, o.Failed...)
}

// Manager plans and downloads the media of posts and comments
type Manager struct {
	fetcher AssetFetcher
	toggles Toggles
	pauser  Pauser
	opts    ManagerOptions
	log     logger.Logger
}

// NewManager creates a Manager
func NewManager(fetcher AssetFetcher, toggles Toggles, pauser Pauser, opts ManagerOptions, log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{fetcher: fetcher, toggles: toggles, pauser: pauser, opts: opts, log: log}
}

// Toggles returns the enabled media families
func (m *Manager) Toggles() Toggles { return m.toggles }

// DownloadPost fetches every enabled file of p
func (m *Manager) DownloadPost(ctx context.Context, layout Layout, p *models.Post) Summary {
	return m.download(ctx, layout.PostAssets(p, m.toggles))
}

// DownloadPosts fetches the media of posts one post at a time
func (m *Manager) DownloadPosts(ctx context.Context, layout Layout, posts []*models.Post) Summary {
	var sum Summary
	if !m.toggles.Any() {
		return sum
	}
	for _, p := range posts {
		if ctx.Err() != nil {
			break
		}
		sum.add(m.DownloadPost(ctx, layout, p))
	}
	m.log.InfoWithFields("media download finished", map[string]interface{}{
		"owner":      layout.Owner,
		"total":      sum.Total,
		"downloaded": sum.Downloaded,
		"skipped":    sum.Skipped,
		"failed":     len(sum.Failed),
	})
	return sum
}

// DownloadComments fetches the images attached to comments
func (m *Manager) DownloadComments(ctx context.Context, layout Layout, comments []models.Comment) Summary {
	if !m.toggles.CommentPics {
		return Summary{}
	}
	return m.download(ctx, layout.CommentAssets(comments))
}

// download runs a first pass, a delayed second pass over what failed and,
// when nothing succeeded, one final delayed pass over a small remainder
func (m *Manager) download(ctx context.Context, list []models.MediaAsset) Summary {
	sum := Summary{Total: len(list)}
	if len(list) == 0 {
		return sum
	}

	failed := m.pass(ctx, list, &sum)
	if len(failed) > 0 && ctx.Err() == nil {
		m.log.InfoWithFields("retrying failed downloads", map[string]interface{}{"count": len(failed)})
		if m.pauser.Pause(ctx, m.opts.RetryPause) == nil {
			failed = m.pass(ctx, assetsOf(failed), &sum)
		}
	}
	if len(failed) > 0 && sum.Downloaded+sum.Skipped == 0 && len(failed) <= m.opts.FinalLimit && ctx.Err() == nil {
		m.log.WarnWithFields("every download failed, attempting a final retry", map[string]interface{}{"count": len(failed)})
		if m.pauser.Pause(ctx, m.opts.FinalPause) == nil {
			failed = m.pass(ctx, assetsOf(failed), &sum)
		}
	}
	sum.Failed = failed
	return sum
}

func (m *Manager) pass(ctx context.Context, list []models.MediaAsset, sum *Summary) []Result {
	var failed []Result
	for _, r := range Run(ctx, m.opts.Workers, m.fetcher, list, m.log) {
		switch {
		case r.Skipped:
			sum.Skipped++
		case r.Success:
			sum.Downloaded++
		default:
			failed = append(failed, r)
		}
	}
	return failed
}

func assetsOf(results []Result) []models.MediaAsset {
	out := make([]models.MediaAsset, len(results))
	for i, r := range results {
		out[i] = r.Asset
	}
	return out
}
