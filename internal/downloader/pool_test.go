package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
)

// MockFetcher records fetched assets and fails the URLs listed in failing
type MockFetcher struct {
	delay   time.Duration
	failing map[string]int
	counter int32
	mu      sync.Mutex
	active  int32
	peak    int32
}

func (m *MockFetcher) Fetch(ctx context.Context, asset models.MediaAsset) Result {
	atomic.AddInt32(&m.counter, 1)
	n := atomic.AddInt32(&m.active, 1)
	defer atomic.AddInt32(&m.active, -1)
	for {
		p := atomic.LoadInt32(&m.peak)
		if n <= p || atomic.CompareAndSwapInt32(&m.peak, p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[asset.URL] > 0 {
		m.failing[asset.URL]--
		return Result{Asset: asset, Error: errors.New("mock failure")}
	}
	return Result{Asset: asset, Success: true, Path: asset.Dest}
}

func (m *MockFetcher) GetFetchCount() int {
	return int(atomic.LoadInt32(&m.counter))
}

type nopPauser struct{ pauses int }

func (p *nopPauser) Pause(ctx context.Context, r ratelimit.Range) error {
	p.pauses++
	return nil
}

func mockAssets(n int) []models.MediaAsset {
	out := make([]models.MediaAsset, n)
	for i := range out {
		out[i] = models.MediaAsset{
			URL:    fmt.Sprintf("https://wx1.sinaimg.cn/large/%d.jpg", i),
			Dest:   filepath.Join("out", fmt.Sprintf("%d.jpg", i)),
			PostID: "5001",
			Kind:   models.MediaImage,
		}
	}
	return out
}

func TestWorkerPoolBasicFunctionality(t *testing.T) {
	fetcher := &MockFetcher{delay: 5 * time.Millisecond}

	results := Run(context.Background(), 3, fetcher, mockAssets(10), logger.NewNopLogger())

	if len(results) != 10 {
		t.Errorf("Expected 10 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("Expected success for %s", r.Asset.URL)
		}
	}
	if fetcher.GetFetchCount() != 10 {
		t.Errorf("Expected 10 fetch calls, got %d", fetcher.GetFetchCount())
	}
}

func TestWorkerPoolSingleWorkerIsSequential(t *testing.T) {
	fetcher := &MockFetcher{delay: 2 * time.Millisecond}

	Run(context.Background(), 1, fetcher, mockAssets(6), logger.NewNopLogger())

	if peak := atomic.LoadInt32(&fetcher.peak); peak != 1 {
		t.Errorf("Expected one download at a time, peak was %d", peak)
	}
}

func TestWorkerPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &MockFetcher{}

	results := Run(ctx, 2, fetcher, mockAssets(5), logger.NewNopLogger())

	for _, r := range results {
		if r.Success {
			t.Error("Expected no successful download after cancellation")
		}
	}
	if fetcher.GetFetchCount() != 0 {
		t.Errorf("Expected no fetch after cancellation, got %d", fetcher.GetFetchCount())
	}
}

func TestManagerRetriesFailedAssets(t *testing.T) {
	list := mockAssets(3)
	fetcher := &MockFetcher{failing: map[string]int{list[1].URL: 1}}
	pauser := &nopPauser{}
	m := NewManager(fetcher, Toggles{OriginalPic: true}, pauser, DefaultManagerOptions(), logger.NewNopLogger())

	sum := m.download(context.Background(), list)

	if sum.Downloaded != 3 || len(sum.Failed) != 0 {
		t.Errorf("Expected 3 downloads and no failure, got %d and %d", sum.Downloaded, len(sum.Failed))
	}
	if fetcher.GetFetchCount() != 4 {
		t.Errorf("Expected 4 fetch calls, got %d", fetcher.GetFetchCount())
	}
	if pauser.pauses != 1 {
		t.Errorf("Expected 1 retry pause, got %d", pauser.pauses)
	}
}

func TestManagerFinalRetryWhenAllFailed(t *testing.T) {
	list := mockAssets(2)
	fetcher := &MockFetcher{failing: map[string]int{list[0].URL: 2, list[1].URL: 2}}
	pauser := &nopPauser{}
	m := NewManager(fetcher, Toggles{OriginalPic: true}, pauser, DefaultManagerOptions(), logger.NewNopLogger())

	sum := m.download(context.Background(), list)

	if sum.Downloaded != 2 {
		t.Errorf("Expected the final pass to download 2 files, got %d", sum.Downloaded)
	}
	if pauser.pauses != 2 {
		t.Errorf("Expected retry and final pauses, got %d", pauser.pauses)
	}
}

func TestManagerNoFinalRetryAfterPartialSuccess(t *testing.T) {
	list := mockAssets(2)
	fetcher := &MockFetcher{failing: map[string]int{list[0].URL: 5}}
	pauser := &nopPauser{}
	m := NewManager(fetcher, Toggles{OriginalPic: true}, pauser, DefaultManagerOptions(), logger.NewNopLogger())

	sum := m.download(context.Background(), list)

	if len(sum.Failed) != 1 {
		t.Errorf("Expected 1 failure, got %d", len(sum.Failed))
	}
	if fetcher.GetFetchCount() != 3 {
		t.Errorf("Expected 3 fetch calls, got %d", fetcher.GetFetchCount())
	}
}

func TestManagerSkipsDisabledMedia(t *testing.T) {
	fetcher := &MockFetcher{}
	m := NewManager(fetcher, Toggles{}, &nopPauser{}, DefaultManagerOptions(), logger.NewNopLogger())
	posts := []*models.Post{{ID: "1", Pics: []string{"https://wx1.sinaimg.cn/large/a.jpg"}}}

	sum := m.DownloadPosts(context.Background(), Layout{Root: t.TempDir(), Owner: "alice"}, posts)

	if sum.Total != 0 || fetcher.GetFetchCount() != 0 {
		t.Errorf("Expected no download, got %d assets and %d calls", sum.Total, fetcher.GetFetchCount())
	}
}
