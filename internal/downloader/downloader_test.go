package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
	"weibocrawler/pkg/ratelimit"
	"weibocrawler/pkg/retry"
	"weibocrawler/pkg/transport"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestDownloader(t *testing.T, handler http.HandlerFunc) (*Downloader, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	pool, err := transport.NewIdentityPool([]string{"agent-a"}, nil, 2)
	require.NoError(t, err)
	pacer := ratelimit.NewPacer(map[ratelimit.Class]ratelimit.Range{}, 0)
	pacer.SetSleeper(noSleep)
	hc := transport.New(pool, pacer, transport.Options{BaseURL: server.URL, Logger: logger.NewNopLogger()})

	d := New(hc, retry.MediaPolicy(time.Minute), nil, logger.NewNopLogger())
	d.SetSleeper(noSleep)
	return d, server.URL
}

func TestDownloadIsIdempotent(t *testing.T) {
	var calls int32
	d, base := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpegdata"))
	})
	dest := filepath.Join(t.TempDir(), "img", "original", "20240310_5001.jpg")

	assert.True(t, d.Download(context.Background(), base+"/large/a.jpg", dest))
	assert.True(t, d.Download(context.Background(), base+"/large/a.jpg", dest))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))
}

func TestDownloadFixesExtension(t *testing.T) {
	d, base := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("mp4data"))
	})
	dir := t.TempDir()
	dest := filepath.Join(dir, "20240310_5001")

	r := d.Fetch(context.Background(), models.MediaAsset{URL: base + "/v", Dest: dest})

	require.True(t, r.Success)
	assert.Equal(t, dest+".mp4", r.Path)
	assert.FileExists(t, dest+".mp4")

	again := d.Fetch(context.Background(), models.MediaAsset{URL: base + "/v", Dest: dest})
	assert.True(t, again.Skipped)
}

func TestDownloadRetriesRateLimit(t *testing.T) {
	var calls int32
	d, base := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(432)
			return
		}
		w.Write([]byte("png"))
	})
	dest := filepath.Join(t.TempDir(), "a.png")

	assert.True(t, d.Download(context.Background(), base+"/a.png", dest))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	d, base := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.jpg")

	assert.False(t, d.Download(context.Background(), base+"/a.jpg", dest))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadShortBodyIsDiscarded(t *testing.T) {
	var calls int32
	d, base := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
	})
	d.policy = &retry.Policy{Name: "media", Classes: map[errs.ErrorType]retry.ClassPolicy{}}
	dir := t.TempDir()

	assert.False(t, d.Download(context.Background(), base+"/a.jpg", filepath.Join(dir, "a.jpg")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial files must be removed")
}

type recordingBins struct {
	paths []string
	sizes []int
}

func (b *recordingBins) SaveBin(ctx context.Context, asset models.MediaAsset, path string, data []byte) error {
	b.paths = append(b.paths, path)
	b.sizes = append(b.sizes, len(data))
	return nil
}

func TestDownloadFeedsBinStore(t *testing.T) {
	d, base := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("gifdata"))
	})
	bins := &recordingBins{}
	d.SetBinStore(bins)
	dest := filepath.Join(t.TempDir(), "a.gif")

	require.True(t, d.Download(context.Background(), base+"/a.gif", dest))

	assert.Equal(t, []string{dest}, bins.paths)
	assert.Equal(t, []int{7}, bins.sizes)
}

func TestFixExtension(t *testing.T) {
	tests := []struct {
		dest, contentType, want string
	}{
		{"a.jpg", "image/png", "a.jpg"},
		{"a", "image/png", "a.png"},
		{"a.unknown", "image/webp", "a.webp"},
		{"a", "text/html; charset=utf-8", "a"},
		{"a", "video/quicktime", "a.mov"},
		{"a", "", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.dest+" "+tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, FixExtension(tt.dest, tt.contentType))
		})
	}
}
