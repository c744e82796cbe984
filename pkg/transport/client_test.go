package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/ratelimit"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestClient(t *testing.T, baseURL string, opts Options) *Client {
	t.Helper()
	pool, err := NewIdentityPool([]string{"agent-a", "agent-b", "agent-c"}, nil, 2)
	require.NoError(t, err)
	pacer := ratelimit.NewPacer(map[ratelimit.Class]ratelimit.Range{}, 0)
	pacer.SetSleeper(noSleep)
	opts.BaseURL = baseURL
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	return New(pool, pacer, opts)
}

func TestFetchSendsParamsAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/container/getIndex", r.URL.Path)
		assert.Equal(t, "2304131669879400", r.URL.Query().Get("containerid"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "SUB=abc", r.Header.Get("Cookie"))
		assert.Contains(t, []string{"agent-a", "agent-b", "agent-c"}, r.Header.Get("User-Agent"))
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":1}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{Cookie: "SUB=abc"})
	resp, err := c.Fetch(context.Background(), ratelimit.ClassTimeline, "/api/container/getIndex", url.Values{
		"containerid": {"2304131669879400"},
		"page":        {"2"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":1}`, string(resp.Body))
	assert.True(t, c.HasCookie())
}

func TestFetchClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   errs.ErrorType
	}{
		{432, errs.ErrorTypeSevereRateLimit},
		{http.StatusTooManyRequests, errs.ErrorTypeRateLimit},
		{http.StatusForbidden, errs.ErrorTypeForbidden},
		{http.StatusNotFound, errs.ErrorTypeNotFound},
		{http.StatusBadGateway, errs.ErrorTypeServerError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, Options{})
			resp, err := c.Fetch(context.Background(), ratelimit.ClassAPI, "/x", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.TypeOf(err))
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestFetchNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	c := newTestClient(t, addr, Options{})
	_, err := c.Fetch(context.Background(), ratelimit.ClassAPI, "/x", nil)
	assert.True(t, errs.Is(err, errs.ErrorTypeNetwork))
}

func TestFetchRotatesEveryNCalls(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{RotateEvery: 10})
	for i := 0; i < 25; i++ {
		_, err := c.Fetch(context.Background(), ratelimit.ClassAPI, "/x", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(25), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, c.pool.Rotations())
	assert.Equal(t, 25, c.Requests())
}

func TestCounterResetsAfterWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, server.URL, Options{RotateEvery: 10, CounterReset: 30 * time.Minute})
	c.now = func() time.Time { return now }
	c.windowStart = now

	for i := 0; i < 9; i++ {
		_, err := c.Fetch(context.Background(), ratelimit.ClassAPI, "/x", nil)
		require.NoError(t, err)
	}
	now = now.Add(31 * time.Minute)
	_, err := c.Fetch(context.Background(), ratelimit.ClassAPI, "/x", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Requests())
	assert.Equal(t, 0, c.pool.Rotations(), "the reset must pre-empt the tenth-call rotation")
}

func TestStreamReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image", r.Header.Get("Sec-Fetch-Dest"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpegdata"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{})
	resp, err := c.Stream(context.Background(), server.URL+"/large/a.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "jpegdata", string(data))
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestStreamStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(432)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{})
	_, err := c.Stream(context.Background(), server.URL+"/a.jpg")
	assert.Equal(t, errs.ErrorTypeSevereRateLimit, errs.TypeOf(err))
}

func TestIdentityPool(t *testing.T) {
	_, err := NewIdentityPool(nil, nil, 1)
	assert.Error(t, err)

	_, err = NewIdentityPool([]string{"a"}, []string{"ftp://proxy:21"}, 1)
	assert.Error(t, err)

	pool, err := NewIdentityPool([]string{"a", "b"}, []string{"http://p1:8080", "socks5://p2:1080"}, 1)
	require.NoError(t, err)

	first := pool.Current()
	assert.Equal(t, "p1:8080", first.Proxy.Host)
	rt, err := pool.RoundTripper()
	require.NoError(t, err)
	assert.NotNil(t, rt.(*http.Transport).Proxy)

	pool.Rotate()
	second := pool.Current()
	assert.NotEqual(t, first.UserAgent, second.UserAgent)
	assert.Equal(t, "p2:1080", second.Proxy.Host)

	rt, err = pool.RoundTripper()
	require.NoError(t, err)
	socks := rt.(*http.Transport)
	assert.Nil(t, socks.Proxy)
	assert.NotNil(t, socks.DialContext)

	pool.Rotate()
	assert.Equal(t, "p1:8080", pool.Current().Proxy.Host)
	assert.Equal(t, 2, pool.Rotations())
	pool.Close()
}
