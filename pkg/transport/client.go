package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"weibocrawler/pkg/config"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/ratelimit"
)

// Response is a fully read reply from the remote service
type Response struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	URL        string
}

// Options configures a Client
type Options struct {
	BaseURL         string
	Cookie          string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	// RotateEvery forces an identity rotation after this many calls
	RotateEvery int
	// CounterReset restarts the call counter once this much wall time passed
	CounterReset time.Duration
	Metrics      *metrics.Collector
	Logger       logger.Logger
}

// Client executes paced requests with identity rotation. One client serves
// one crawl run at a time.
type Client struct {
	opts  Options
	pool  *IdentityPool
	pacer *ratelimit.Pacer
	log   logger.Logger

	mu          sync.Mutex
	requests    int
	windowStart time.Time
	now         func() time.Time
}

var baseHeaders = map[string]string{
	"Accept":           "application/json, text/plain, */*",
	"Accept-Language":  "zh-CN,zh;q=0.9,en;q=0.8",
	"Referer":          "https://m.weibo.cn/",
	"Sec-Fetch-Mode":   "cors",
	"Sec-Fetch-Site":   "same-origin",
	"MWeibo-Pwa":       "1",
	"X-Requested-With": "XMLHttpRequest",
}

// New creates a client over an identity pool and a pacer
func New(pool *IdentityPool, pacer *ratelimit.Pacer, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:        opts,
		pool:        pool,
		pacer:       pacer,
		log:         opts.Logger,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// NewFromConfig wires a client from the run configuration
func NewFromConfig(cfg *config.Config, m *metrics.Collector, log logger.Logger) (*Client, error) {
	agents := cfg.Identity.UserAgents
	if len(agents) == 0 {
		agents = config.DefaultUserAgents
	}
	pool, err := NewIdentityPool(agents, cfg.Identity.Proxies, cfg.Transport.MaxIdleConns)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, err, "identity pool")
	}
	pacer := ratelimit.NewPacer(
		ratelimit.DefaultRanges(cfg.Transport.PaceMin, cfg.Transport.PaceMax),
		cfg.Transport.RequestsPerMinute)
	return New(pool, pacer, Options{
		BaseURL:         cfg.Transport.BaseURL,
		Cookie:          cfg.Identity.Cookie,
		RequestTimeout:  cfg.Transport.RequestTimeout,
		DownloadTimeout: cfg.Transport.DownloadTimeout,
		RotateEvery:     cfg.Transport.RotateEvery,
		CounterReset:    cfg.Transport.CounterReset,
		Metrics:         m,
		Logger:          log,
	}), nil
}

// Close releases the idle connections of every identity
func (c *Client) Close() { c.pool.Close() }

// Pacer exposes the pacer for the longer pauses taken by the walker
func (c *Client) Pacer() *ratelimit.Pacer { return c.pacer }

// HasCookie reports whether requests carry an authenticated session
func (c *Client) HasCookie() bool { return c.opts.Cookie != "" }

// BaseURL returns the API root requests are resolved against
func (c *Client) BaseURL() string { return c.opts.BaseURL }

// RotateIdentity switches user agent and proxy
func (c *Client) RotateIdentity() {
	c.pool.Rotate()
	c.opts.Metrics.IncRotation()
	c.log.DebugWithFields("identity rotated", map[string]interface{}{
		"rotations": c.pool.Rotations(),
	})
}

// Requests returns the call counter of the current window
func (c *Client) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// tick counts one call, restarting the window when it is older than
// CounterReset and rotating identity every RotateEvery calls.
func (c *Client) tick() {
	c.mu.Lock()
	now := c.now()
	if c.opts.CounterReset > 0 && now.Sub(c.windowStart) > c.opts.CounterReset {
		c.requests = 0
		c.windowStart = now
		c.log.Info("request counter reset")
	}
	c.requests++
	rotate := c.opts.RotateEvery > 0 && c.requests%c.opts.RotateEvery == 0
	c.mu.Unlock()

	if rotate {
		c.RotateIdentity()
	}
}

func (c *Client) resolve(endpoint string, params url.Values) (string, error) {
	raw := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		raw = c.opts.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(errs.ErrorTypeUnknown, err, "invalid endpoint")
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, target string, agent string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeUnknown, err, "failed to create request")
	}
	for k, v := range baseHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", agent)
	if c.opts.Cookie != "" {
		req.Header.Set("Cookie", c.opts.Cookie)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	rt, err := c.pool.RoundTripper()
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, err, "proxy transport")
	}
	hc := &http.Client{
		Transport: rt,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return hc.Do(req)
}

// Fetch paces, sends and fully reads one GET request. endpoint is either a
// path below the base URL or an absolute URL. A non-2xx reply yields both
// the response and a classified *errors.Error.
func (c *Client) Fetch(ctx context.Context, class ratelimit.Class, endpoint string, params url.Values) (*Response, error) {
	if err := c.pacer.Wait(ctx, class); err != nil {
		return nil, err
	}
	c.tick()

	target, err := c.resolve(endpoint, params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	req, err := c.newRequest(reqCtx, target, c.pool.Current().UserAgent)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.opts.Metrics.ObserveFetch(string(class), 0, time.Since(start))
		c.log.WithError(err).WarnWithFields("request failed", map[string]interface{}{
			"endpoint": endpoint,
		})
		e := errs.Wrap(errs.ErrorTypeNetwork, err, "request failed")
		e.URL = target
		return nil, e
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	c.opts.Metrics.ObserveFetch(string(class), resp.StatusCode, duration)
	logger.LogFetch(c.log, endpoint, resp.StatusCode, duration)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := errs.Wrap(errs.ErrorTypeNetwork, err, "failed to read response body")
		e.URL = target
		return nil, e
	}

	out := &Response{Body: body, StatusCode: resp.StatusCode, Header: resp.Header, URL: target}
	if err := c.checkResponseStatus(resp.StatusCode, target); err != nil {
		return out, err
	}
	return out, nil
}

// FetchPage retrieves an HTML page such as the long-form detail view. It is
// paced under ClassDetail.
func (c *Client) FetchPage(ctx context.Context, rawURL string) (*Response, error) {
	return c.Fetch(ctx, ratelimit.ClassDetail, rawURL, nil)
}

// Stream opens a media download. The caller must close the body; closing it
// also releases the download timeout.
func (c *Client) Stream(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := c.pacer.Wait(ctx, ratelimit.ClassMedia); err != nil {
		return nil, err
	}
	c.tick()

	dlCtx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	req, err := c.newRequest(dlCtx, rawURL, c.pool.RandomAgent())
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Sec-Fetch-Dest", "image")
	req.Header.Del("X-Requested-With")

	start := time.Now()
	resp, err := c.do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.opts.Metrics.ObserveFetch(string(ratelimit.ClassMedia), 0, time.Since(start))
		e := errs.Wrap(errs.ErrorTypeNetwork, err, "download failed")
		e.URL = rawURL
		return nil, e
	}
	c.opts.Metrics.ObserveFetch(string(ratelimit.ClassMedia), resp.StatusCode, time.Since(start))

	if err := c.checkResponseStatus(resp.StatusCode, rawURL); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// checkResponseStatus maps a status code to a classified error and adjusts
// the pacer. Throttling replies halve the request ceiling.
func (c *Client) checkResponseStatus(code int, target string) error {
	t := errs.FromStatus(code)
	if t == "" {
		c.pacer.Relax()
		return nil
	}

	fields := map[string]interface{}{"status": code, "url": target}
	switch t {
	case errs.ErrorTypeSevereRateLimit, errs.ErrorTypeRateLimit:
		c.pacer.Throttle(0)
		c.log.WarnWithFields("rate limit exceeded", fields)
	case errs.ErrorTypeForbidden:
		c.log.WarnWithFields("request forbidden", fields)
	case errs.ErrorTypeNotFound:
		c.log.DebugWithFields("resource not found", fields)
	default:
		c.log.ErrorWithFields("unexpected status", fields)
	}
	return &errs.Error{
		Type:    t,
		Code:    code,
		URL:     target,
		Message: fmt.Sprintf("remote returned status %d", code),
	}
}
