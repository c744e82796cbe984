package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "weibocrawler"

// Collector holds the crawler's Prometheus instruments. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	fetchDuration *prometheus.HistogramVec
	fetchTotal    *prometheus.CounterVec
	backoffTotal  *prometheus.CounterVec
	rotations     prometheus.Counter
	downloads     *prometheus.CounterVec
	sinkWrites    *prometheus.CounterVec
	postsFetched  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpTotal     *prometheus.CounterVec
}

// New constructs a collector on its own registry
func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of outbound calls to the remote service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class", "status"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "fetch_total",
			Help:      "Outbound calls by endpoint class and status code.",
		}, []string{"class", "status"}),
		backoffTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "decisions_total",
			Help:      "Retry decisions by policy, failure class and outcome.",
		}, []string{"policy", "class", "outcome"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "identity_rotations_total",
			Help:      "Identity rotations performed.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "downloads_total",
			Help:      "Media downloads by outcome.",
		}, []string{"outcome"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Sink flushes by sink and outcome.",
		}, []string{"sink", "outcome"}),
		postsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "posts_total",
			Help:      "Posts accepted into a crawl batch.",
		}, []string{"account"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
	}

	for _, col := range []prometheus.Collector{
		c.fetchDuration, c.fetchTotal, c.backoffTotal, c.rotations,
		c.downloads, c.sinkWrites, c.postsFetched, c.httpDuration, c.httpTotal,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one outbound call. status 0 means a network error.
func (c *Collector) ObserveFetch(class string, status int, d time.Duration) {
	if c == nil {
		return
	}
	code := strconv.Itoa(status)
	c.fetchTotal.WithLabelValues(class, code).Inc()
	c.fetchDuration.WithLabelValues(class, code).Observe(d.Seconds())
}

// ObserveDecision records one retry decision
func (c *Collector) ObserveDecision(policy, class string, retry bool) {
	if c == nil {
		return
	}
	outcome := "retry"
	if !retry {
		outcome = "exhausted"
	}
	c.backoffTotal.WithLabelValues(policy, class, outcome).Inc()
}

// IncRotation records one identity rotation
func (c *Collector) IncRotation() {
	if c == nil {
		return
	}
	c.rotations.Inc()
}

// ObserveDownload records a media download outcome: ok, skipped or failed
func (c *Collector) ObserveDownload(outcome string) {
	if c == nil {
		return
	}
	c.downloads.WithLabelValues(outcome).Inc()
}

// ObserveSinkWrite records one sink flush
func (c *Collector) ObserveSinkWrite(sink string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.sinkWrites.WithLabelValues(sink, outcome).Inc()
}

// AddPosts records posts accepted for an account
func (c *Collector) AddPosts(account string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.postsFetched.WithLabelValues(account).Add(float64(n))
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		// the route pattern keeps ids out of the label values
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		status := strconv.Itoa(rw.status)
		c.httpTotal.WithLabelValues(r.Method, path, status).Inc()
		c.httpDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
