// Package server exposes the job queue and the embedded database over HTTP.
//
// Routes:
//
//	POST /refresh              queue a crawl, body {"user_id_list": [...]} is optional
//	GET  /task/{id}            state of a job
//	POST /task/cancel          cancel the running job
//	GET  /tasks                every known job
//	GET  /weibos               stored posts, newest first (?limit=&offset=)
//	GET  /weibos/{id}          one stored post
//	GET  /challenge            verification step awaiting a signal
//	POST /challenge/{outcome}  resolve it, outcome is confirm or abort
//	GET  /metrics              prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"weibocrawler/pkg/jobs"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/sink"
)

// Queue is the job queue surface served over HTTP
type Queue interface {
	Submit(accounts []string) (string, error)
	Status(id string) (jobs.Job, error)
	Jobs() []jobs.Job
	Cancel() (string, error)
}

// PostStore reads persisted posts
type PostStore interface {
	Posts(ctx context.Context, limit, offset int) ([]sink.PostRecord, error)
	Post(ctx context.Context, id string) (sink.PostRecord, error)
}

// Signaler resolves verification steps on behalf of a human
type Signaler interface {
	Pending() (string, bool)
	Signal(ok bool) bool
}

// Options configures a Server
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the collaborators behind the routes. Posts, Challenge and
// Metrics may be nil, their routes then answer 503.
type Deps struct {
	Queue     Queue
	Posts     PostStore
	Challenge Signaler
	Metrics   *metrics.Collector
}

// Server is the HTTP front of the job queue
type Server struct {
	opts Options
	deps Deps
	log  logger.Logger
	http *http.Server
}

// New creates a Server
func New(opts Options, deps Deps, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{opts: opts, deps: deps, log: log}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the routed and instrumented handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /refresh", s.refresh)
	mux.HandleFunc("GET /task/{id}", s.task)
	mux.HandleFunc("POST /task/cancel", s.cancel)
	mux.HandleFunc("GET /tasks", s.tasks)
	mux.HandleFunc("GET /weibos", s.weibos)
	mux.HandleFunc("GET /weibos/{id}", s.weibo)
	mux.HandleFunc("GET /challenge", s.challenge)
	mux.HandleFunc("POST /challenge/{outcome}", s.signal)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return s.deps.Metrics.InstrumentHandler(mux)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.InfoWithFields("starting server", map[string]interface{}{"addr": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Shutdown gracefully terminates the server
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	s.log.Info("shutting down server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
