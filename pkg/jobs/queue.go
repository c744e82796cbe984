// Package jobs runs crawl requests one at a time behind a small queue. Job
// state is mirrored to a JSON file so that status survives a restart.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/crawler"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/storage"
)

// State is the lifecycle state of a job
type State string

const (
	StatePending   State = "PENDING"
	StateProgress  State = "PROGRESS"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateTimeout   State = "TIMEOUT"
)

// Done reports whether s is terminal
func (s State) Done() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound     = errors.New("job not found")
	ErrNoRunningJob = errors.New("no running job")
	ErrQueueFull    = errors.New("job queue is full")
	ErrClosed       = errors.New("job queue closed")
)

// Job is the externally visible record of one crawl request
type Job struct {
	ID           string        `json:"id"`
	State        State         `json:"state"`
	Progress     int           `json:"progress"`
	Accounts     []string      `json:"user_id_list"`
	Phase        crawler.Phase `json:"phase,omitempty"`
	Account      string        `json:"account,omitempty"`
	Fetched      int           `json:"fetched"`
	Result       string        `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"start_time,omitempty"`
	LastActivity *time.Time    `json:"last_activity_time,omitempty"`
	EndedAt      *time.Time    `json:"end_time,omitempty"`

	completed int
}

func (j *Job) clone() Job {
	c := *j
	c.Accounts = append([]string(nil), j.Accounts...)
	return c
}

// RunFunc performs one crawl over accounts, reporting progress on events.
// It must not send on events after returning.
type RunFunc func(ctx context.Context, accounts []string, events chan<- crawler.Event) error

// Options configures a Queue
type Options struct {
	// StatePath is the JSON state file, empty keeps state in memory only
	StatePath string
	// Timeout bounds a whole job, 0 disables it
	Timeout time.Duration
	// Accounts is used by submissions without an account override
	Accounts []string
	// Backlog caps the number of pending jobs
	Backlog int
}

// DefaultStatePath returns the state file under the XDG data directory
func DefaultStatePath() (string, error) {
	return xdg.DataFile(filepath.Join(config.AppName, "tasks.json"))
}

type stateFile struct {
	Tasks       map[string]*Job `json:"tasks"`
	CurrentTask string          `json:"current_task_id,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Queue executes submitted jobs on a single worker
type Queue struct {
	run  RunFunc
	opts Options
	log  logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	jobs     map[string]*Job
	pending  []string
	current  string
	cancel   context.CancelFunc
	closed   bool
	lastSave time.Time

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue loads the state file and starts the worker. Jobs left pending or
// running by a previous process are marked failed.
func NewQueue(run RunFunc, opts Options, log logger.Logger) (*Queue, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 8
	}
	q := &Queue{
		run:  run,
		opts: opts,
		log:  log.WithField("component", "jobs"),
		now:  time.Now,
		jobs: make(map[string]*Job),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	if err := q.load(); err != nil {
		return nil, err
	}

	q.wg.Add(1)
	go q.worker()
	return q, nil
}

func (q *Queue) load() error {
	if q.opts.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(q.opts.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read job state: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		q.log.WithError(err).Warn("discarding unreadable job state")
		return nil
	}

	now := q.now()
	for id, job := range sf.Tasks {
		if job == nil {
			continue
		}
		job.ID = id
		if !job.State.Done() {
			job.State = StateFailed
			job.Error = "interrupted by restart"
			job.EndedAt = &now
		}
		q.jobs[id] = job
	}
	q.log.InfoWithFields("job state loaded", map[string]interface{}{
		"jobs": len(q.jobs),
		"path": q.opts.StatePath,
	})
	return nil
}

// save writes the state file, at most once per second unless force is set.
// The caller holds q.mu.
func (q *Queue) save(force bool) {
	if q.opts.StatePath == "" {
		return
	}
	now := q.now()
	if !force && now.Sub(q.lastSave) < time.Second {
		return
	}
	q.lastSave = now

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stateFile{Tasks: q.jobs, CurrentTask: q.current, LastUpdated: now}); err != nil {
		q.log.WithError(err).Error("failed to encode job state")
		return
	}
	if err := os.MkdirAll(filepath.Dir(q.opts.StatePath), 0755); err != nil {
		q.log.WithError(err).Error("failed to create job state directory")
		return
	}
	if err := storage.WriteFileAtomic(q.opts.StatePath, &buf); err != nil {
		q.log.WithError(err).Error("failed to save job state")
	}
}

// Submit enqueues a crawl of accounts, or of the default accounts when none
// are given, and returns the job id
func (q *Queue) Submit(accounts []string) (string, error) {
	if len(accounts) == 0 {
		accounts = q.opts.Accounts
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if len(q.pending) >= q.opts.Backlog {
		return "", ErrQueueFull
	}
	job := &Job{
		ID:        uuid.NewString(),
		State:     StatePending,
		Accounts:  append([]string(nil), accounts...),
		CreatedAt: q.now(),
	}
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	q.save(true)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.log.InfoWithFields("job submitted", map[string]interface{}{
		"job_id":   job.ID,
		"accounts": len(job.Accounts),
	})
	return job.ID, nil
}

// Status returns a snapshot of a job
func (q *Queue) Status(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job.clone(), nil
}

// Jobs lists every known job, oldest first
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, job.clone())
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel stops the running job, or the oldest pending one when none runs,
// and returns its id. The crawl stops at its next cancellation point.
func (q *Queue) Cancel() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.current
	if id == "" {
		for _, p := range q.pending {
			if q.jobs[p].State == StatePending {
				id = p
				break
			}
		}
	}
	if id == "" {
		return "", ErrNoRunningJob
	}

	job := q.jobs[id]
	now := q.now()
	job.State = StateCancelled
	job.Result = "cancelled by request"
	job.EndedAt = &now
	if id == q.current && q.cancel != nil {
		q.cancel()
	}
	q.save(true)
	q.log.InfoWithFields("job cancelled", map[string]interface{}{"job_id": id})
	return id, nil
}

// Close stops accepting jobs, cancels the running one and waits for the
// worker to exit
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Unlock()
		close(q.stop)
	})
	q.wg.Wait()

	q.mu.Lock()
	q.save(true)
	q.mu.Unlock()
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		id, ok := q.next()
		if !ok {
			return
		}
		q.execute(id)
	}
}

// next pops the next pending job, blocking until one arrives or the queue
// closes
func (q *Queue) next() (string, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		for len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			if q.jobs[id].State == StatePending {
				q.mu.Unlock()
				return id, true
			}
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
			return "", false
		}
	}
}

func (q *Queue) execute(id string) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if q.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), q.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	q.mu.Lock()
	job := q.jobs[id]
	if job.State != StatePending {
		q.mu.Unlock()
		return
	}
	now := q.now()
	job.State = StateProgress
	job.StartedAt = &now
	job.LastActivity = &now
	q.current = id
	q.cancel = cancel
	accounts := append([]string(nil), job.Accounts...)
	q.save(true)
	q.mu.Unlock()

	log := q.log.WithField("job_id", id)
	log.Info("job started")

	events := make(chan crawler.Event, 64)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range events {
			q.observe(id, ev)
		}
	}()

	err := q.run(ctx, accounts, events)
	close(events)
	<-consumed
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	q.mu.Lock()
	defer q.mu.Unlock()
	end := q.now()
	q.current = ""
	q.cancel = nil
	switch {
	case job.State == StateCancelled:
	case timedOut:
		job.State = StateTimeout
		job.Error = fmt.Sprintf("job exceeded %s", q.opts.Timeout)
	case err != nil:
		job.State = StateFailed
		job.Error = err.Error()
	default:
		job.State = StateCompleted
		job.Progress = 100
		job.Result = "crawl completed"
	}
	if job.EndedAt == nil {
		job.EndedAt = &end
	}
	q.save(true)
	log.InfoWithFields("job finished", map[string]interface{}{
		"state":   job.State,
		"fetched": job.Fetched,
	})
}

// observe folds a progress event into the job record
func (q *Queue) observe(id string, ev crawler.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateProgress {
		return
	}
	now := q.now()
	job.LastActivity = &now
	job.Phase = ev.Phase
	job.Account = ev.Account
	job.Fetched = ev.Fetched
	if ev.Phase == crawler.PhaseComplete {
		job.completed++
	}
	job.Progress = progress(job.completed, len(job.Accounts), ev)
	q.save(false)
}

// progress estimates completion from finished accounts and the page position
// inside the current one. It stays below 100 until the job completes.
func progress(completed, accounts int, ev crawler.Event) int {
	if accounts <= 0 {
		accounts = 1
	}
	part := 0.0
	if ev.Phase == crawler.PhasePages && ev.PageCount > 0 {
		part = float64(min(ev.Page, ev.PageCount)) / float64(ev.PageCount)
	}
	p := int((float64(completed) + part) * 100 / float64(accounts))
	return max(0, min(p, 99))
}
