package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"weibocrawler/pkg/crawler"
	"weibocrawler/pkg/logger"
)

func newQueue(t *testing.T, run RunFunc, opts Options) *Queue {
	t.Helper()
	q, err := NewQueue(run, opts, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func waitState(t *testing.T, q *Queue, id string, want State) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Status(id)
		return err == nil && job.State == want
	}, 2*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return job
}

func blockUntilCancelled(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestJobCompletes(t *testing.T) {
	var got []string
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		got = accounts
		events <- crawler.Event{Account: accounts[0], Phase: crawler.PhasePages, Page: 1, PageCount: 2, Fetched: 10}
		events <- crawler.Event{Account: accounts[0], Phase: crawler.PhaseComplete, Fetched: 20}
		return nil
	}, Options{Accounts: []string{"1669879400"}})

	id, err := q.Submit(nil)
	require.NoError(t, err)

	job := waitState(t, q, id, StateCompleted)
	assert.Equal(t, []string{"1669879400"}, got)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 20, job.Fetched)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.EndedAt)
}

func TestJobAccountOverride(t *testing.T) {
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		return nil
	}, Options{Accounts: []string{"1"}})

	id, err := q.Submit([]string{"2", "3"})
	require.NoError(t, err)

	job := waitState(t, q, id, StateCompleted)
	assert.Equal(t, []string{"2", "3"}, job.Accounts)
}

func TestJobFails(t *testing.T) {
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		return errors.New("cookie check failed")
	}, Options{})

	id, err := q.Submit([]string{"1"})
	require.NoError(t, err)

	job := waitState(t, q, id, StateFailed)
	assert.Equal(t, "cookie check failed", job.Error)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		close(started)
		return blockUntilCancelled(ctx, accounts, events)
	}, Options{})

	id, err := q.Submit([]string{"1"})
	require.NoError(t, err)
	<-started

	cancelled, err := q.Cancel()
	require.NoError(t, err)
	assert.Equal(t, id, cancelled)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.current == ""
	}, 2*time.Second, 5*time.Millisecond)
	job, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State, "cancellation is not overwritten by the run error")
}

func TestCancelWithoutJob(t *testing.T) {
	q := newQueue(t, blockUntilCancelled, Options{})

	_, err := q.Cancel()

	assert.ErrorIs(t, err, ErrNoRunningJob)
}

func TestJobTimeout(t *testing.T) {
	q := newQueue(t, blockUntilCancelled, Options{Timeout: 20 * time.Millisecond})

	id, err := q.Submit([]string{"1"})
	require.NoError(t, err)

	job := waitState(t, q, id, StateTimeout)
	assert.Contains(t, job.Error, "exceeded")
}

func TestSingleWorker(t *testing.T) {
	var running, peak int32
	release := make(chan struct{})
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, Options{})

	first, err := q.Submit([]string{"1"})
	require.NoError(t, err)
	second, err := q.Submit([]string{"2"})
	require.NoError(t, err)

	waitState(t, q, first, StateProgress)
	job, err := q.Status(second)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)

	close(release)
	waitState(t, q, second, StateCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestBacklogIsBounded(t *testing.T) {
	started := make(chan struct{}, 1)
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		started <- struct{}{}
		return blockUntilCancelled(ctx, accounts, events)
	}, Options{Backlog: 1})

	_, err := q.Submit([]string{"1"})
	require.NoError(t, err)
	<-started
	_, err = q.Submit([]string{"2"})
	require.NoError(t, err)

	_, err = q.Submit([]string{"3"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestProgressFromEvents(t *testing.T) {
	gate := make(chan struct{})
	q := newQueue(t, func(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
		events <- crawler.Event{Account: "1", Phase: crawler.PhaseComplete, Fetched: 5}
		events <- crawler.Event{Account: "2", Phase: crawler.PhasePages, Page: 2, PageCount: 4, Fetched: 20}
		<-gate
		return nil
	}, Options{})

	id, err := q.Submit([]string{"1", "2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, _ := q.Status(id)
		return job.Progress == 75 && job.Account == "2"
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	waitState(t, q, id, StateCompleted)
}

func TestProgress(t *testing.T) {
	pages := func(page, count int) crawler.Event {
		return crawler.Event{Phase: crawler.PhasePages, Page: page, PageCount: count}
	}

	assert.Equal(t, 0, progress(0, 2, crawler.Event{Phase: crawler.PhaseProfile}))
	assert.Equal(t, 25, progress(0, 2, pages(1, 2)))
	assert.Equal(t, 50, progress(1, 2, crawler.Event{Phase: crawler.PhaseMedia}))
	assert.Equal(t, 99, progress(2, 2, pages(9, 4)))
	assert.Equal(t, 10, progress(0, 0, pages(1, 10)))
}

func TestStatusUnknownJob(t *testing.T) {
	q := newQueue(t, blockUntilCancelled, Options{})

	_, err := q.Status("missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tasks.json")
	run := func(ctx context.Context, accounts []string, events chan<- crawler.Event) error { return nil }

	q, err := NewQueue(run, Options{StatePath: path}, logger.NewNopLogger())
	require.NoError(t, err)
	id, err := q.Submit([]string{"1"})
	require.NoError(t, err)
	waitState(t, q, id, StateCompleted)
	require.NoError(t, q.Close())

	_, err = q.Submit([]string{"1"})
	assert.ErrorIs(t, err, ErrClosed)

	reloaded := newQueue(t, run, Options{StatePath: path})
	job, err := reloaded.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, []string{"1"}, job.Accounts)
}

func TestInterruptedJobsMarkedFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	data, err := json.Marshal(map[string]interface{}{
		"tasks": map[string]interface{}{
			"a": map[string]interface{}{"state": "PROGRESS", "progress": 40},
			"b": map[string]interface{}{"state": "COMPLETED", "progress": 100},
		},
		"current_task_id": "a",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	q := newQueue(t, blockUntilCancelled, Options{StatePath: path})

	a, err := q.Status("a")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, "interrupted by restart", a.Error)
	b, err := q.Status("b")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, b.State)
	assert.Len(t, q.Jobs(), 2)
}

func TestCorruptStateIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	q := newQueue(t, blockUntilCancelled, Options{StatePath: path})

	assert.Empty(t, q.Jobs())
}
