package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/models"
)

// Result represents the outcome of one asset download
type Result struct {
	Asset    models.MediaAsset
	Path     string
	Success  bool
	Skipped  bool
	Error    error
	Duration time.Duration
	Size     int
}

// AssetFetcher downloads a single asset
type AssetFetcher interface {
	Fetch(ctx context.Context, asset models.MediaAsset) Result
}

// WorkerPool feeds assets to a fixed number of download workers. The crawl
// runs it with one worker so downloads keep the transport pacing.
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan models.MediaAsset
	resultQueue chan Result
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	fetcher     AssetFetcher
	logger      logger.Logger
}

// NewWorkerPool creates a new download worker pool bound to ctx
func NewWorkerPool(ctx context.Context, numWorkers int, fetcher AssetFetcher, log logger.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan models.MediaAsset, numWorkers*2),
		resultQueue: make(chan Result, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		fetcher:     fetcher,
		logger:      log,
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.DebugWithFields("Starting download workers", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the queue, waits for queued assets and closes the results
func (wp *WorkerPool) Stop() {
	close(wp.jobQueue)
	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()
}

// Submit queues an asset
func (wp *WorkerPool) Submit(asset models.MediaAsset) error {
	select {
	case wp.jobQueue <- asset:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down: %w", wp.ctx.Err())
	}
}

// Results returns the result channel
func (wp *WorkerPool) Results() <-chan Result {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for asset := range wp.jobQueue {
		if wp.ctx.Err() != nil {
			// drain so Stop does not block on a full queue
			continue
		}
		result := wp.fetcher.Fetch(wp.ctx, asset)

		select {
		case wp.resultQueue <- result:
		case <-wp.ctx.Done():
			wp.logger.DebugWithFields("Worker stopping - context cancelled while sending result", map[string]interface{}{
				"worker_id": id,
			})
			return
		}
	}
}

// Run downloads every asset through the pool and returns the results in
// completion order
func Run(ctx context.Context, workers int, fetcher AssetFetcher, assets []models.MediaAsset, log logger.Logger) []Result {
	pool := NewWorkerPool(ctx, workers, fetcher, log)
	pool.Start()

	results := make([]Result, 0, len(assets))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range pool.Results() {
			results = append(results, r)
		}
	}()

	var rejected []Result
	for _, a := range assets {
		if err := pool.Submit(a); err != nil {
			rejected = append(rejected, Result{Asset: a, Error: err})
		}
	}
	pool.Stop()
	<-done
	return append(results, rejected...)
}
