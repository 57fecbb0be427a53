package downloader

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/models"
	"subharvest/pkg/storage"
)

// Job is one record queued for download, tagged with its position in the
// input file.
type Job struct {
	Index  int
	Record models.Record
}

// Result is the outcome of one job.
type Result struct {
	Job      Job
	Asset    models.MediaAsset
	Duration time.Duration
}

// Processor turns a record into a media asset. Eligible reports the media
// reference or a skip reason without touching the network.
type Processor interface {
	Eligible(rec models.Record) (string, string)
	Process(ctx context.Context, rec models.Record) models.MediaAsset
}

// WorkerPool runs a fixed number of download workers.
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan Job
	resultQueue chan Result
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	processor   Processor
	logger      logger.Logger
	stopOnce    sync.Once
}

// NewWorkerPool creates a pool whose workers stop taking jobs once ctx is done.
func NewWorkerPool(ctx context.Context, numWorkers int, processor Processor, log logger.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan Job, numWorkers*2),
		resultQueue: make(chan Result, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		processor:   processor,
		logger:      logger.OrGlobal(log).WithField("component", "worker_pool"),
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the job queue, waits for the workers and closes Results.
// Jobs still queued after cancellation are dropped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobQueue)
		wp.wg.Wait()
		close(wp.resultQueue)
		wp.cancel()
		wp.logger.Debug("Worker pool stopped")
	})
}

// Submit queues a job, blocking while the queue is full.
func (wp *WorkerPool) Submit(job Job) error {
	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Results must be drained until closed.
func (wp *WorkerPool) Results() <-chan Result {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		if wp.ctx.Err() != nil {
			wp.logger.DebugWithFields("Worker stopping - context cancelled", map[string]interface{}{
				"worker_id": id,
			})
			return
		}

		start := time.Now()
		asset := wp.processor.Process(wp.ctx, job.Record)
		wp.resultQueue <- Result{Job: job, Asset: asset, Duration: time.Since(start)}
	}
}

// GetActiveWorkers returns the number of workers.
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}

// BatchOptions bounds a batch run.
type BatchOptions struct {
	Workers int
	// MaxItems caps the number of eligible records processed; zero means all.
	MaxItems int
	// OnResult, when set, sees every result as it arrives.
	OnResult func(Result)
}

// Batch is the outcome of processing a record file.
type Batch struct {
	Assets      []models.MediaAsset
	Records     int
	Eligible    int
	Scan        storage.ScanStats
	Interrupted bool
}

// Run feeds the records of path, in file order, through a worker pool and
// returns one asset per processed record, in file order. Only a missing or
// unreadable input file is an error.
func Run(ctx context.Context, path string, proc Processor, opts BatchOptions, log logger.Logger) (Batch, error) {
	log = logger.OrGlobal(log)
	var batch Batch

	if _, err := os.Stat(path); err != nil {
		return batch, errs.Storage(errs.OpLoad, err).WithContext("input %s", path)
	}

	pool := NewWorkerPool(ctx, opts.Workers, proc, log)
	pool.Start()

	var results []Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range pool.Results() {
			if opts.OnResult != nil {
				opts.OnResult(r)
			}
			results = append(results, r)
		}
	}()

	errStop := errors.New("stop")
	stats, err := storage.ScanRecords(path, log, func(rec models.Record) error {
		if ctx.Err() != nil {
			return errStop
		}
		if _, reason := proc.Eligible(rec); reason == "" {
			if opts.MaxItems > 0 && batch.Eligible >= opts.MaxItems {
				return errStop
			}
			batch.Eligible++
		}
		job := Job{Index: batch.Records, Record: rec}
		batch.Records++
		if err := pool.Submit(job); err != nil {
			return errStop
		}
		return nil
	})

	pool.Stop()
	<-done

	batch.Scan = stats
	batch.Interrupted = ctx.Err() != nil

	sort.Slice(results, func(i, j int) bool { return results[i].Job.Index < results[j].Job.Index })
	batch.Assets = make([]models.MediaAsset, 0, len(results))
	for _, r := range results {
		batch.Assets = append(batch.Assets, r.Asset)
	}

	if err != nil && !errors.Is(err, errStop) {
		return batch, errs.Storage(errs.OpLoad, err).WithContext("input %s", path)
	}
	return batch, nil
}
