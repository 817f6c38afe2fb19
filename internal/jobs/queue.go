// Package jobs runs caller requests in the background on a fixed number of
// workers.
//
// WHY A BOUNDED QUEUE?
// Every job starts at least one container. The worker count caps how many
// containers the service has alive at once (one by default), and the queue
// size caps how much work it accepts ahead of time. A full queue is reported
// to the caller instead of blocking the HTTP handler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sakif/submission-runner/internal/metrics"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("job queue is stopped")
)

// Job is one unit of background work. ctx is cancelled when the queue is
// stopped before the job finishes.
type Job func(ctx context.Context)

// Queue dispatches jobs to workers.
type Queue struct {
	jobs    chan Job
	workers int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a queue with the given worker count and capacity. Values
// below 1 are raised to 1.
func New(workers, size int, logger *slog.Logger) *Queue {
	workers = max(workers, 1)
	size = max(size, 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.logger.Info("starting job workers",
			slog.Int("workers", q.workers),
			slog.Int("queueSize", cap(q.jobs)),
		)
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker(i)
		}
	})
}

// Submit enqueues job without blocking.
func (q *Queue) Submit(job Job) error {
	select {
	case <-q.done:
		return ErrStopped
	default:
	}

	select {
	case q.jobs <- job:
		metrics.QueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Stop stops accepting jobs and waits for running ones to finish. If ctx
// expires first, running jobs are cancelled and awaited. Jobs still queued
// are dropped; their number is returned.
func (q *Queue) Stop(ctx context.Context) (int, error) {
	var (
		dropped int
		err     error
	)
	q.stopOnce.Do(func() {
		q.logger.Info("shutting down job workers")
		close(q.done)

		finished := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			q.logger.Warn("cancelling running jobs", slog.String("error", ctx.Err().Error()))
			q.cancel()
			<-finished
			err = fmt.Errorf("jobs: stop: %w", ctx.Err())
		}
		q.cancel()

		// Drain channel and drop what never started
		for {
			select {
			case <-q.jobs:
				metrics.QueueDepth.Dec()
				dropped++
				continue
			default:
			}
			break
		}
		if dropped > 0 {
			q.logger.Warn("dropped queued jobs", slog.Int("count", dropped))
		}
	})
	return dropped, err
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		// Prefer stopping over picking up another job.
		select {
		case <-q.done:
			return
		default:
		}

		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			metrics.QueueDepth.Dec()
			q.run(id, job)
		}
	}
}

func (q *Queue) run(id int, job Job) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked",
				slog.Int("worker", id),
				slog.Any("panic", r),
			)
		}
	}()
	job(q.ctx)
}
