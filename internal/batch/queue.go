package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/meshforge/internal/common"
	"github.com/jo-hoe/meshforge/internal/modes"
)

// Run is one accepted batch waiting to be processed, together with a
// cleanup func for the temporary upload files.
type Run struct {
	ID      string
	Items   *List
	Mode    modes.Mode
	Owner   Owner
	Cleanup func() error
}

// Processor defines how to process a Run.
type Processor interface {
	Process(ctx context.Context, run Run) error
}

// Queue is an in-memory bounded queue of batch runs consumed by a single
// worker, so batches never overlap and the gateway only ever sees one job
// in flight.
type Queue struct {
	log        *slog.Logger
	ch         chan Run
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	mu         sync.Mutex
	onFinished func(runID string)
}

// NewQueue creates a new Queue with the given capacity. onFinished may be
// nil; when set it runs after each batch reaches its terminal state.
func NewQueue(logger *slog.Logger, capacity int, onFinished func(runID string)) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	return &Queue{
		log:        logger,
		ch:         make(chan Run, capacity),
		onFinished: onFinished,
	}
}

// Start launches the worker goroutine consuming Runs via the Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.worker(ctx, p)
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.log.Debug("worker stopping due to context cancellation")
			return
		case run, ok := <-q.ch:
			if !ok {
				q.log.Debug("queue closed, worker exiting")
				return
			}
			log := q.log.With("batch_id", run.ID)
			log.Info("processing batch", "items", run.Items.Len())
			start := time.Now()
			if err := p.Process(ctx, run); err != nil {
				log.Error("batch processing aborted", "err", err, "duration", time.Since(start))
			} else {
				log.Info("batch processed", "duration", time.Since(start))
			}
			if q.onFinished != nil {
				q.onFinished(run.ID)
			}
			// Ensure cleanup is attempted regardless of outcome.
			if run.Cleanup != nil {
				if err := run.Cleanup(); err != nil {
					log.Warn("cleanup failed", "err", err)
				}
			}
		}
	}
}

// Enqueue adds a Run to the queue (non-blocking if capacity allows).
func (q *Queue) Enqueue(run Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return errors.New("queue not started")
	}
	select {
	case q.ch <- run:
		return nil
	default:
		return errors.New("queue is full")
	}
}

// Shutdown gracefully stops accepting work and waits for the worker to
// finish the current batch up to the provided deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		close(q.ch)

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; worker may still be running")
		}
	})
}
