// Package worker drains the result queue and applies each result to the
// ladder.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/ladder/internal/domain/model"
	"github.com/okian/ladder/pkg/logger"
	"github.com/okian/ladder/pkg/metrics"
)

// Recorder applies a result. ladder.Ladder satisfies it through the
// application service.
type Recorder interface {
	RecordResult(ctx context.Context, r model.Result) error
}

// Queue is where workers read results from.
type Queue interface {
	Dequeue(ctx context.Context) <-chan model.Result
}

// Worker processes results until stopped.
type Worker interface {
	// Run blocks until ctx is done, the queue closes, or Shutdown is called.
	Run(ctx context.Context)
	Shutdown(ctx context.Context) error
}

type counters struct {
	processed atomic.Int64
	failed    atomic.Int64
}

// InMemoryWorker reads results off a Queue and hands them to a Recorder.
type InMemoryWorker struct {
	queue    Queue
	recorder Recorder
	name     string
	counters *counters

	stopOnce sync.Once
	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker.
func NewInMemoryWorker(q Queue, recorder Recorder, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		recorder: recorder,
		name:     "worker",
		counters: &counters{},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run implements Worker.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	results := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			w.process(ctx, r)
		}
	}
}

func (w *InMemoryWorker) stop() {
	w.stopOnce.Do(func() { close(w.shutdown) })
}

// Shutdown stops the worker without waiting for the queue to drain.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Processed returns how many results this worker applied.
func (w *InMemoryWorker) Processed() int64 { return w.counters.processed.Load() }

// Failed returns how many results this worker could not apply.
func (w *InMemoryWorker) Failed() int64 { return w.counters.failed.Load() }

func (w *InMemoryWorker) process(ctx context.Context, r model.Result) {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if err := w.recorder.RecordResult(ctx, r); err != nil {
		w.counters.failed.Add(1)
		metrics.RecordWorkerError()
		metrics.RecordResultProcessed("failed")
		metrics.RecordErrorByComponent("worker", "record_result")
		w.logger.Warn(ctx, "result not applied",
			logger.String("result_id", r.ResultID),
			logger.Error(err),
		)
		return
	}
	w.counters.processed.Add(1)
	metrics.RecordResultProcessed("applied")
}

// Pool runs several workers over one queue. With a single worker results
// are applied in submission order.
type Pool struct {
	workers  []*InMemoryWorker
	queue    Queue
	counters *counters
	started  atomic.Bool
	logger   logger.Logger
}

// NewPool creates workerCount workers; fewer than one means one.
func NewPool(workerCount int, q Queue, recorder Recorder) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queue:    q,
		counters: &counters{},
		logger:   logger.Get().Named("worker-pool"),
	}
	for i := range p.workers {
		p.workers[i] = NewInMemoryWorker(q, recorder,
			WithName("worker-"+strconv.Itoa(i)),
			withCounters(p.counters),
		)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns how many results the pool applied.
func (p *Pool) Processed() int64 { return p.counters.processed.Load() }

// Failed returns how many results the pool could not apply.
func (p *Pool) Failed() int64 { return p.counters.failed.Load() }

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Shutdown closes the queue, lets the workers drain it, and stops them
// outright if ctx expires first.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	if !p.started.Load() {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		for _, w := range p.workers {
			<-w.done
		}
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info(ctx, "worker pool drained", logger.Int64("processed", p.Processed()))
		return nil
	case <-ctx.Done():
		for _, w := range p.workers {
			w.stop()
		}
		p.logger.Warn(ctx, "worker pool stopped before the queue drained")
		return fmt.Errorf("drain result queue: %w", ctx.Err())
	}
}
