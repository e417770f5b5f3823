package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/statuswatch/internal/adapters/mq/queue"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 4 // multiplier for runtime.NumCPU()
	metricsUpdateInterval   = 5 * time.Second
	forceShutdownTimeout    = 5 * time.Second
)

// Handler processes one job. It must honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, j queue.Job)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j queue.Job)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, j queue.Job) { f(ctx, j) }

// Source defines how workers receive jobs.
type Source interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// InMemoryWorker reads jobs from a Source and hands them to a Handler.
type InMemoryWorker struct {
	source  Source
	handler Handler
	name    string
	busy    *atomic.Int64

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(source Source, handler Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		source:   source,
		handler:  handler,
		name:     "worker",
		busy:     &atomic.Int64{},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named("worker")
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run processes jobs until the source closes, ctx ends, or Shutdown is called.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.source.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			w.process(ctx, j)
		}
	}
}

func (w *InMemoryWorker) process(ctx context.Context, j queue.Job) {
	start := time.Now()
	metrics.RecordQueueDequeue()
	if !j.EnqueuedAt.IsZero() {
		metrics.RecordQueueWait(float64(start.Sub(j.EnqueuedAt).Milliseconds()))
	}

	w.busy.Add(1)
	defer func() {
		w.busy.Add(-1)
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	w.handler.Handle(ctx, j)
}

// Shutdown stops the worker after its current job.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.once.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Pool manages a fixed set of workers sharing one source.
type Pool struct {
	workers []*InMemoryWorker
	source  Source
	busy    atomic.Int64

	metricsInterval time.Duration
	forceTimeout    time.Duration

	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers. A count below one scales
// with the number of CPUs.
func NewPool(workerCount int, source Source, handler Handler, opts ...PoolOption) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	p := &Pool{
		workers:         make([]*InMemoryWorker, workerCount),
		source:          source,
		metricsInterval: metricsUpdateInterval,
		forceTimeout:    forceShutdownTimeout,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Get().Named("worker-pool")
	}

	for i := range p.workers {
		w := NewInMemoryWorker(source, handler,
			WithName("worker-"+strconv.Itoa(i)),
			WithLogger(p.logger),
		)
		w.busy = &p.busy
		p.workers[i] = w
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Busy returns how many workers are inside a handler right now.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Start launches every worker and the metrics updater.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *InMemoryWorker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}
	metrics.UpdateWorkerActiveCount(len(p.workers))

	p.wg.Add(1)
	go p.startMetricsUpdater(runCtx)
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			metrics.UpdateWorkerBusyCount(p.Busy())
		}
	}
}

// Shutdown closes the source (when it can be closed) and lets workers drain
// it. If ctx expires first, in-flight handlers are cancelled and given a
// short grace period to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.source.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	if p.cancel == nil {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		for _, w := range p.workers {
			<-w.done
		}
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		p.logger.Warn(ctx, "worker drain timed out, cancelling in-flight jobs")
		err = fmt.Errorf("worker pool drain: %w", ctx.Err())
		if p.cancel != nil {
			p.cancel()
		}
		select {
		case <-drained:
		case <-time.After(p.forceTimeout):
			p.logger.Error(ctx, "workers did not stop after cancellation")
			p.stopOnce.Do(func() { close(p.stopChan) })
			return err
		}
	}

	p.stopOnce.Do(func() { close(p.stopChan) })
	p.cancel()
	p.wg.Wait()
	metrics.UpdateWorkerActiveCount(0)
	metrics.UpdateWorkerBusyCount(0)
	return err
}
