package emitz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Scheduler drains one Buffer into one Exporter. It exports as soon as the
// buffer holds MaxBatchSize records, and otherwise every FlushInterval.
// Exports from one scheduler never overlap, so batches leave in order.
//
// Lifecycle: Start launches the flush loop; Shutdown stops it and performs a
// final drain bounded by the caller's context. An export in flight when
// Shutdown begins runs to completion unless that deadline expires first.
//
//nolint:govet // Field order optimized for functionality over memory
type Scheduler[T any] struct {
	name      string
	buffer    *Buffer[T]
	exporter  Exporter[T]
	cfg       BatchConfig
	clock     clockz.Clock
	logger    *slog.Logger
	flushReq  chan chan struct{}
	stop      chan struct{}
	done      chan struct{}
	exporting chan struct{}
	mu        sync.Mutex
	started   bool
	abort     context.CancelFunc
	stopped   atomic.Bool
	exported  atomic.Int64
	failures  atomic.Int64
	discarded atomic.Int64
}

// NewScheduler creates a scheduler for buffer. It sets the buffer's ready
// threshold to cfg.MaxBatchSize. The caller must start the flush loop by
// calling Start.
func NewScheduler[T any](name string, buffer *Buffer[T], exporter Exporter[T], cfg BatchConfig) *Scheduler[T] {
	buffer.SetThreshold(cfg.MaxBatchSize)
	return &Scheduler[T]{
		name:      name,
		buffer:    buffer,
		exporter:  exporter,
		cfg:       cfg,
		clock:     clockz.RealClock,
		logger:    slog.New(slog.DiscardHandler),
		flushReq:  make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		exporting: make(chan struct{}, 1),
	}
}

// WithClock sets the clock driving the flush interval.
// Must be called before Start.
func (s *Scheduler[T]) WithClock(clock clockz.Clock) *Scheduler[T] {
	s.clock = clock
	return s
}

// WithLogger sets the diagnostic logger for export failures. It must not
// feed a Buffer, or failures would be exported recursively.
func (s *Scheduler[T]) WithLogger(logger *slog.Logger) *Scheduler[T] {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Start launches the flush loop. The loop exits when ctx is canceled or at
// Shutdown; exports it has begun are bounded by ExportTimeout only, never by
// ctx. A second call, or a call after Shutdown, is a no-op.
func (s *Scheduler[T]) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return
	}
	if s.started {
		s.logger.Warn("scheduler already started", "scheduler", s.name)
		return
	}
	exportCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	s.abort = abort
	s.started = true

	// Arm the first timer before the goroutine runs so a fake clock
	// advanced right after Start always finds it.
	tick := s.clock.After(s.cfg.FlushInterval)
	go s.run(ctx, exportCtx, tick)
}

func (s *Scheduler[T]) run(ctx, exportCtx context.Context, tick <-chan time.Time) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-tick:
			s.exportAll(exportCtx)
			tick = s.clock.After(s.cfg.FlushInterval)
		case <-s.buffer.Ready():
			s.exportFull(exportCtx)
		case reply := <-s.flushReq:
			s.exportAll(exportCtx)
			close(reply)
		}
	}
}

// acquire serializes draining and exporting so batches leave in order, even
// when Flush exports synchronously.
func (s *Scheduler[T]) acquire(ctx context.Context) bool {
	select {
	case s.exporting <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler[T]) release() {
	<-s.exporting
}

// exportFull exports full batches only; a partial remainder waits for the
// next tick.
func (s *Scheduler[T]) exportFull(ctx context.Context) {
	if !s.acquire(ctx) {
		return
	}
	defer s.release()

	for ctx.Err() == nil && s.buffer.Len() >= s.cfg.MaxBatchSize {
		s.exportBatch(ctx, s.buffer.Drain(s.cfg.MaxBatchSize))
	}
}

// exportAll exports until the buffer is empty or ctx is done.
func (s *Scheduler[T]) exportAll(ctx context.Context) {
	if !s.acquire(ctx) {
		return
	}
	defer s.release()

	for ctx.Err() == nil {
		batch := s.buffer.Drain(s.cfg.MaxBatchSize)
		if batch.Len() == 0 {
			return
		}
		s.exportBatch(ctx, batch)
	}
}

// exportBatch hands one batch to the exporter. Failures and exporter panics
// are logged and the batch is dropped.
func (s *Scheduler[T]) exportBatch(ctx context.Context, batch Batch[T]) {
	if batch.Len() == 0 {
		return
	}
	exportCtx, cancel := context.WithTimeout(ctx, s.cfg.ExportTimeout)
	defer cancel()

	if err := s.safeExport(exportCtx, batch); err != nil {
		s.failures.Add(1)
		s.logger.Error("export failed, batch dropped",
			"scheduler", s.name,
			"reason", FailureReason(err),
			"error", err,
			"batch_seq", batch.Seq(),
			"batch_size", batch.Len(),
		)
		return
	}
	s.exported.Add(int64(batch.Len()))
}

func (s *Scheduler[T]) safeExport(ctx context.Context, batch Batch[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exporter panic: %v", r)
		}
	}()
	return s.exporter.Export(ctx, batch)
}

// Flush exports everything buffered and waits for it, or for ctx. When the
// flush loop is not running, because Start was never called or its context
// was canceled, the export happens on the caller's goroutine.
func (s *Scheduler[T]) Flush(ctx context.Context) error {
	if s.stopped.Load() {
		return nil
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		s.exportAll(ctx)
		return ctx.Err()
	}

	reply := make(chan struct{})
	select {
	case s.flushReq <- reply:
	case <-s.done:
		s.exportAll(ctx)
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the buffer to new records, stops the flush loop and
// exports what remains until ctx is done. Records still buffered at the
// deadline are discarded and counted. Safe to call more than once.
func (s *Scheduler[T]) Shutdown(ctx context.Context) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.buffer.Close()

	s.mu.Lock()
	started, abort := s.started, s.abort
	s.mu.Unlock()

	if started {
		defer abort()
		close(s.stop)
		select {
		case <-s.done:
		case <-ctx.Done():
			// Cancel the export still in flight; its batch counts as failed.
			abort()
			s.logger.Warn("scheduler shutdown timed out waiting for flush loop", "scheduler", s.name)
			s.discardRemaining()
			return
		}
	}

	s.exportAll(ctx)
	s.discardRemaining()
}

func (s *Scheduler[T]) discardRemaining() {
	n := s.buffer.Drain(s.buffer.Capacity()).Len()
	if n == 0 {
		return
	}
	s.discarded.Add(int64(n))
	s.logger.Warn("shutdown deadline reached, records discarded",
		"scheduler", s.name,
		"discarded", n,
	)
}

// Name returns the scheduler name used in diagnostics.
func (s *Scheduler[T]) Name() string {
	return s.name
}

// Exported returns the number of records exported successfully.
func (s *Scheduler[T]) Exported() int64 {
	return s.exported.Load()
}

// Failures returns the number of batches dropped after a failed export.
func (s *Scheduler[T]) Failures() int64 {
	return s.failures.Load()
}

// Discarded returns the number of records abandoned at shutdown.
func (s *Scheduler[T]) Discarded() int64 {
	return s.discarded.Load()
}
