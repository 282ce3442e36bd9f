package emitz

import (
	"sync"
	"sync/atomic"
)

// Batch is an ordered snapshot of records drained together for one export
// attempt. The exporter owns the records for the duration of the attempt and
// must not modify them.
type Batch[T any] struct {
	records []T
	seq     uint64
}

// NewBatch wraps records in a Batch. Intended for exporter tests.
func NewBatch[T any](seq uint64, records ...T) Batch[T] {
	return Batch[T]{records: records, seq: seq}
}

// Len returns the number of records in the batch.
func (b Batch[T]) Len() int {
	return len(b.records)
}

// Records returns the batch contents in enqueue order.
func (b Batch[T]) Records() []T {
	return b.records
}

// Seq returns the position of this batch among all batches drained from the
// same buffer, starting at 1.
func (b Batch[T]) Seq() uint64 {
	return b.seq
}

// Buffer is a bounded FIFO queue of completed records shared between
// producers and a single Scheduler.
// Safe for concurrent use by multiple goroutines.
//
// When full, Enqueue overwrites the oldest record and counts it as dropped, so
// producers never block on a stalled exporter.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Buffer[T any] struct {
	records   []T
	head      int
	size      int
	threshold int
	seq       uint64
	ready     chan struct{}
	dropped   atomic.Int64
	mu        sync.Mutex
	closed    bool
}

// NewBuffer creates a buffer holding at most capacity records.
// A capacity below 1 is raised to 1.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		records:   make([]T, capacity),
		threshold: capacity,
		ready:     make(chan struct{}, 1),
	}
}

// SetThreshold sets the length at which Ready is signalled.
func (b *Buffer[T]) SetThreshold(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 1 {
		n = 1
	}
	b.threshold = n
}

// Enqueue appends a record. It reports false when the buffer is closed and
// the record was rejected. Overwriting the oldest record on overflow still
// returns true.
func (b *Buffer[T]) Enqueue(record T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.dropped.Add(1)
		return false
	}

	capacity := len(b.records)
	if b.size == capacity {
		var zero T
		b.records[b.head] = zero
		b.head = (b.head + 1) % capacity
		b.size--
		b.dropped.Add(1)
	}
	b.records[(b.head+b.size)%capacity] = record
	b.size++
	signal := b.size >= b.threshold
	b.mu.Unlock()

	if signal {
		// Non-blocking signal to the scheduler.
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	return true
}

// Drain removes up to limit records in enqueue order and returns them as a
// Batch. An empty buffer yields an empty Batch with Seq 0.
func (b *Buffer[T]) Drain(limit int) Batch[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if limit < n {
		n = limit
	}
	if n <= 0 {
		return Batch[T]{}
	}

	capacity := len(b.records)
	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		idx := (b.head + i) % capacity
		out[i] = b.records[idx]
		b.records[idx] = zero // release for GC
	}
	b.head = (b.head + n) % capacity
	b.size -= n
	b.seq++

	return Batch[T]{records: out, seq: b.seq}
}

// Ready returns a channel that receives a signal when the buffer length
// reaches the threshold. At most one signal is pending at a time.
func (b *Buffer[T]) Ready() <-chan struct{} {
	return b.ready
}

// Len returns the number of buffered records.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of buffered records.
func (b *Buffer[T]) Capacity() int {
	return len(b.records)
}

// Dropped returns the number of records lost to overflow or rejected after
// Close.
func (b *Buffer[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close makes subsequent Enqueue calls reject their records. Buffered records
// stay available to Drain.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Reset discards all buffered records and clears the drop counter.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.records)
	b.head = 0
	b.size = 0
	b.dropped.Store(0)
}
