// Package relay provides a bounded, size-budgeted, time-windowed queue used to
// smooth the rate mismatch between a frame producer (the capture loop on the
// desktop side) and a frame consumer (the viewer relay loop). Both an item-count
// cap and a cumulative byte budget bound the queue; items held longer than the
// configured maximum age are dropped rather than delivered, because for live
// video it is better to skip ahead than to deliver outdated frames.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrFull is returned by Write when the buffer could not admit the item
	// before the context deadline. Retryable: the caller owns its backoff.
	ErrFull = errors.New("relay buffer is full")

	// ErrEmpty is returned by Read when no item became available before the
	// context deadline. Retryable.
	ErrEmpty = errors.New("relay buffer is empty")

	// ErrClosed is returned by Write after Close, and by Read after Close once
	// the remaining items have drained.
	ErrClosed = errors.New("relay buffer is closed")

	// ErrDisposed is returned by any operation after Dispose. Terminal: the
	// caller should abandon the stream entirely.
	ErrDisposed = errors.New("relay buffer is disposed")
)

// SizeFunc reports the size in bytes charged against the buffer's byte budget
// for a given item.
type SizeFunc[T any] func(item T) int64

type entry[T any] struct {
	item     T
	size     int64
	enqueued time.Time
}

// Buffer is a FIFO queue bounded by both an item-count capacity and a
// cumulative byte budget, with a staleness window. Writers block while either
// constraint would be exceeded; readers block while the queue is empty.
//
// Expected usage is single-producer/single-consumer, but every operation is
// safe under concurrent callers, including Close/Dispose racing an in-flight
// Read or Write.
type Buffer[T any] struct {
	capacity int
	maxBytes int64
	maxAge   time.Duration
	sizeOf   SizeFunc[T]

	mu      sync.Mutex
	items   []entry[T]
	bytes   int64
	lastRef time.Time // enqueue time of the most recently delivered or dropped item
	closed  bool
	done    bool

	// wake is closed and replaced whenever buffer state changes; waiters grab
	// the current channel under mu and select on it outside the lock.
	wake chan struct{}
}

// New creates a Buffer holding at most capacity items totalling at most
// maxBytes, as measured by sizeOf. Items older than maxAge are dropped on the
// read path; a zero maxAge disables the staleness window.
func New[T any](capacity int, maxBytes int64, maxAge time.Duration, sizeOf SizeFunc[T]) *Buffer[T] {
	if capacity <= 0 {
		panic("relay: capacity must be positive")
	}
	if maxBytes <= 0 {
		panic("relay: maxBytes must be positive")
	}
	if sizeOf == nil {
		panic("relay: sizeOf must not be nil")
	}
	return &Buffer[T]{
		capacity: capacity,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		sizeOf:   sizeOf,
		wake:     make(chan struct{}),
	}
}

// Write enqueues item, blocking until both the item-count and byte-budget
// constraints admit it. A context deadline or cancellation yields ErrFull;
// Close yields ErrClosed; Dispose yields ErrDisposed.
func (b *Buffer[T]) Write(ctx context.Context, item T) error {
	size := b.sizeOf(item)
	for {
		b.mu.Lock()
		if b.done {
			b.mu.Unlock()
			return ErrDisposed
		}
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		b.dropStaleLocked(time.Now())
		if len(b.items) < b.capacity && b.bytes+size <= b.maxBytes {
			b.items = append(b.items, entry[T]{item: item, size: size, enqueued: time.Now()})
			b.bytes += size
			b.broadcastLocked()
			b.mu.Unlock()
			return nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrFull, ctx.Err())
		case <-wake:
		}
	}
}

// Read dequeues the oldest surviving item, blocking until one is available.
// Items older than maxAge are discarded, releasing their byte budget and
// waking blocked writers; surviving items are delivered in write order. A
// context deadline or cancellation yields ErrEmpty; Close yields ErrClosed
// once the queue has drained; Dispose yields ErrDisposed.
func (b *Buffer[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		b.mu.Lock()
		if b.done {
			b.mu.Unlock()
			return zero, ErrDisposed
		}
		b.dropStaleLocked(time.Now())
		if len(b.items) > 0 {
			e := b.items[0]
			b.items = b.items[1:]
			if len(b.items) == 0 {
				b.items = nil
			}
			b.bytes -= e.size
			b.lastRef = e.enqueued
			b.broadcastLocked()
			b.mu.Unlock()
			return e.item, nil
		}
		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %w", ErrEmpty, ctx.Err())
		case <-wake:
		}
	}
}

// Lag reports how far behind the consumer is: the age of the current head
// item, or the time since the most recently delivered item was enqueued when
// the queue is empty. Returns zero before any item has been written.
func (b *Buffer[T]) Lag() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 {
		return time.Since(b.items[0].enqueued)
	}
	if b.lastRef.IsZero() {
		return 0
	}
	return time.Since(b.lastRef)
}

// Len reports the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close stops accepting writes while letting readers drain the remaining
// items. Idempotent; a no-op after Dispose.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.closed {
		return
	}
	b.closed = true
	b.broadcastLocked()
}

// Dispose releases all held items and wakes every blocked reader and writer
// with ErrDisposed. Idempotent.
func (b *Buffer[T]) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.items = nil
	b.bytes = 0
	b.broadcastLocked()
}

// dropStaleLocked discards items older than maxAge from the head of the queue,
// releasing their byte budget. Caller holds b.mu.
func (b *Buffer[T]) dropStaleLocked(now time.Time) {
	if b.maxAge <= 0 {
		return
	}
	dropped := false
	for len(b.items) > 0 && now.Sub(b.items[0].enqueued) > b.maxAge {
		e := b.items[0]
		b.items = b.items[1:]
		b.bytes -= e.size
		b.lastRef = e.enqueued
		dropped = true
	}
	if len(b.items) == 0 {
		b.items = nil
	}
	if dropped {
		b.broadcastLocked()
	}
}

// broadcastLocked wakes all waiters. Caller holds b.mu.
func (b *Buffer[T]) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}
