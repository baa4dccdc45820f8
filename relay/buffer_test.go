package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func byteLen(b []byte) int64 { return int64(len(b)) }

func TestBuffer_RoundTripFIFO(t *testing.T) {
	b := New[[]byte](3, 10, 0, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	items := [][]byte{{1}, {2, 2}, {3, 3, 3}}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for cycle := 0; cycle < 10; cycle++ {
			for _, item := range items {
				if err := b.Write(ctx, item); err != nil {
					t.Errorf("cycle %d: write failed: %v", cycle, err)
					return
				}
			}
		}
	}()

	for cycle := 0; cycle < 10; cycle++ {
		for i, want := range items {
			got, err := b.Read(ctx)
			if err != nil {
				t.Fatalf("cycle %d item %d: read failed: %v", cycle, i, err)
			}
			if len(got) != len(want) {
				t.Fatalf("cycle %d item %d: got size %d, want %d", cycle, i, len(got), len(want))
			}
		}
	}
	wg.Wait()
}

func TestBuffer_BackpressureWriteTimesOut(t *testing.T) {
	b := New[[]byte](3, 1024, 0, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Write(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("priming write %d failed: %v", i, err)
		}
	}

	// No consumer: the fourth write must fail once the deadline elapses.
	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.Write(writeCtx, []byte{9})
	if err == nil {
		t.Fatal("expected write against a full buffer to fail")
	}
	if !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if !strings.Contains(err.Error(), "buffer is full") {
		t.Fatalf("expected error to mention the buffer being full, got %q", err)
	}
}

func TestBuffer_ByteBudgetBlocksIndependently(t *testing.T) {
	b := New[[]byte](10, 4, 0, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	if err := b.Write(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Count cap has plenty of room but the byte budget does not.
	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b.Write(writeCtx, []byte{4, 5}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull from byte budget, got %v", err)
	}

	// Draining the queue releases the budget.
	if _, err := b.Read(ctx); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := b.Write(ctx, []byte{4, 5}); err != nil {
		t.Fatalf("write after drain failed: %v", err)
	}
}

func TestBuffer_StaleItemsDropped(t *testing.T) {
	maxAge := 30 * time.Millisecond
	b := New[[]byte](3, 1024, maxAge, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	if err := b.Write(ctx, []byte("stale")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	time.Sleep(2 * maxAge)

	if lag := b.Lag(); lag <= maxAge {
		t.Fatalf("expected lag above %v after forced staleness, got %v", maxAge, lag)
	}

	readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.Read(readCtx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected stale item to be dropped and read to time out, got %v", err)
	}

	// A fresh item is delivered normally afterwards.
	if err := b.Write(ctx, []byte("fresh")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "fresh" {
		t.Fatalf("expected fresh item, got %q", got)
	}
}

func TestBuffer_StaleDropReleasesByteBudget(t *testing.T) {
	maxAge := 20 * time.Millisecond
	b := New[[]byte](10, 4, maxAge, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	if err := b.Write(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	time.Sleep(2 * maxAge)

	// The stale item's budget must be reclaimed for this write to land.
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := b.Write(writeCtx, []byte{5, 6, 7}); err != nil {
		t.Fatalf("write after staleness window failed: %v", err)
	}
	got, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected the fresh 3-byte item, got %d bytes", len(got))
	}
}

func TestBuffer_ReadEmptyTimesOut(t *testing.T) {
	b := New[[]byte](3, 1024, 0, byteLen)
	defer b.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Read(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestBuffer_DisposeUnblocksWaiters(t *testing.T) {
	b := New[[]byte](1, 1024, 0, byteLen)

	ctx := context.Background()
	if err := b.Write(ctx, []byte{1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		// Blocks on the count cap.
		errs <- b.Write(ctx, []byte{2})
	}()
	go func() {
		// Drain first so the reader goroutine blocks on empty... the writer
		// above may land first; either way both must be woken by Dispose.
		_, err := b.Read(ctx)
		if err != nil {
			errs <- err
			return
		}
		_, err = b.Read(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Dispose()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil && !errors.Is(err, ErrDisposed) {
				t.Fatalf("expected ErrDisposed or success, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter was not unblocked by Dispose")
		}
	}

	if err := b.Write(ctx, []byte{3}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed after dispose, got %v", err)
	}
}

func TestBuffer_CloseDrainsThenFails(t *testing.T) {
	b := New[[]byte](3, 1024, 0, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	if err := b.Write(ctx, []byte("a")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := b.Write(ctx, []byte("b")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	b.Close()

	if err := b.Write(ctx, []byte("c")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on write, got %v", err)
	}
	for _, want := range []string{"a", "b"} {
		got, err := b.Read(ctx)
		if err != nil {
			t.Fatalf("drain read failed: %v", err)
		}
		if string(got) != want {
			t.Fatalf("drain read got %q, want %q", got, want)
		}
	}
	if _, err := b.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestBuffer_LagTracksHead(t *testing.T) {
	b := New[[]byte](3, 1024, 0, byteLen)
	defer b.Dispose()

	ctx := context.Background()
	if lag := b.Lag(); lag != 0 {
		t.Fatalf("expected zero lag before first write, got %v", lag)
	}

	if err := b.Write(ctx, []byte{1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if lag := b.Lag(); lag < 20*time.Millisecond {
		t.Fatalf("expected lag of at least 20ms, got %v", lag)
	}

	if _, err := b.Read(ctx); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	// Empty buffer: lag is measured from the last delivered item.
	if lag := b.Lag(); lag < 20*time.Millisecond {
		t.Fatalf("expected lag to keep counting from the delivered item, got %v", lag)
	}
}
