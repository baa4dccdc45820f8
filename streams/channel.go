package streams

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/screenlink/screenlink-go/relay"
)

// ErrEnded is returned by WriteFrame once the channel has ended. Reads drain
// any buffered frames before reporting it.
var ErrEnded = errors.New("stream channel has ended")

// Channel bridges one frame producer (the desktop capture loop) to one frame
// consumer (the viewer relay loop) through a bounded relay buffer. The
// readiness gate covers the startup race: the consumer may ask to read before
// the producer has attached, and SignalReady is how the producer announces it
// is attached and about to write.
type Channel struct {
	id string

	mu          sync.Mutex
	desktopConn string
	viewerConn  string

	buf       *relay.Buffer[[]byte]
	ended     atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

func newChannel(id string, cfg config) *Channel {
	return &Channel{
		id:    id,
		buf:   relay.New(cfg.frameCapacity, cfg.maxBufferedBytes, cfg.maxFrameAge, func(f []byte) int64 { return int64(len(f)) }),
		ready: make(chan struct{}),
	}
}

// ID returns the opaque stream identifier.
func (c *Channel) ID() string { return c.id }

// WriteFrame enqueues one encoded frame, blocking until the relay buffer
// admits it or ctx expires. Fails fast with ErrEnded after End.
func (c *Channel) WriteFrame(ctx context.Context, frame []byte) error {
	if c.ended.Load() {
		return ErrEnded
	}
	err := c.buf.Write(ctx, frame)
	if errors.Is(err, relay.ErrClosed) {
		return ErrEnded
	}
	return err
}

// ReadFrame dequeues the oldest surviving frame, blocking until one is
// available or ctx expires. After End, remaining frames drain before ErrEnded
// is reported.
func (c *Channel) ReadFrame(ctx context.Context) ([]byte, error) {
	frame, err := c.buf.Read(ctx)
	if errors.Is(err, relay.ErrClosed) {
		return nil, ErrEnded
	}
	return frame, err
}

// SignalReady releases the readiness gate, unblocking any consumer parked in
// Registry.WaitForReady. Idempotent.
func (c *Channel) SignalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Ready returns a channel that is closed once SignalReady has been called.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// End marks the channel terminated: subsequent writes fail fast and reads
// drain the buffered frames before failing. Idempotent.
func (c *Channel) End() {
	if c.ended.CompareAndSwap(false, true) {
		c.buf.Close()
	}
}

// Ended reports whether End has been called.
func (c *Channel) Ended() bool { return c.ended.Load() }

// Lag reports how far behind the consumer is; see relay.Buffer.Lag.
func (c *Channel) Lag() time.Duration { return c.buf.Lag() }

// SetDesktopConn records the producer-side connection identifier.
func (c *Channel) SetDesktopConn(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desktopConn = connID
}

// SetViewerConn records the consumer-side connection identifier.
func (c *Channel) SetViewerConn(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewerConn = connID
}

// DesktopConn returns the producer-side connection identifier, if attached.
func (c *Channel) DesktopConn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desktopConn
}

// ViewerConn returns the consumer-side connection identifier, if attached.
func (c *Channel) ViewerConn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerConn
}

// dispose tears the channel down, waking any blocked reader or writer with a
// terminal failure. Called by the owning registry.
func (c *Channel) dispose() {
	c.ended.Store(true)
	c.buf.Dispose()
}
