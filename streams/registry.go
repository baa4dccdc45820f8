// Package streams owns the per-stream relay channels: get-or-create lookup by
// stream ID, a readiness handshake between producer and consumer, and teardown
// that unblocks both sides. The registry is the sole owner of its channels;
// producer and consumer hold non-owning references obtained by ID lookup.
package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrReadyTimeout is returned by WaitForReady when the producer does not
// signal readiness before the context deadline. Retryable.
var ErrReadyTimeout = errors.New("timed out waiting for stream to become ready")

const (
	defaultFrameCapacity    = 16
	defaultMaxBufferedBytes = 8 << 20 // 8 MiB of encoded frames
	defaultMaxFrameAge      = 2 * time.Second
)

type config struct {
	frameCapacity    int
	maxBufferedBytes int64
	maxFrameAge      time.Duration
	log              *slog.Logger
}

// Option configures a Registry.
type Option func(*config)

// WithFrameCapacity caps the number of frames buffered per stream.
func WithFrameCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.frameCapacity = n
		}
	}
}

// WithMaxBufferedBytes caps the cumulative encoded size buffered per stream.
func WithMaxBufferedBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBufferedBytes = n
		}
	}
}

// WithMaxFrameAge sets the staleness window after which buffered frames are
// dropped instead of delivered.
func WithMaxFrameAge(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.maxFrameAge = d
		}
	}
}

// WithLogger sets a custom logger for the Registry.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// Registry maps stream IDs to their relay channels. Entries are created on
// first reference from either side and removed explicitly on stream teardown.
type Registry struct {
	cfg config

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates an empty stream registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := config{
		frameCapacity:    defaultFrameCapacity,
		maxBufferedBytes: defaultMaxBufferedBytes,
		maxFrameAge:      defaultMaxFrameAge,
		log:              slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Registry{
		cfg:      cfg,
		channels: make(map[string]*Channel),
	}
}

// GetOrCreate returns the channel for streamID, creating it if this is the
// first reference. Never returns two different channels for the same ID while
// one is live.
func (r *Registry) GetOrCreate(streamID string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[streamID]
	if !ok {
		ch = newChannel(streamID, r.cfg)
		r.channels[streamID] = ch
	}
	return ch
}

// WaitForReady gets-or-creates the channel for streamID and blocks until its
// producer has signalled readiness or ctx expires. This is how a viewer's read
// path waits for the desktop capture loop to actually start, rather than
// racing a read against an empty, never-to-be-filled channel.
func (r *Registry) WaitForReady(ctx context.Context, streamID string) (*Channel, error) {
	ch := r.GetOrCreate(streamID)
	select {
	case <-ch.Ready():
		return ch, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrReadyTimeout, ctx.Err())
	}
}

// Get returns the channel for streamID without creating one.
func (r *Registry) Get(streamID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[streamID]
	return ch, ok
}

// Remove detaches and disposes the channel for streamID, immediately waking
// any blocked reader or writer with a terminal failure. Safe to call from
// either side's teardown path; idempotent.
func (r *Registry) Remove(streamID string) {
	r.mu.Lock()
	ch, ok := r.channels[streamID]
	if ok {
		delete(r.channels, streamID)
	}
	r.mu.Unlock()
	if ok {
		ch.dispose()
		r.cfg.log.Debug("stream channel removed", slog.String("stream_id", streamID))
	}
}

// Len reports the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
