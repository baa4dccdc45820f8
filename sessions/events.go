package sessions

import (
	"context"
	"log/slog"
	"sync"
)

// EventSink receives session lifecycle notifications from a Registry. Every
// successful insertion fires exactly one SessionAdded and every successful
// removal exactly one SessionRemoved, in mutation order per key. Sinks run
// without the registry's map lock, so a sink may look sessions up, but it must
// not add or remove them; a misbehaving sink cannot corrupt registry state,
// and failures are the sink's own responsibility.
type EventSink interface {
	SessionAdded(ctx context.Context, s *Session)
	SessionRemoved(ctx context.Context, s *Session)
}

// Publisher fans lifecycle events out to a dynamic set of subscribers. It is
// itself an EventSink, so it plugs directly into NewRegistry.
type Publisher struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID int64
	subs   map[int64]EventSink
}

var _ EventSink = (*Publisher)(nil)

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		log:  slog.Default(),
		subs: make(map[int64]EventSink),
	}
}

// Subscribe registers sink and returns a release function. The release
// function is idempotent and safe to call from any goroutine.
func (p *Publisher) Subscribe(sink EventSink) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = sink
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Publisher) SessionAdded(ctx context.Context, s *Session) {
	for _, sink := range p.snapshot() {
		p.deliver(func() { sink.SessionAdded(ctx, s) })
	}
}

func (p *Publisher) SessionRemoved(ctx context.Context, s *Session) {
	for _, sink := range p.snapshot() {
		p.deliver(func() { sink.SessionRemoved(ctx, s) })
	}
}

func (p *Publisher) snapshot() []EventSink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sinks := make([]EventSink, 0, len(p.subs))
	for _, sink := range p.subs {
		sinks = append(sinks, sink)
	}
	return sinks
}

// deliver isolates one subscriber's failure from the others.
func (p *Publisher) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("session event subscriber panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// PeerNotifier is implemented by the transport layer to push session-level
// notices to the viewers on a session's roster. All of the core's internal
// failures surface to peers through these notices, never as raw error codes.
type PeerNotifier interface {
	// NotifyReconnecting tells the listed viewers the desktop side dropped and
	// a reconnect is pending.
	NotifyReconnecting(ctx context.Context, s *Session, viewerConns []string)

	// NotifyDisconnected tells the listed viewers the session is over.
	NotifyDisconnected(ctx context.Context, s *Session, viewerConns []string)

	// NotifyReconnected tells the listed viewers the desktop side is back.
	NotifyReconnected(ctx context.Context, s *Session, viewerConns []string)
}

// DesktopLauncher is implemented by the process-management collaborator that
// can relaunch the desktop-side process for an unattended session whose
// connection dropped.
type DesktopLauncher interface {
	RelaunchDesktop(ctx context.Context, s *Session) error
}
