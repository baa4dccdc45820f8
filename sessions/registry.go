package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSweepInterval   = 30 * time.Second
	defaultUnclaimedAge    = 5 * time.Minute
	defaultReconnectWindow = 2 * time.Minute
)

type registryConfig struct {
	log             *slog.Logger
	sweepInterval   time.Duration
	unclaimedAge    time.Duration
	reconnectWindow time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

// WithLogger sets a custom logger for the Registry.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(c *registryConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(c *registryConfig) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithUnclaimedAge sets how long a session may sit with no desktop ever
// attaching before the sweeper evicts it.
func WithUnclaimedAge(d time.Duration) RegistryOption {
	return func(c *registryConfig) {
		if d > 0 {
			c.unclaimedAge = d
		}
	}
}

// WithReconnectWindow sets how long a reconnecting session waits for a new
// desktop connection before the sweeper ends it.
func WithReconnectWindow(d time.Duration) RegistryOption {
	return func(c *registryConfig) {
		if d > 0 {
			c.reconnectWindow = d
		}
	}
}

// Registry is the concurrent map from session key (the desktop's connection
// identifier) to Session. It is the sole owner of its value collection;
// callers only ever hold looked-up references. Every successful insertion and
// removal fires exactly one notification to the event sink, regardless of
// which operation performed it or what races were in flight, and a key's
// notifications arrive in the order its mutations were applied.
type Registry struct {
	cfg  registryConfig
	sink EventSink

	// notifyMu serializes each map mutation together with the notification it
	// fires, so the sink observes a key's added/removed events in the order
	// the registry applied them. Sinks run without holding mu, so lookups from
	// a sink are fine, but a sink must not add or remove sessions itself.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry reporting to sink. A nil sink disables
// notifications.
func NewRegistry(sink EventSink, opts ...RegistryOption) *Registry {
	cfg := registryConfig{
		log:             slog.Default(),
		sweepInterval:   defaultSweepInterval,
		unclaimedAge:    defaultUnclaimedAge,
		reconnectWindow: defaultReconnectWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Registry{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*Session),
	}
}

// AddOrUpdate inserts or replaces the session under key. An insertion (key
// previously absent) fires a single added notification; a replacement fires
// none.
func (r *Registry) AddOrUpdate(key string, s *Session) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	_, existed := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()

	if !existed {
		r.notifyAdded(s)
	}
}

// TryAdd inserts the session under key if the key is free, reporting whether
// it did.
func (r *Registry) TryAdd(key string, s *Session) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, existed := r.sessions[key]; existed {
		r.mu.Unlock()
		return false
	}
	r.sessions[key] = s
	r.mu.Unlock()

	r.notifyAdded(s)
	return true
}

// GetOrAdd returns the session under key, calling factory to create one if
// the key is free. The factory runs at most once per insertion; only the
// creation path fires an added notification.
func (r *Registry) GetOrAdd(key string, factory func() *Session) *Session {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s
	}
	s := factory()
	r.sessions[key] = s
	r.mu.Unlock()

	r.notifyAdded(s)
	return s
}

// Get returns the session under key, if any.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// TryRemove removes and returns the session under key, firing a single
// removed notification if the key was present.
func (r *Registry) TryRemove(key string) (*Session, bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		r.notifyRemoved(s)
	}
	return s, ok
}

// Sessions returns a snapshot of the current sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindByAccessKey scans for the session holding the given access key. Used by
// the transport layer to admit a viewer presenting a bearer key.
func (r *Registry) FindByAccessKey(key string) (*Session, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.AccessKey() == key {
			return s, true
		}
	}
	return nil, false
}

// FindByUnattendedID scans for the session with the given unattended ID.
func (r *Registry) FindByUnattendedID(id string) (string, *Session, bool) {
	if id == "" {
		return "", nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, s := range r.sessions {
		if s.UnattendedID() == id {
			return key, s, true
		}
	}
	return "", nil, false
}

// Rekey moves a session to a new key (a new desktop connection identifier)
// without firing lifecycle notifications: the session itself is neither added
// nor removed, only re-anchored. Reports false if oldKey is absent or newKey
// is taken.
func (r *Registry) Rekey(oldKey, newKey string) bool {
	if oldKey == newKey {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[oldKey]
	if !ok {
		return false
	}
	if _, taken := r.sessions[newKey]; taken {
		return false
	}
	delete(r.sessions, oldKey)
	r.sessions[newKey] = s
	return true
}

// StartSweeper launches the background sweep loop, which runs until ctx is
// cancelled. One failed sweep iteration does not terminate the sweeper.
func (r *Registry) StartSweeper(ctx context.Context) {
	go r.sweepLoop(ctx)
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.cfg.log.Debug("session sweeper stopped")
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	defer func() {
		if p := recover(); p != nil {
			r.cfg.log.Error("session sweep iteration failed", slog.Any("panic", p))
		}
	}()

	now := time.Now()

	r.mu.RLock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, key := range keys {
		s, ok := r.Get(key)
		if !ok {
			continue
		}
		if !s.expired(now, r.cfg.unclaimedAge, r.cfg.reconnectWindow) {
			continue
		}
		if removed, ok := r.TryRemove(key); ok {
			removed.End()
			evicted++
			r.cfg.log.Info("session evicted by sweeper",
				slog.String("session_key", key),
				slog.String("mode", removed.Mode().String()))
		}
	}
	if evicted > 0 {
		r.cfg.log.Debug("session sweep complete", slog.Int("evicted", evicted))
	}
}

// notifyAdded and notifyRemoved invoke the sink outside the registry's lock
// and isolate sink panics from the mutating caller.
func (r *Registry) notifyAdded(s *Session) {
	if r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.cfg.log.Error("session added sink panicked", slog.Any("panic", p))
		}
	}()
	r.sink.SessionAdded(context.Background(), s)
}

func (r *Registry) notifyRemoved(s *Session) {
	if r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.cfg.log.Error("session removed sink panicked", slog.Any("panic", p))
		}
	}()
	r.sink.SessionRemoved(context.Background(), s)
}
