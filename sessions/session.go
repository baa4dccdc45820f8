package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/screenlink/screenlink-go/identity"
)

// Mode distinguishes attended sessions, where a human approves each
// connection against a short single-use ID, from unattended sessions, which
// use a durable reusable access key.
type Mode int

const (
	ModeAttended Mode = iota
	ModeUnattended
)

func (m Mode) String() string {
	switch m {
	case ModeAttended:
		return "attended"
	case ModeUnattended:
		return "unattended"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the session lifecycle state.
type State int

const (
	// StateCreated is the initial state, before any desktop connection owns
	// the session.
	StateCreated State = iota
	// StateReady means a desktop connection is attached.
	StateReady
	// StateStreaming means at least one stream has been started.
	StateStreaming
	// StateReconnecting means the desktop connection dropped with viewers
	// still on the roster and a reconnect is pending.
	StateReconnecting
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Disposition tells the transport layer what to do after a desktop
// disconnect.
type Disposition int

const (
	// DispositionEnd: the session is over; remove it from the registry and
	// tear down its streams.
	DispositionEnd Disposition = iota
	// DispositionReconnect: the session is parked awaiting a new desktop
	// connection; keep it registered and its roster intact.
	DispositionReconnect
)

var (
	// ErrInvalidMode is a precondition violation: the operation is not valid
	// for the session's mode. Programmer error; fails fast without touching
	// state.
	ErrInvalidMode = errors.New("operation not valid for session mode")

	// ErrInvalidState is a precondition violation: the operation is not valid
	// in the session's current state.
	ErrInvalidState = errors.New("operation not valid in current session state")

	// ErrSessionEnded is terminal: the session was torn down.
	ErrSessionEnded = errors.New("session has ended")

	// ErrNotReady is returned by AwaitReady when the desktop side does not
	// attach before the context deadline. Retryable.
	ErrNotReady = errors.New("timed out waiting for desktop to attach")
)

// Config carries the descriptive fields of a new session.
type Config struct {
	Mode          Mode
	MachineName   string
	Organization  string
	RequesterName string
	ViewOnly      bool

	// Generator mints the session's identifiers. Defaults to
	// identity.Default().
	Generator identity.Generator
}

// Session is one remote-control engagement between a desktop and one or more
// viewers. All methods are safe for concurrent use.
type Session struct {
	gen identity.Generator

	// mode is immutable after construction and read without the lock.
	mode Mode

	mu            sync.Mutex
	state         State
	accessKey     string
	unattendedID  string
	attendedID    string
	desktopConn   string
	requesterConn string
	machineName   string
	organization  string
	requesterName string
	createdAt     time.Time
	startedAt     time.Time
	disconnected  time.Time
	viewOnly      bool
	roster        map[string]struct{}

	ready    chan struct{}
	readySet bool
}

// New creates a session in StateCreated with freshly minted identifiers.
func New(cfg Config) (*Session, error) {
	gen := cfg.Generator
	if gen == nil {
		gen = identity.Default()
	}

	key, err := gen.NewAccessKey()
	if err != nil {
		return nil, err
	}

	s := &Session{
		gen:           gen,
		mode:          cfg.Mode,
		state:         StateCreated,
		accessKey:     key,
		machineName:   cfg.MachineName,
		organization:  cfg.Organization,
		requesterName: cfg.RequesterName,
		createdAt:     time.Now(),
		viewOnly:      cfg.ViewOnly,
		roster:        make(map[string]struct{}),
		ready:         make(chan struct{}),
	}

	switch cfg.Mode {
	case ModeAttended:
		id, err := gen.NewAttendedID()
		if err != nil {
			return nil, err
		}
		s.attendedID = id
	case ModeUnattended:
		s.unattendedID = gen.NewUnattendedID()
	default:
		return nil, fmt.Errorf("%w: unknown mode %v", ErrInvalidMode, cfg.Mode)
	}

	return s, nil
}

// CreateNew derives a replacement session used to re-anchor an unattended
// session to a new desktop connection: descriptive fields carry over, the
// unattended ID and access key are freshly minted (invalidating the old key),
// the roster starts empty and view-only is cleared. Calling it on an attended
// session is a precondition violation.
func (s *Session) CreateNew() (*Session, error) {
	s.mu.Lock()
	machine := s.machineName
	org := s.organization
	s.mu.Unlock()

	if s.mode != ModeUnattended {
		return nil, fmt.Errorf("%w: CreateNew requires an unattended session", ErrInvalidMode)
	}

	key, err := s.gen.NewAccessKey()
	if err != nil {
		return nil, err
	}

	return &Session{
		gen:          s.gen,
		mode:         ModeUnattended,
		state:        StateCreated,
		accessKey:    key,
		unattendedID: s.gen.NewUnattendedID(),
		machineName:  machine,
		organization: org,
		createdAt:    time.Now(),
		roster:       make(map[string]struct{}),
		ready:        make(chan struct{}),
	}, nil
}

// --- Accessors ---

func (s *Session) Mode() Mode { return s.mode }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) AccessKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessKey
}

func (s *Session) UnattendedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unattendedID
}

func (s *Session) AttendedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attendedID
}

func (s *Session) DesktopConn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desktopConn
}

func (s *Session) MachineName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machineName
}

func (s *Session) Organization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.organization
}

func (s *Session) RequesterName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requesterName
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) ViewOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewOnly
}

func (s *Session) SetViewOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewOnly = v
}

func (s *Session) SetRequesterConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requesterConn = connID
}

func (s *Session) RequesterConn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requesterConn
}

// --- Roster ---

// Join adds a viewer connection to the roster. Duplicate joins are no-ops.
func (s *Session) Join(viewerConn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	s.roster[viewerConn] = struct{}{}
	return nil
}

// Leave removes a viewer connection from the roster. Unknown viewers are
// no-ops.
func (s *Session) Leave(viewerConn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roster, viewerConn)
}

// Viewers returns a snapshot of the roster. Order is unspecified.
func (s *Session) Viewers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

// RosterLen reports the number of attached viewers.
func (s *Session) RosterLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster)
}

func (s *Session) rosterLocked() []string {
	viewers := make([]string, 0, len(s.roster))
	for v := range s.roster {
		viewers = append(viewers, v)
	}
	return viewers
}

// --- Readiness gate ---

// AwaitReady blocks until the desktop side has attached (SetReady(true)) or
// ctx expires.
func (s *Session) AwaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// SetReady opens or re-arms the readiness gate.
func (s *Session) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setReadyLocked(ready)
}

func (s *Session) setReadyLocked(ready bool) {
	if ready && !s.readySet {
		close(s.ready)
		s.readySet = true
	} else if !ready && s.readySet {
		s.ready = make(chan struct{})
		s.readySet = false
	}
}

// --- State machine ---

// DesktopAttached binds the session to a desktop connection: the first attach
// moves Created to Ready, and a reconnect attach moves Reconnecting back to
// Ready with the existing roster carried over untouched. Exactly one desktop
// connection owns the session at a time, so attaching while another
// connection is live is a precondition violation.
func (s *Session) DesktopAttached(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated, StateReconnecting:
		s.state = StateReady
		s.desktopConn = connID
		s.disconnected = time.Time{}
		s.setReadyLocked(true)
		return nil
	case StateEnded:
		return ErrSessionEnded
	default:
		return fmt.Errorf("%w: desktop %q already owns this session", ErrInvalidState, s.desktopConn)
	}
}

// StreamStarted records that streaming began for this session.
func (s *Session) StreamStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
		s.state = StateStreaming
		s.startedAt = time.Now()
		return nil
	case StateStreaming:
		// Additional streams on a session that is already streaming.
		return nil
	case StateEnded:
		return ErrSessionEnded
	default:
		return fmt.Errorf("%w: cannot start streaming in state %v", ErrInvalidState, s.state)
	}
}

// HandleDesktopDisconnect runs the disconnect branch of the state machine and
// performs its side effects against the supplied collaborators (either may be
// nil):
//
//   - Attended: the roster is told the caster disconnected and the session
//     ends. The caller removes it from the registry.
//   - Unattended with a non-empty roster: viewers are told "reconnecting",
//     the launcher is asked to relaunch the desktop process, and the session
//     parks in StateReconnecting with its roster and identity intact so a new
//     desktop connection re-attaches the same viewers.
//   - Unattended with an empty roster: nothing to preserve; the session ends.
func (s *Session) HandleDesktopDisconnect(ctx context.Context, notifier PeerNotifier, launcher DesktopLauncher) Disposition {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return DispositionEnd
	}

	roster := s.rosterLocked()
	reconnect := s.mode == ModeUnattended && len(roster) > 0
	if reconnect {
		s.state = StateReconnecting
		s.desktopConn = ""
		s.disconnected = time.Now()
		s.setReadyLocked(false)
	} else {
		s.state = StateEnded
		s.desktopConn = ""
		s.roster = make(map[string]struct{})
	}
	s.mu.Unlock()

	if reconnect {
		if notifier != nil {
			notifier.NotifyReconnecting(ctx, s, roster)
		}
		if launcher != nil {
			if err := launcher.RelaunchDesktop(ctx, s); err != nil {
				// The reconnect window still applies: a transport-level
				// reconnect may arrive even if the relaunch failed.
				return DispositionReconnect
			}
		}
		return DispositionReconnect
	}

	if notifier != nil && len(roster) > 0 {
		notifier.NotifyDisconnected(ctx, s, roster)
	}
	return DispositionEnd
}

// End moves the session to its terminal state and clears the roster.
// Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateEnded
	s.desktopConn = ""
	s.roster = make(map[string]struct{})
}

// expired reports whether the sweeper should evict this session: either no
// desktop ever attached within unclaimedAge, or a pending reconnect outlived
// reconnectWindow.
func (s *Session) expired(now time.Time, unclaimedAge, reconnectWindow time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated:
		return unclaimedAge > 0 && now.Sub(s.createdAt) > unclaimedAge
	case StateReconnecting:
		return reconnectWindow > 0 && now.Sub(s.disconnected) > reconnectWindow
	case StateEnded:
		return true
	default:
		return false
	}
}
