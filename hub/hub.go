// Package hub is the websocket transport collaborator for the coordination
// core: it upgrades desktop and viewer connections, drives the session state
// machine from connect/disconnect events, and pumps encoded frames between
// the desktop's capture loop and each viewer through the per-stream relay
// channels. The coordination semantics all live in the sessions and streams
// packages; the hub only translates wire events into calls against them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenlink/screenlink-go/identity"
	"github.com/screenlink/screenlink-go/internal/logctx"
	"github.com/screenlink/screenlink-go/sessions"
	"github.com/screenlink/screenlink-go/streams"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithLauncher sets the collaborator asked to relaunch the desktop process
// when an unattended session loses its connection.
func WithLauncher(l sessions.DesktopLauncher) Option {
	return func(h *Hub) { h.launcher = l }
}

// WithGenerator overrides the identifier generator.
func WithGenerator(g identity.Generator) Option {
	return func(h *Hub) {
		if g != nil {
			h.gen = g
		}
	}
}

// WithReadyTimeout bounds how long a viewer's stream request waits for the
// desktop capture loop to attach.
func WithReadyTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.readyTimeout = d
		}
	}
}

// Hub relays between websocket peers and the coordination core. Create one
// per process with NewHub and mount it on an HTTP server; it serves
// /desktop and /viewer upgrade endpoints.
type Hub struct {
	log         *slog.Logger
	sessionReg  *sessions.Registry
	streamReg   *streams.Registry
	revocations *sessions.Revocations
	gen         identity.Generator
	launcher    sessions.DesktopLauncher

	readyTimeout time.Duration
	writeTimeout time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*peerConn
}

var (
	_ http.Handler          = (*Hub)(nil)
	_ sessions.PeerNotifier = (*Hub)(nil)
)

// NewHub wires a hub against constructor-injected registries.
func NewHub(sessionReg *sessions.Registry, streamReg *streams.Registry, revocations *sessions.Revocations, opts ...Option) *Hub {
	h := &Hub{
		log:          slog.Default(),
		sessionReg:   sessionReg,
		streamReg:    streamReg,
		revocations:  revocations,
		gen:          identity.Default(),
		readyTimeout: defaultReadyTimeout,
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[string]*peerConn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/desktop":
		h.serveDesktop(w, r)
	case "/viewer":
		h.serveViewer(w, r)
	default:
		http.NotFound(w, r)
	}
}

// peerConn wraps one websocket connection. gorilla connections allow a single
// concurrent writer, so all writes funnel through the mutex.
type peerConn struct {
	id   string
	role string
	ws   *websocket.Conn

	writeMu sync.Mutex

	// for viewers: the session this connection is seated on and the stream it
	// consumes. A relaunch re-anchor moves the whole roster to a replacement
	// session, so the seat is re-resolved on every operation.
	viewerMu sync.Mutex
	sess     *sessions.Session
	streamID string
}

func (c *peerConn) writeJSON(timeout time.Duration, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *peerConn) writeBinary(timeout time.Duration, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *peerConn) setStreamID(id string) {
	c.viewerMu.Lock()
	defer c.viewerMu.Unlock()
	c.streamID = id
}

func (c *peerConn) currentStreamID() string {
	c.viewerMu.Lock()
	defer c.viewerMu.Unlock()
	return c.streamID
}

func (c *peerConn) setSession(s *sessions.Session) {
	c.viewerMu.Lock()
	defer c.viewerMu.Unlock()
	c.sess = s
}

func (c *peerConn) session() *sessions.Session {
	c.viewerMu.Lock()
	defer c.viewerMu.Unlock()
	return c.sess
}

func (h *Hub) register(c *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

func (h *Hub) lookup(connID string) (*peerConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	return c, ok
}

// --- Desktop side ---

func (h *Hub) serveDesktop(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("desktop upgrade failed", slog.Any("error", err))
		return
	}
	connID := h.gen.NewConnectionID()
	conn := &peerConn{id: connID, role: "desktop", ws: ws}
	h.register(conn)

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:     connID,
		Role:       conn.role,
		RemoteAddr: r.RemoteAddr,
	})

	defer func() {
		h.unregister(connID)
		_ = ws.Close()
	}()

	sess, err := h.registerDesktop(ctx, conn)
	if err != nil {
		_ = conn.writeJSON(h.writeTimeout, Message{Type: TypeError, Reason: err.Error()})
		return
	}

	h.desktopLoop(ctx, conn, sess)

	// Read loop ended: the desktop connection is gone. Streams owned by this
	// connection cannot produce any more frames.
	h.endDesktopStreams(connID)
	disp := sess.HandleDesktopDisconnect(context.WithoutCancel(ctx), h, h.launcher)
	if disp == sessions.DispositionEnd {
		h.sessionReg.TryRemove(connID)
		h.log.InfoContext(ctx, "desktop session ended")
		return
	}
	h.log.InfoContext(ctx, "desktop disconnected, reconnect pending")
}

// registerDesktop consumes the desktop's register message and resolves it to
// a session: a brand-new one, a silent carry-over onto a reconnecting
// session, or a re-anchor with fresh identity after a relaunch.
func (h *Hub) registerDesktop(ctx context.Context, conn *peerConn) (*sessions.Session, error) {
	var msg Message
	if err := conn.ws.ReadJSON(&msg); err != nil {
		return nil, errors.New("expected register message")
	}
	if msg.Type != TypeRegister {
		return nil, errors.New("expected register message")
	}

	if msg.UnattendedID != "" {
		if sess, err := h.reattachDesktop(ctx, conn, msg); err == nil {
			return sess, nil
		} else if !errors.Is(err, errNoPendingSession) {
			return nil, err
		}
		// No pending session for that ID: fall through and mint a new one.
	}

	mode := sessions.ModeAttended
	if msg.Mode == sessions.ModeUnattended.String() {
		mode = sessions.ModeUnattended
	}
	sess, err := sessions.New(sessions.Config{
		Mode:         mode,
		MachineName:  msg.MachineName,
		Organization: msg.Organization,
		ViewOnly:     msg.ViewOnly,
		Generator:    h.gen,
	})
	if err != nil {
		return nil, err
	}
	if !h.sessionReg.TryAdd(conn.id, sess) {
		return nil, errors.New("connection already owns a session")
	}
	if err := sess.DesktopAttached(conn.id); err != nil {
		h.sessionReg.TryRemove(conn.id)
		return nil, err
	}

	h.log.InfoContext(ctx, "desktop registered",
		slog.String("mode", mode.String()),
		slog.String("machine", sess.MachineName()))
	return sess, h.sendSessionInfo(conn, sess)
}

var errNoPendingSession = errors.New("no reconnecting session for unattended id")

// reattachDesktop handles the two reconnect strategies. A transport-level
// reconnect carries the roster over on the same session; a relaunched desktop
// re-anchors onto a replacement session with a fresh unattended ID and access
// key, revoking the old key.
func (h *Hub) reattachDesktop(ctx context.Context, conn *peerConn, msg Message) (*sessions.Session, error) {
	oldKey, sess, ok := h.sessionReg.FindByUnattendedID(msg.UnattendedID)
	if !ok || sess.State() != sessions.StateReconnecting {
		return nil, errNoPendingSession
	}

	if !msg.Relaunch {
		// Silent carry-over: same session, same roster, new connection key.
		if !h.sessionReg.Rekey(oldKey, conn.id) {
			return nil, errors.New("session key conflict during reconnect")
		}
		if err := sess.DesktopAttached(conn.id); err != nil {
			return nil, err
		}
		h.NotifyReconnected(ctx, sess, sess.Viewers())
		h.log.InfoContext(ctx, "desktop reconnected, roster carried over",
			slog.Int("viewers", sess.RosterLen()))
		return sess, h.sendSessionInfo(conn, sess)
	}

	// Re-anchor: fresh identity, old access key revoked, roster re-seated on
	// the replacement session.
	replacement, err := sess.CreateNew()
	if err != nil {
		return nil, err
	}
	if h.revocations != nil {
		h.revocations.Revoke(sess.AccessKey())
	}
	roster := sess.Viewers()
	h.sessionReg.TryRemove(oldKey)
	sess.End()

	if !h.sessionReg.TryAdd(conn.id, replacement) {
		return nil, errors.New("connection already owns a session")
	}
	if err := replacement.DesktopAttached(conn.id); err != nil {
		h.sessionReg.TryRemove(conn.id)
		return nil, err
	}
	for _, viewer := range roster {
		if err := replacement.Join(viewer); err != nil {
			break
		}
		// Re-point the viewer's connection at the replacement so its next
		// stream request and its eventual Leave hit the live session.
		if vc, ok := h.lookup(viewer); ok {
			vc.setSession(replacement)
		}
	}
	h.NotifyReconnected(ctx, replacement, replacement.Viewers())
	h.log.InfoContext(ctx, "desktop re-anchored with fresh identity",
		slog.Int("viewers", replacement.RosterLen()))
	return replacement, h.sendSessionInfo(conn, replacement)
}

func (h *Hub) sendSessionInfo(conn *peerConn, sess *sessions.Session) error {
	return conn.writeJSON(h.writeTimeout, Message{
		Type:         TypeSession,
		Mode:         sess.Mode().String(),
		MachineName:  sess.MachineName(),
		Organization: sess.Organization(),
		AccessKey:    sess.AccessKey(),
		UnattendedID: sess.UnattendedID(),
		AttendedID:   sess.AttendedID(),
		ViewOnly:     sess.ViewOnly(),
	})
}

// desktopLoop consumes the desktop connection until it drops: binary
// messages are frames bound for a stream channel, text messages are control.
func (h *Hub) desktopLoop(ctx context.Context, conn *peerConn, sess *sessions.Session) {
	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			streamID, payload, err := DecodeFrame(data)
			if err != nil {
				h.log.WarnContext(ctx, "malformed frame from desktop", slog.Any("error", err))
				continue
			}
			ch, ok := h.streamReg.Get(streamID)
			if !ok {
				continue // stream already torn down; drop the frame
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err = ch.WriteFrame(writeCtx, payload)
			cancel()
			if err != nil {
				sctx := logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID})
				h.log.DebugContext(sctx, "frame dropped", slog.Any("error", err))
			}
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == TypeStreamStarted && msg.StreamID != "" {
				// Validate the transition before releasing the readiness gate:
				// a rejected start must not let the viewer's wait succeed.
				if err := sess.StreamStarted(); err != nil {
					h.log.WarnContext(ctx, "stream start rejected", slog.Any("error", err))
					h.streamReg.Remove(msg.StreamID)
					continue
				}
				ch := h.streamReg.GetOrCreate(msg.StreamID)
				ch.SetDesktopConn(conn.id)
				ch.SignalReady()
				h.log.InfoContext(ctx, "stream started", slog.String("stream_id", msg.StreamID))
			}
		}
	}
}

// endDesktopStreams tears down every stream whose producer was this desktop
// connection. Buffered frames are not preserved across a desktop reconnect;
// viewers re-request their streams once the session is ready again.
func (h *Hub) endDesktopStreams(desktopConn string) {
	h.mu.Lock()
	var victims []string
	for _, c := range h.conns {
		if c.role != "viewer" {
			continue
		}
		if id := c.currentStreamID(); id != "" {
			if ch, ok := h.streamReg.Get(id); ok && ch.DesktopConn() == desktopConn {
				victims = append(victims, id)
			}
		}
	}
	h.mu.Unlock()
	for _, id := range victims {
		h.streamReg.Remove(id)
	}
}

// --- Viewer side ---

func (h *Hub) serveViewer(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("viewer upgrade failed", slog.Any("error", err))
		return
	}
	connID := h.gen.NewConnectionID()
	conn := &peerConn{id: connID, role: "viewer", ws: ws}
	h.register(conn)

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:     connID,
		Role:       conn.role,
		RemoteAddr: r.RemoteAddr,
	})

	defer func() {
		h.unregister(connID)
		_ = ws.Close()
	}()

	sess, err := h.admitViewer(ctx, conn)
	if err != nil {
		_ = conn.writeJSON(h.writeTimeout, Message{Type: TypeError, Reason: err.Error()})
		return
	}
	conn.setSession(sess)

	h.viewerLoop(ctx, conn)

	// Leave whichever session the viewer is seated on now; a relaunch
	// re-anchor may have swapped it for a replacement.
	if cur := conn.session(); cur != nil {
		cur.Leave(connID)
	}
	if id := conn.currentStreamID(); id != "" {
		h.streamReg.Remove(id)
	}
}

func (h *Hub) admitViewer(ctx context.Context, conn *peerConn) (*sessions.Session, error) {
	var msg Message
	if err := conn.ws.ReadJSON(&msg); err != nil {
		return nil, errors.New("expected join message")
	}
	if msg.Type != TypeJoin || msg.AccessKey == "" {
		return nil, errors.New("expected join message with access key")
	}
	if h.revocations != nil && h.revocations.IsRevoked(msg.AccessKey) {
		return nil, errors.New("access key revoked")
	}
	sess, ok := h.sessionReg.FindByAccessKey(msg.AccessKey)
	if !ok {
		return nil, errors.New("unknown access key")
	}
	if err := sess.Join(conn.id); err != nil {
		return nil, err
	}

	h.log.InfoContext(ctx, "viewer joined",
		slog.String("machine", sess.MachineName()),
		slog.Int("viewers", sess.RosterLen()))

	return sess, conn.writeJSON(h.writeTimeout, Message{
		Type:        TypeJoined,
		Mode:        sess.Mode().String(),
		MachineName: sess.MachineName(),
		ViewOnly:    sess.ViewOnly(),
	})
}

func (h *Hub) viewerLoop(ctx context.Context, conn *peerConn) {
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()

	for {
		var msg Message
		if err := conn.ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != TypeRequestStream {
			continue
		}
		if err := h.startStream(pumpCtx, conn); err != nil {
			_ = conn.writeJSON(h.writeTimeout, Message{Type: TypeError, Reason: err.Error()})
		}
	}
}

// startStream mints a stream ID, asks the desktop to start capturing, waits
// for the capture loop's readiness signal, and spawns the relay pump.
func (h *Hub) startStream(ctx context.Context, conn *peerConn) error {
	sess := conn.session()
	desktop, ok := h.lookup(sess.DesktopConn())
	if !ok {
		return errors.New("desktop is not connected")
	}

	streamID := h.gen.NewStreamID()
	if err := desktop.writeJSON(h.writeTimeout, Message{Type: TypeStartStream, StreamID: streamID}); err != nil {
		return errors.New("desktop is unreachable")
	}

	readyCtx, cancel := context.WithTimeout(ctx, h.readyTimeout)
	defer cancel()
	ch, err := h.streamReg.WaitForReady(readyCtx, streamID)
	if err != nil {
		h.streamReg.Remove(streamID)
		return errors.New("desktop did not start streaming in time")
	}
	ch.SetViewerConn(conn.id)
	conn.setStreamID(streamID)

	if err := conn.writeJSON(h.writeTimeout, Message{Type: TypeStreamReady, StreamID: streamID}); err != nil {
		h.streamReg.Remove(streamID)
		return err
	}

	go h.pumpFrames(ctx, conn, ch)
	return nil
}

// pumpFrames moves frames from the relay channel to the viewer until the
// stream ends or the viewer drops.
func (h *Hub) pumpFrames(ctx context.Context, conn *peerConn, ch *streams.Channel) {
	sctx := logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: ch.ID()})
	for {
		frame, err := ch.ReadFrame(ctx)
		if err != nil {
			h.log.DebugContext(sctx, "frame pump stopped", slog.Any("error", err))
			return
		}
		if err := conn.writeBinary(h.writeTimeout, frame); err != nil {
			h.log.DebugContext(sctx, "viewer write failed", slog.Any("error", err))
			h.streamReg.Remove(ch.ID())
			return
		}
	}
}

// --- sessions.PeerNotifier ---

func (h *Hub) NotifyReconnecting(ctx context.Context, s *sessions.Session, viewerConns []string) {
	h.fanout(viewerConns, Message{Type: TypeReconnecting, MachineName: s.MachineName()})
}

func (h *Hub) NotifyReconnected(ctx context.Context, s *sessions.Session, viewerConns []string) {
	h.fanout(viewerConns, Message{Type: TypeReconnected, MachineName: s.MachineName()})
}

func (h *Hub) NotifyDisconnected(ctx context.Context, s *sessions.Session, viewerConns []string) {
	h.fanout(viewerConns, Message{Type: TypeDisconnected, MachineName: s.MachineName()})
}

func (h *Hub) fanout(viewerConns []string, msg Message) {
	for _, id := range viewerConns {
		if conn, ok := h.lookup(id); ok {
			if err := conn.writeJSON(h.writeTimeout, msg); err != nil {
				h.log.Debug("peer notification failed",
					slog.String("conn_id", id),
					slog.String("type", string(msg.Type)),
					slog.Any("error", err))
			}
		}
	}
}
