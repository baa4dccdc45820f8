package hub_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenlink/screenlink-go/hub"
	"github.com/screenlink/screenlink-go/sessions"
	"github.com/screenlink/screenlink-go/streams"
)

type testPeer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialPeer(t *testing.T, srv *httptest.Server, path string) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &testPeer{t: t, ws: ws}
}

func (p *testPeer) send(msg hub.Message) {
	p.t.Helper()
	if err := p.ws.WriteJSON(msg); err != nil {
		p.t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func (p *testPeer) sendFrame(streamID string, payload []byte) {
	p.t.Helper()
	data, err := hub.EncodeFrame(streamID, payload)
	if err != nil {
		p.t.Fatalf("encode frame: %v", err)
	}
	if err := p.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		p.t.Fatalf("write frame: %v", err)
	}
}

func (p *testPeer) readText() hub.Message {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := p.ws.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		p.t.Fatalf("expected text message, got type %d", kind)
	}
	var msg hub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		p.t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func (p *testPeer) readBinary() []byte {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := p.ws.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		p.t.Fatalf("expected binary message, got type %d", kind)
	}
	return data
}

func newTestHub(t *testing.T) (*httptest.Server, *sessions.Registry) {
	t.Helper()
	sessionReg := sessions.NewRegistry(nil)
	streamReg := streams.NewRegistry()
	revocations := sessions.NewRevocations(64, time.Minute)
	h := hub.NewHub(sessionReg, streamReg, revocations, hub.WithReadyTimeout(5*time.Second))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, sessionReg
}

func TestHub_StreamAndReconnectFlow(t *testing.T) {
	srv, sessionReg := newTestHub(t)

	// Desktop registers an unattended session.
	desktop := dialPeer(t, srv, "/desktop")
	desktop.send(hub.Message{
		Type:        hub.TypeRegister,
		Mode:        "unattended",
		MachineName: "lab-desktop",
	})
	info := desktop.readText()
	if info.Type != hub.TypeSession {
		t.Fatalf("expected session message, got %s (%s)", info.Type, info.Reason)
	}
	if info.AccessKey == "" || info.UnattendedID == "" {
		t.Fatal("session message missing credentials")
	}

	// Viewer joins with the access key.
	viewer := dialPeer(t, srv, "/viewer")
	viewer.send(hub.Message{Type: hub.TypeJoin, AccessKey: info.AccessKey})
	joined := viewer.readText()
	if joined.Type != hub.TypeJoined {
		t.Fatalf("expected joined message, got %s (%s)", joined.Type, joined.Reason)
	}
	if joined.MachineName != "lab-desktop" {
		t.Fatalf("joined machine = %q", joined.MachineName)
	}

	// Viewer requests a stream; the desktop is told to start capturing.
	viewer.send(hub.Message{Type: hub.TypeRequestStream})
	start := desktop.readText()
	if start.Type != hub.TypeStartStream || start.StreamID == "" {
		t.Fatalf("expected start-stream, got %+v", start)
	}
	desktop.send(hub.Message{Type: hub.TypeStreamStarted, StreamID: start.StreamID})

	ready := viewer.readText()
	if ready.Type != hub.TypeStreamReady || ready.StreamID != start.StreamID {
		t.Fatalf("expected stream-ready for %s, got %+v", start.StreamID, ready)
	}

	// Five frames in, five frames out, in order.
	want := []string{"frame-0", "frame-1", "frame-2", "frame-3", "frame-4"}
	for _, payload := range want {
		desktop.sendFrame(start.StreamID, []byte(payload))
	}
	for i, wantPayload := range want {
		got := viewer.readBinary()
		if string(got) != wantPayload {
			t.Fatalf("frame %d: got %q, want %q", i, got, wantPayload)
		}
	}

	// Desktop drops with a viewer on the roster: the viewer hears
	// "reconnecting" and the session parks.
	_ = desktop.ws.Close()
	notice := viewer.readText()
	if notice.Type != hub.TypeReconnecting {
		t.Fatalf("expected reconnecting notice, got %+v", notice)
	}

	// A new desktop connection presents the unattended ID and silently
	// carries the roster over.
	desktop2 := dialPeer(t, srv, "/desktop")
	desktop2.send(hub.Message{
		Type:         hub.TypeRegister,
		Mode:         "unattended",
		UnattendedID: info.UnattendedID,
	})
	info2 := desktop2.readText()
	if info2.Type != hub.TypeSession {
		t.Fatalf("expected session message on reconnect, got %+v", info2)
	}
	if info2.AccessKey != info.AccessKey || info2.UnattendedID != info.UnattendedID {
		t.Fatal("carry-over reconnect must preserve the session identity")
	}

	back := viewer.readText()
	if back.Type != hub.TypeReconnected {
		t.Fatalf("expected reconnected notice, got %+v", back)
	}

	// The roster survived the reconnect window.
	sess, ok := sessionReg.FindByAccessKey(info.AccessKey)
	if !ok {
		t.Fatal("session lost after reconnect")
	}
	if sess.RosterLen() != 1 {
		t.Fatalf("roster size after reconnect = %d, want 1", sess.RosterLen())
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("session state after reconnect = %v", sess.State())
	}
}

func TestHub_RelaunchReanchorsWithFreshIdentity(t *testing.T) {
	srv, sessionReg := newTestHub(t)

	desktop := dialPeer(t, srv, "/desktop")
	desktop.send(hub.Message{Type: hub.TypeRegister, Mode: "unattended", MachineName: "lab-desktop"})
	info := desktop.readText()
	if info.Type != hub.TypeSession {
		t.Fatalf("expected session message, got %+v", info)
	}

	viewer := dialPeer(t, srv, "/viewer")
	viewer.send(hub.Message{Type: hub.TypeJoin, AccessKey: info.AccessKey})
	if joined := viewer.readText(); joined.Type != hub.TypeJoined {
		t.Fatalf("expected joined, got %+v", joined)
	}

	_ = desktop.ws.Close()
	if notice := viewer.readText(); notice.Type != hub.TypeReconnecting {
		t.Fatalf("expected reconnecting notice, got %+v", notice)
	}

	// The relaunched desktop re-anchors: fresh unattended ID and access key.
	desktop2 := dialPeer(t, srv, "/desktop")
	desktop2.send(hub.Message{
		Type:         hub.TypeRegister,
		Mode:         "unattended",
		UnattendedID: info.UnattendedID,
		Relaunch:     true,
	})
	info2 := desktop2.readText()
	if info2.Type != hub.TypeSession {
		t.Fatalf("expected session message, got %+v", info2)
	}
	if info2.AccessKey == info.AccessKey {
		t.Fatal("re-anchor must mint a fresh access key")
	}
	if info2.UnattendedID == info.UnattendedID {
		t.Fatal("re-anchor must mint a fresh unattended ID")
	}

	if back := viewer.readText(); back.Type != hub.TypeReconnected {
		t.Fatalf("expected reconnected notice, got %+v", back)
	}

	// The re-seated viewer streams from the relaunched desktop without
	// rejoining: its connection now resolves to the replacement session.
	viewer.send(hub.Message{Type: hub.TypeRequestStream})
	start := desktop2.readText()
	if start.Type != hub.TypeStartStream || start.StreamID == "" {
		t.Fatalf("expected start-stream after re-anchor, got %+v", start)
	}
	desktop2.send(hub.Message{Type: hub.TypeStreamStarted, StreamID: start.StreamID})
	if ready := viewer.readText(); ready.Type != hub.TypeStreamReady {
		t.Fatalf("expected stream-ready after re-anchor, got %+v", ready)
	}
	desktop2.sendFrame(start.StreamID, []byte("after-relaunch"))
	if got := viewer.readBinary(); string(got) != "after-relaunch" {
		t.Fatalf("frame after re-anchor = %q", got)
	}

	// The replacement session carries the roster; the old key is dead.
	sess, ok := sessionReg.FindByAccessKey(info2.AccessKey)
	if !ok {
		t.Fatal("replacement session not registered")
	}
	if sess.RosterLen() != 1 {
		t.Fatalf("roster size after re-anchor = %d, want 1", sess.RosterLen())
	}
	if _, ok := sessionReg.FindByAccessKey(info.AccessKey); ok {
		t.Fatal("old access key still resolves")
	}

	// A viewer replaying the revoked key is refused.
	replay := dialPeer(t, srv, "/viewer")
	replay.send(hub.Message{Type: hub.TypeJoin, AccessKey: info.AccessKey})
	refusal := replay.readText()
	if refusal.Type != hub.TypeError {
		t.Fatalf("expected error for revoked key, got %+v", refusal)
	}
	if !strings.Contains(refusal.Reason, "revoked") {
		t.Fatalf("expected revocation reason, got %q", refusal.Reason)
	}
}

func TestHub_StreamStartRejectedForEndedSession(t *testing.T) {
	sessionReg := sessions.NewRegistry(nil)
	streamReg := streams.NewRegistry()
	revocations := sessions.NewRevocations(64, time.Minute)
	h := hub.NewHub(sessionReg, streamReg, revocations, hub.WithReadyTimeout(300*time.Millisecond))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	desktop := dialPeer(t, srv, "/desktop")
	desktop.send(hub.Message{Type: hub.TypeRegister, Mode: "unattended", MachineName: "lab-desktop"})
	info := desktop.readText()
	if info.Type != hub.TypeSession {
		t.Fatalf("expected session message, got %+v", info)
	}

	viewer := dialPeer(t, srv, "/viewer")
	viewer.send(hub.Message{Type: hub.TypeJoin, AccessKey: info.AccessKey})
	if joined := viewer.readText(); joined.Type != hub.TypeJoined {
		t.Fatalf("expected joined, got %+v", joined)
	}

	viewer.send(hub.Message{Type: hub.TypeRequestStream})
	start := desktop.readText()
	if start.Type != hub.TypeStartStream {
		t.Fatalf("expected start-stream, got %+v", start)
	}

	// The session ends while the viewer waits for readiness (a sweeper
	// eviction has the same effect). The late capture attach must not release
	// the gate: the viewer's request fails instead of reporting stream-ready.
	sess, ok := sessionReg.FindByAccessKey(info.AccessKey)
	if !ok {
		t.Fatal("session not registered")
	}
	sess.End()
	desktop.send(hub.Message{Type: hub.TypeStreamStarted, StreamID: start.StreamID})

	msg := viewer.readText()
	if msg.Type != hub.TypeError {
		t.Fatalf("expected the stream request to fail, got %+v", msg)
	}
}

func TestHub_ViewerRejectedWithUnknownKey(t *testing.T) {
	srv, _ := newTestHub(t)

	viewer := dialPeer(t, srv, "/viewer")
	viewer.send(hub.Message{Type: hub.TypeJoin, AccessKey: "nope"})
	msg := viewer.readText()
	if msg.Type != hub.TypeError {
		t.Fatalf("expected error message, got %+v", msg)
	}
}

func TestFrameCodec(t *testing.T) {
	data, err := hub.EncodeFrame("stream-1", []byte("payload"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	id, payload, err := hub.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if id != "stream-1" || string(payload) != "payload" {
		t.Fatalf("round trip got (%q, %q)", id, payload)
	}

	if _, _, err := hub.DecodeFrame(nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
	if _, _, err := hub.DecodeFrame([]byte{10, 'x'}); err == nil {
		t.Fatal("expected error for truncated stream id")
	}
}
