package hub

import "fmt"

// MessageType discriminates the JSON control messages exchanged with desktops
// and viewers. Encoded frames travel as binary websocket messages, not as
// control messages.
type MessageType string

const (
	// Desktop -> hub: register a new session or re-attach to an existing one.
	TypeRegister MessageType = "register"
	// Hub -> desktop: the session the desktop now owns.
	TypeSession MessageType = "session"
	// Viewer -> hub: join a session by access key.
	TypeJoin MessageType = "join"
	// Hub -> viewer: admitted to the session.
	TypeJoined MessageType = "joined"
	// Viewer -> hub: ask for a screen-cast stream.
	TypeRequestStream MessageType = "request-stream"
	// Hub -> desktop: start capturing for the given stream ID.
	TypeStartStream MessageType = "start-stream"
	// Desktop -> hub: capture loop attached and about to write.
	TypeStreamStarted MessageType = "stream-started"
	// Hub -> viewer: the stream is live; binary frames follow.
	TypeStreamReady MessageType = "stream-ready"
	// Hub -> viewer: the desktop dropped and a reconnect is pending.
	TypeReconnecting MessageType = "reconnecting"
	// Hub -> viewer: the desktop is back.
	TypeReconnected MessageType = "reconnected"
	// Hub -> viewer: the session is over.
	TypeDisconnected MessageType = "disconnected"
	// Hub -> either side: request rejected.
	TypeError MessageType = "error"
)

// Message is the JSON control envelope. Fields are populated per message
// type; absent fields are omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	Mode         string `json:"mode,omitempty"`
	MachineName  string `json:"machineName,omitempty"`
	Organization string `json:"organization,omitempty"`

	AccessKey    string `json:"accessKey,omitempty"`
	UnattendedID string `json:"unattendedId,omitempty"`
	AttendedID   string `json:"attendedId,omitempty"`

	// Relaunch marks a desktop registration that came from a relaunch rather
	// than a transport-level reconnect; the hub re-anchors the session with a
	// fresh identity instead of silently carrying the old one over.
	Relaunch bool `json:"relaunch,omitempty"`

	StreamID string `json:"streamId,omitempty"`
	ViewOnly bool   `json:"viewOnly,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Binary frame layout: one length byte, the stream ID, then the encoded frame
// payload. The desktop may be serving several viewers at once, so every frame
// carries the stream it belongs to.

// EncodeFrame prefixes payload with streamID for the binary wire format.
func EncodeFrame(streamID string, payload []byte) ([]byte, error) {
	if len(streamID) == 0 || len(streamID) > 255 {
		return nil, fmt.Errorf("stream id length %d out of range", len(streamID))
	}
	buf := make([]byte, 0, 1+len(streamID)+len(payload))
	buf = append(buf, byte(len(streamID)))
	buf = append(buf, streamID...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeFrame splits a binary wire message into its stream ID and payload.
// The payload aliases the input buffer.
func DecodeFrame(data []byte) (streamID string, payload []byte, err error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("frame too short")
	}
	n := int(data[0])
	if n == 0 || len(data) < 1+n {
		return "", nil, fmt.Errorf("frame stream id truncated")
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}
