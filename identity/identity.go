// Package identity mints the opaque identifiers the coordination core consumes:
// bearer-grade access keys, durable unattended session IDs, short human-typed
// attended IDs, and stream/connection identifiers. The core only ever calls
// through the Generator interface so deployments can substitute their own
// scheme.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Generator mints the identifiers used across sessions and streams.
type Generator interface {
	// NewAccessKey returns a high-entropy opaque token suitable as a bearer
	// credential for joining a session.
	NewAccessKey() (string, error)

	// NewAttendedID returns a short, human-typed, single-use session ID.
	NewAttendedID() (string, error)

	// NewUnattendedID returns a durable, reusable session ID.
	NewUnattendedID() string

	// NewStreamID returns a unique token identifying one screen-cast stream.
	NewStreamID() string

	// NewConnectionID returns a unique token identifying one transport
	// connection.
	NewConnectionID() string
}

// Random is the default Generator: crypto/rand access keys and UUID-based
// identifiers.
type Random struct{}

var _ Generator = (*Random)(nil)

// Default returns the default generator.
func Default() *Random { return &Random{} }

func (*Random) NewAccessKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (*Random) NewAttendedID() (string, error) {
	// Nine decimal digits, zero-padded, so the ID can be read over the phone.
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return "", fmt.Errorf("generate attended id: %w", err)
	}
	return fmt.Sprintf("%09d", n.Int64()), nil
}

func (*Random) NewUnattendedID() string { return uuid.NewString() }

func (*Random) NewStreamID() string { return uuid.NewString() }

func (*Random) NewConnectionID() string { return uuid.NewString() }
