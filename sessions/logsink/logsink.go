// Package logsink provides a sessions.EventSink that records session
// lifecycle events through slog. Suitable as the default sink for single-node
// deployments and as an example of the sink contract.
package logsink

import (
	"context"
	"log/slog"

	"github.com/screenlink/screenlink-go/sessions"
)

// Sink logs session lifecycle events.
type Sink struct {
	log *slog.Logger
}

var _ sessions.EventSink = (*Sink)(nil)

// New creates a sink writing through l. A nil l falls back to slog.Default().
func New(l *slog.Logger) *Sink {
	if l == nil {
		l = slog.Default()
	}
	return &Sink{log: l}
}

func (s *Sink) SessionAdded(ctx context.Context, sess *sessions.Session) {
	s.log.LogAttrs(ctx, slog.LevelInfo, "session added", sessionAttrs(sess)...)
}

func (s *Sink) SessionRemoved(ctx context.Context, sess *sessions.Session) {
	s.log.LogAttrs(ctx, slog.LevelInfo, "session removed", sessionAttrs(sess)...)
}

func sessionAttrs(sess *sessions.Session) []slog.Attr {
	return []slog.Attr{
		slog.String("mode", sess.Mode().String()),
		slog.String("state", sess.State().String()),
		slog.String("machine", sess.MachineName()),
		slog.String("organization", sess.Organization()),
		slog.Int("viewers", sess.RosterLen()),
	}
}
