// Package logctx enriches slog records with the session, stream, and
// connection identity carried in the request context, so every log line from
// the relay path can be correlated without threading attributes by hand.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("key", sd.SessionKey),
			slog.String("mode", sd.Mode),
			slog.String("state", sd.State),
		))
	}

	if st, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("id", st.StreamID),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("role", cd.Role),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionKey string
	Mode       string
	State      string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type streamDataKey struct{}

type StreamData struct {
	StreamID string
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	Role       string
	RemoteAddr string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}
