// Package redissink provides a sessions.EventSink that appends session
// lifecycle events to a Redis Stream, giving external audit and metrics
// consumers an ordered feed without coupling them to the process. The core's
// own coordination stays in-process; the stream is an outbound feed only.
package redissink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/screenlink/screenlink-go/sessions"
)

// Config for the Redis-backed sink. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// StreamKey is the Redis Stream the events land on. ENV: SESSION_AUDIT_STREAM
	StreamKey string `env:"SESSION_AUDIT_STREAM,default=screenlink:sessions:audit"`

	// Client overrides RedisAddr when set.
	Client redis.UniversalClient
}

// Sink appends session lifecycle events to a Redis Stream via XADD.
type Sink struct {
	client    redis.UniversalClient
	streamKey string
	log       *slog.Logger
}

var _ sessions.EventSink = (*Sink)(nil)

// New creates a sink from cfg.
func New(cfg Config) (*Sink, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl := redis.NewClient(&redis.Options{Addr: addr})
		if err := cl.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		client = cl
	}
	streamKey := cfg.StreamKey
	if streamKey == "" {
		streamKey = "screenlink:sessions:audit"
	}
	return &Sink{client: client, streamKey: streamKey, log: slog.Default()}, nil
}

// NewFromEnv builds a Sink using envdecode to populate Config.
func NewFromEnv() (*Sink, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Sink) Close() error { return s.client.Close() }

func (s *Sink) SessionAdded(ctx context.Context, sess *sessions.Session) {
	s.append(ctx, "added", sess)
}

func (s *Sink) SessionRemoved(ctx context.Context, sess *sessions.Session) {
	s.append(ctx, "removed", sess)
}

// append is best-effort: an unreachable Redis must not disturb registry
// operations, so failures are logged and dropped.
func (s *Sink) append(ctx context.Context, event string, sess *sessions.Session) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey,
		Values: map[string]any{
			"event":        event,
			"mode":         sess.Mode().String(),
			"state":        sess.State().String(),
			"machine":      sess.MachineName(),
			"organization": sess.Organization(),
			"viewers":      sess.RosterLen(),
			"at":           time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		s.log.Warn("session audit append failed",
			slog.String("event", event),
			slog.String("stream", s.streamKey),
			slog.Any("error", err))
	}
}
