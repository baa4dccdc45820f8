// Command relayd runs the ScreenLink relay daemon: a websocket hub in front
// of the session and stream registries. Configuration comes from the
// environment (optionally seeded from a .env file); see the config struct for
// the available knobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/screenlink/screenlink-go/hub"
	"github.com/screenlink/screenlink-go/internal/logctx"
	"github.com/screenlink/screenlink-go/sessions"
	"github.com/screenlink/screenlink-go/sessions/logsink"
	"github.com/screenlink/screenlink-go/sessions/redissink"
	"github.com/screenlink/screenlink-go/streams"
)

type config struct {
	Addr     string `env:"RELAYD_ADDR,default=:8080"`
	LogLevel string `env:"RELAYD_LOG_LEVEL,default=info"`

	SweepInterval   time.Duration `env:"RELAYD_SWEEP_INTERVAL,default=30s"`
	UnclaimedAge    time.Duration `env:"RELAYD_UNCLAIMED_AGE,default=5m"`
	ReconnectWindow time.Duration `env:"RELAYD_RECONNECT_WINDOW,default=2m"`

	FrameCapacity    int           `env:"RELAYD_FRAME_CAPACITY,default=16"`
	MaxBufferedBytes int64         `env:"RELAYD_MAX_BUFFERED_BYTES,default=8388608"`
	MaxFrameAge      time.Duration `env:"RELAYD_MAX_FRAME_AGE,default=2s"`

	RevocationTTL time.Duration `env:"RELAYD_REVOCATION_TTL,default=24h"`

	// RedisAudit enables the Redis Streams audit feed of session lifecycle
	// events; the Redis connection itself comes from REDIS_ADDR.
	RedisAudit bool `env:"RELAYD_REDIS_AUDIT,default=false"`
}

func main() {
	// godotenv does not overwrite variables already set in the environment.
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		slog.Error("config decode failed", slog.Any("error", err))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher := sessions.NewPublisher()
	publisher.Subscribe(logsink.New(log))
	if cfg.RedisAudit {
		audit, err := redissink.NewFromEnv()
		if err != nil {
			log.Error("redis audit sink unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer audit.Close()
		publisher.Subscribe(audit)
	}

	sessionReg := sessions.NewRegistry(publisher,
		sessions.WithLogger(log),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithUnclaimedAge(cfg.UnclaimedAge),
		sessions.WithReconnectWindow(cfg.ReconnectWindow),
	)
	sessionReg.StartSweeper(ctx)

	streamReg := streams.NewRegistry(
		streams.WithLogger(log),
		streams.WithFrameCapacity(cfg.FrameCapacity),
		streams.WithMaxBufferedBytes(cfg.MaxBufferedBytes),
		streams.WithMaxFrameAge(cfg.MaxFrameAge),
	)

	revocations := sessions.NewRevocations(4096, cfg.RevocationTTL)

	relay := hub.NewHub(sessionReg, streamReg, revocations, hub.WithLogger(log))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: relay,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("relayd listening", slog.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("relayd stopped")
}
