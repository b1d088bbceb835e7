package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/opsdesk/changeover/pkg/common"
	"github.com/opsdesk/changeover/pkg/controller"
	"github.com/opsdesk/changeover/pkg/log"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/server"
	"github.com/opsdesk/changeover/pkg/storage"
)

func main() {
	m, err := metrics.New(nil)
	if err != nil {
		panic(fmt.Errorf("failed to register metrics: %w", err))
	}

	// init packages
	s := storage.Configured()
	controllers := controller.Configured(s, m)

	// init server
	srv := server.Configured(controllers, s, m)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()), slog.String("version", common.Version))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// storage was opened inside lflag.Do, a failure there already exited
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// Run blocks until the context is canceled or the listener fails
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
