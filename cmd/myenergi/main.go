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

	"github.com/raterudder/myenergi/pkg/log"
	"github.com/raterudder/myenergi/pkg/myenergi"
	"github.com/raterudder/myenergi/pkg/poller"
	"github.com/raterudder/myenergi/pkg/server"
)

func main() {
	// init packages
	hub := myenergi.Configured()
	sched := poller.Configured(hub)
	entities := server.NewEntities()
	sched.SetRegistrar(entities)

	// init server
	srv := server.Configured(hub, sched, entities)

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
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !sched.Start(ctx) {
		panic("poller failed to start")
	}

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	<-sched.Done()
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
