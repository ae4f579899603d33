package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = newLogger(os.Stdout)
)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
}

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Tick returns a context whose logger carries a fresh tick id along with the
// id itself so a whole poll cycle can be correlated in the logs.
func Tick(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return With(ctx, Ctx(ctx).With(slog.String("tick", id))), id
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// SetDefaultOutput redirects the default logger. It must be called before any
// goroutine starts logging.
func SetDefaultOutput(w io.Writer) {
	defaultLogger = newLogger(w)
}
