// Package logger provides structured logging on top of zerolog.
// It configures the process-wide logger with a service field, an optional
// rotating file sink, and carries a cycle ID through context.Context so that
// every line of one trade cycle can be correlated.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const cycleIDKey ctxKey = "cycle_id"

// Options controls where and how log lines are written.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	File       string // optional rotating log file, in addition to stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init creates the logger for the given service and installs it as the
// zerolog global, so log.Info() etc. also carry the service field.
func Init(service string, opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logger: invalid level %q: %w", opts.Level, err)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if opts.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	if opts.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		})
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Logger()

	log.Logger = logger
	return logger, nil
}

// For returns a child of the global logger tagged with a component name.
// Call it at construction time, after Init.
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// WithCycleID stores a cycle ID in the context for downstream propagation.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// CycleID extracts the cycle ID from context. Returns "" if not set.
func CycleID(ctx context.Context) string {
	if v, ok := ctx.Value(cycleIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateCycleID builds "{symbol}-{n}-{startMs}".
func GenerateCycleID(symbol string, n int64, startMs int64) string {
	return fmt.Sprintf("%s-%d-%d", symbol, n, startMs)
}

// Ctx returns l with the context's cycle ID attached, if any.
func Ctx(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	id := CycleID(ctx)
	if id == "" {
		return l
	}
	return l.With().Str("cycle_id", id).Logger()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
