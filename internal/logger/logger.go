// Package logger configures log/slog for the scanner processes and carries
// the bot run and scan-cycle identifiers through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const (
	runIDKey  ctxKey = "run_id"
	scanIDKey ctxKey = "scan_id"
)

// Config selects the log level and output format.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// ParseLevel maps a level name to slog.Level. Unknown names are an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

// New builds a logger writing to w with the service name attached.
func New(w io.Writer, service string, cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}
	return slog.New(h).With(slog.String("service", service)), nil
}

// Init creates the service logger on stdout and installs it as the slog
// default, so log.Printf output from older packages is structured too.
func Init(service string, cfg Config) (*slog.Logger, error) {
	l, err := New(os.Stdout, service, cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

// WithRunID stores the bot run ID in ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithScanID stores the scan cycle ID in ctx.
func WithScanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scanIDKey, id)
}

// RunID returns the bot run ID from ctx, or "".
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ScanID returns the scan cycle ID from ctx, or "".
func ScanID(ctx context.Context) string {
	v, _ := ctx.Value(scanIDKey).(string)
	return v
}

// Attrs returns the context identifiers as slog key/value pairs.
// Usage: log.Info("msg", logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	var out []any
	if id := RunID(ctx); id != "" {
		out = append(out, slog.String("run_id", id))
	}
	if id := ScanID(ctx); id != "" {
		out = append(out, slog.String("scan_id", id))
	}
	return out
}
