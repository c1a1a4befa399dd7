// Package log provides the process-wide structured logger for buildboard.
//
// Logs go to stderr by default so that the watch command can keep stdout
// for change events. Recent lines are kept in memory for /debug/logs.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Output string // "stderr", "stdout", "discard"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"

	// BufferLines is the in-memory buffer size (0 to disable).
	BufferLines int
}

// Environment variables read by ApplyEnv.
const (
	EnvLevel  = "BUILDBOARD_LOG_LEVEL"
	EnvFormat = "BUILDBOARD_LOG_FORMAT"
)

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Output:      "stderr",
		Level:       "info",
		Format:      "text",
		BufferLines: 500,
	}
}

// ApplyEnv overrides level and format from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvLevel); v != "" {
		c.Level = v
	}
	if v := getenv(EnvFormat); v != "" {
		c.Format = v
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	mu            sync.RWMutex
)

// Init installs the global logger for cfg.
func Init(cfg *Config) error {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "discard":
		w = io.Discard
	default:
		return fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return InitWriter(cfg, w)
}

// InitWriter is Init with an explicit destination.
func InitWriter(cfg *Config, w io.Writer) error {
	handler, err := NewHandler(w, cfg.Format, ParseLevel(cfg.Level))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if cfg.BufferLines > 0 {
		logBuffer = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, logBuffer)
	} else {
		logBuffer = nil
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// NewHandler creates a text or JSON handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// GetBufferedLogs returns the last n buffered lines, oldest first, or nil
// when buffering is disabled.
func GetBufferedLogs(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}

// BufferStats describes the in-memory log buffer.
type BufferStats struct {
	Total    int    `json:"total"`
	Capacity int    `json:"capacity"`
	Evicted  uint64 `json:"evicted"`
}

// GetBufferStats returns buffer statistics. ok is false if buffering is
// disabled.
func GetBufferStats() (stats BufferStats, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return BufferStats{}, false
	}
	return BufferStats{
		Total:    logBuffer.Total(),
		Capacity: logBuffer.Capacity(),
		Evicted:  logBuffer.Evicted(),
	}, true
}
