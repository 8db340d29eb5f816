// Package log provides structured logging for kminer.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

type ctxKey string

const (
	// PoolKey is the context key carrying the pool URL in stratum mode
	PoolKey ctxKey = "pool"
	// WorkerKey is the context key carrying a worker name
	WorkerKey ctxKey = "worker"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger carrying pool and worker values found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if pool := ctx.Value(PoolKey); pool != nil {
		logger = logger.With("pool", pool)
	}
	if worker := ctx.Value(WorkerKey); worker != nil {
		logger = logger.With("worker", worker)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger tagged with a mining worker's kind and index
func (l *Logger) WithWorker(kind string, index int) *Logger {
	return l.WithFields("worker_kind", kind, "worker_index", index)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID uint64) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithDevice returns a logger tagged with a device backend and its ordinal
func (l *Logger) WithDevice(backend string, device int) *Logger {
	return l.WithFields("backend", backend, "device", device)
}

// WithError returns a logger with error context. Errors implementing
// slog.LogValuer, such as pkg/errors.ServiceError, are logged as a group.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	if _, ok := err.(slog.LogValuer); ok {
		return l.WithFields(slog.Any("error", err))
	}
	return l.WithFields("error", err.Error())
}

// LogHashrate logs the hash rate measured over an interval
func (l *Logger) LogHashrate(hashes uint64, interval time.Duration) {
	rate := 0.0
	if interval > 0 {
		rate = float64(hashes) / interval.Seconds()
	}
	l.Info("current hashrate",
		"hashrate", FormatHashrate(rate),
		"hashes", hashes,
		"interval", interval,
	)
}

// LogIdle logs that no hashes were computed for the given duration
func (l *Logger) LogIdle(reason string, idle time.Duration) {
	l.Warn("workers idle",
		"reason", reason,
		"idle_for", durafmt.Parse(idle.Truncate(time.Second)).LimitFirstN(2).String(),
	)
}

// LogSolutionFound logs a winning nonce
func (l *Logger) LogSolutionFound(kind string, jobID, nonce uint64, hash string) {
	l.Info("found solution",
		"kind", kind,
		"job_id", jobID,
		"nonce", nonce,
		"hash", hash,
	)
}

// LogJobPublished logs a newly published job
func (l *Logger) LogJobPublished(jobID uint64, kind, target string) {
	l.Debug("job published",
		"job_id", jobID,
		"kind", kind,
		"target", target,
	)
}

// LogShareResult logs the pool's verdict on a submitted share
func (l *Logger) LogShareResult(requestID uint64, status string, code int) {
	l.Info("share result",
		"request_id", requestID,
		"status", status,
		"code", code,
	)
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration", durafmt.Parse(d).LimitFirstN(2).String(),
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogBreakerState logs a circuit breaker transition. Opening is a warning.
func (l *Logger) LogBreakerState(name, from, to string) {
	level := slog.LevelInfo
	if to == "open" {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", name,
		"from", from,
		"to", to,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction string, message []byte) {
	l.Debug("stratum message",
		"direction", direction,
		"message", string(message),
	)
}

var hashrateUnits = []string{"H/s", "KH/s", "MH/s", "GH/s", "TH/s", "PH/s", "EH/s"}

// FormatHashrate renders a rate with a decimal unit prefix, e.g. "12.34 MH/s"
func FormatHashrate(rate float64) string {
	unit := 0
	for rate >= 1000 && unit < len(hashrateUnits)-1 {
		rate /= 1000
		unit++
	}
	return fmt.Sprintf("%.2f %s", rate, hashrateUnits[unit])
}
