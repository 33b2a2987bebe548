// internal/logger/logger.go
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Logger writes structured log lines and counts entries per level and
// component in Prometheus.
type Logger struct {
	slog       *slog.Logger
	level      *slog.LevelVar
	prometheus *PrometheusLogger
}

type PrometheusLogger struct {
	logCounter *prometheus.CounterVec
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New())
}

func New() *Logger {
	promLogger := &PrometheusLogger{
		logCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbfw_log_entries_total",
				Help: "Total number of log entries by level",
			},
			[]string{"level", "component"},
		),
	}

	// Tests construct more than one logger; the first registration wins
	// and later loggers reuse the existing counter.
	if err := prometheus.Register(promLogger.logCounter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			promLogger.logCounter = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	level := &slog.LevelVar{}
	level.Set(slog.LevelInfo)

	return &Logger{
		slog:       slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})),
		level:      level,
		prometheus: promLogger,
	}
}

// SetOutput redirects log lines to w, keeping the current level gate.
func (l *Logger) SetOutput(w io.Writer) {
	l.slog = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l.level}))
}

// SetLevel adjusts the minimum level from a config string
// (debug, info, warn, error).
func (l *Logger) SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		l.level.Set(slog.LevelDebug)
	case "warn", "warning":
		l.level.Set(slog.LevelWarn)
	case "error":
		l.level.Set(slog.LevelError)
	default:
		l.level.Set(slog.LevelInfo)
	}
}

func (l *Logger) Info(component, msg string, fields ...interface{}) {
	l.log(slog.LevelInfo, component, msg, fields...)
}

func (l *Logger) Error(component, msg string, fields ...interface{}) {
	l.log(slog.LevelError, component, msg, fields...)
}

func (l *Logger) Debug(component, msg string, fields ...interface{}) {
	l.log(slog.LevelDebug, component, msg, fields...)
}

func (l *Logger) Warn(component, msg string, fields ...interface{}) {
	l.log(slog.LevelWarn, component, msg, fields...)
}

func (l *Logger) log(level slog.Level, component, msg string, fields ...interface{}) {
	args := make([]interface{}, 0, len(fields)+2)
	args = append(args, "component", component)
	args = append(args, fields...)
	l.slog.Log(context.Background(), level, msg, args...)

	l.prometheus.logCounter.WithLabelValues(level.String(), component).Inc()
}

func Default() *Logger {
	return defaultLogger.Load()
}

func SetLevel(level string) {
	Default().SetLevel(level)
}

func SetOutput(w io.Writer) {
	Default().SetOutput(w)
}

func Info(component, msg string, fields ...interface{}) {
	Default().Info(component, msg, fields...)
}

func Error(component, msg string, fields ...interface{}) {
	Default().Error(component, msg, fields...)
}

func Debug(component, msg string, fields ...interface{}) {
	Default().Debug(component, msg, fields...)
}

func Warn(component, msg string, fields ...interface{}) {
	Default().Warn(component, msg, fields...)
}
