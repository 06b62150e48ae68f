// Package observability provides structured logging and pipeline metrics
// for the collector, adapted from the teacher's OTel-based observability
// stack but trimmed to what a batch pipeline needs: no tracing, just a
// leveled logger and per-stage RED counters exported over Prometheus.
package observability

import (
	"log/slog"
	"os"
)

const (
	// driverLogLevel caps sqlite3/libgit2-adjacent chatter below WARN, per
	// the CLI's logging contract.
	driverLogLevel = slog.LevelWarn

	attrComponent = "component"
)

// NewLogger builds the process-wide slog.Logger: text output to stderr at
// level, tagged with a component attribute so per-package log lines are
// filterable.
func NewLogger(level slog.Level, component string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	return slog.New(handler).With(slog.String(attrComponent, component))
}

// DriverLogger returns a logger suited for the SQLite driver's own
// diagnostics, suppressed below WARN regardless of the application's
// configured level.
func DriverLogger(component string) *slog.Logger {
	return NewLogger(driverLogLevel, component)
}
