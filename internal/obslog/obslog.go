// Package obslog wires up structured logging for the ctbt CLI, following
// the teacher's internal/stdlog: human-readable text on stderr and
// machine-readable JSON on stdout through the same slogx.MultiHandler, with
// one shared level that both handlers honor.
//
// Unlike stdlog, which flips its level via /debug/logs/on and /debug/logs/off
// HTTP endpoints (this tool runs no server), the level here is set once at
// startup from a -debug flag or the CTBT_DEBUG environment variable.
package obslog

import (
	"log/slog"
	"os"

	"ctbt.dev/ctbt/internal/slogx"
)

var level = new(slog.LevelVar)

// Handler is the process-wide slog.Handler: JSON to stdout (for log
// aggregators), human-readable text to stderr (for an operator watching the
// terminal), both gated by the same level.
var Handler slog.Handler = slogx.MultiHandler{
	slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: level}),
	slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
}

func init() {
	if os.Getenv("CTBT_DEBUG") != "" {
		level.Set(slog.LevelDebug)
	}
}

// SetDebug raises or lowers the process-wide log level, driven by the
// command line's -debug flag.
func SetDebug(debug bool) {
	if debug {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// New returns a logger writing through Handler.
func New() *slog.Logger { return slog.New(Handler) }

// Fatal logs msg at ERROR and exits the process with status 1, matching the
// teacher's fatalError helper in cmd/vanity-mirror/vanity-mirror.go.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
