// Package logging configures the process-wide slog logger: colored
// terminal output via tint when attached to a TTY, JSON otherwise, with a
// runtime-adjustable level.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level, adjustable without a restart.
var Level = new(slog.LevelVar) // default: INFO

// Setup installs the default slog logger. Colored tint output is used when
// stderr is a TTY; otherwise JSON, for log aggregation.
func Setup() {
	var handler slog.Handler
	if stderrIsTTY() {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// ParseLevel converts "debug", "info", "warn" or "error" (any case) to the
// corresponding slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

func stderrIsTTY() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
