// Package logutil configures the process-wide structured logger.
//
// It adds a Trace level below Debug, matching the verbosity knob exposed by
// envconfig.LogLevel (0=info, 1=debug, 2=trace).
package logutil

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace is one step more verbose than slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
}

// NewLogger builds the process-wide slog.Logger, writing text-formatted
// records to w at the given minimum level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if name, ok := levelNames[level]; ok {
					a.Value = slog.StringValue(name)
				}
			}
			return a
		},
	}))
}

// Trace logs at LevelTrace against the default logger.
func Trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}
