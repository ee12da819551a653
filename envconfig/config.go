// config.go - process-level environment configuration for the gateway
//
// This module contains:
// - Var: read and normalize a raw environment variable
// - Host, ConfigPath, LogLevel: core process knobs
// - AsMap/Values: export all knobs for startup logging
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable with surrounding whitespace and
// matching quotes trimmed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// ConfigPath returns the path to the gateway's JSON configuration file.
// Configurable via FLEXLLAMA_CONFIG. Default: config.json in the working
// directory.
func ConfigPath() string {
	if s := Var("FLEXLLAMA_CONFIG"); s != "" {
		return s
	}
	return "config.json"
}

// Host returns the address the gateway's own HTTP API should bind to.
// Configurable via FLEXLLAMA_HOST. A value here overrides api.host/api.port
// from the configuration file. Empty means "use the config file value".
func Host() string {
	return Var("FLEXLLAMA_HOST")
}

// LogLevel returns the process log level.
// Configurable via FLEXLLAMA_DEBUG: unset/false = INFO, true/1 = DEBUG,
// 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("FLEXLLAMA_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil && b {
			level = slog.LevelDebug
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil && i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// NoColor reports the FLEXLLAMA_NO_COLOR setting. It is listed by AsMap for
// startup logging; no CLI output path reads it, so it does not change the
// colors of the status dashboard or log lines.
var NoColor = Bool("FLEXLLAMA_NO_COLOR")

// EnvVar pairs a known environment variable with its current value and a
// human-readable description, for startup logging and `--help` output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every known environment knob, current value included.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"FLEXLLAMA_CONFIG":   {"FLEXLLAMA_CONFIG", ConfigPath(), "Path to the gateway JSON configuration file"},
		"FLEXLLAMA_HOST":     {"FLEXLLAMA_HOST", Host(), "Override api.host:api.port from the config file"},
		"FLEXLLAMA_DEBUG":    {"FLEXLLAMA_DEBUG", LogLevel(), "Log verbosity (0=info, 1=debug, 2=trace)"},
		"FLEXLLAMA_NO_COLOR": {"FLEXLLAMA_NO_COLOR", NoColor(), "Disable colorized CLI output"},
	}
}

// Values renders AsMap as a flat string map, suitable for a single
// structured log line at startup.
func Values() map[string]string {
	vals := make(map[string]string, len(AsMap()))
	for k, v := range AsMap() {
		vals[k] = toString(v.Value)
	}
	return vals
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return slog.AnyValue(v).String()
	}
}
