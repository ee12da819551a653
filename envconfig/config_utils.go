// config_utils.go - generic typed getters for environment variables
package envconfig

import (
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a getter that parses a bool env var, falling back
// to defaultValue when unset. An unparsable value yields true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				slog.Warn("invalid boolean environment variable, defaulting true", "key", k, "value", s)
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter that parses a bool env var, defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a getter for a raw string env var.
func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}
