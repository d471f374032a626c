// Package util provides environment parsing and phone normalization helpers shared across components.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseDurationEnv parses a Go duration environment variable (e.g. "30m") with a default value.
// Invalid or negative values return default.
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		slog.Warn("ParseDurationEnv: invalid duration value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}

// StringEnv returns the trimmed value of key, or defaultValue when unset or blank.
func StringEnv(key, defaultValue string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultValue
}
