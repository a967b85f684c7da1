// Package util holds small parsing helpers for environment configuration.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// boolSpellings maps the accepted flag spellings, lowercase.
var boolSpellings = map[string]bool{
	"true": true, "1": true, "yes": true, "on": true,
	"false": false, "0": false, "no": false, "off": false,
}

// ParseBoolEnv reads key as a boolean flag, accepting true/1/yes/on and
// false/0/no/off in any case. Unset or unrecognized values fall back to def.
func ParseBoolEnv(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, ok := boolSpellings[strings.ToLower(raw)]; ok {
		return v
	}
	slog.Warn("ParseBoolEnv unrecognized value, using default", "key", key, "value", raw, "default", def)
	return def
}

// ParseDurationEnv reads key in Go duration syntax ("30s", "5m"). Unset or
// unparsable values fall back to def.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ParseDurationEnv unparsable value, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}
