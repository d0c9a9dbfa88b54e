// Package config reads geoevents settings from the environment.
//
// Every getter falls back to its default when the variable is unset, empty or
// fails to parse, so a typo never prevents startup; each package's Validate
// rejects values that parse but make no sense.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup parses the trimmed value of key, returning fallback when the variable
// is empty or parse fails.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}

	parsed, err := parse(value)
	if err != nil {
		return fallback
	}

	return parsed
}

// GetEnvStr returns the value of key or defaultValue.
func GetEnvStr(key, defaultValue string) string {
	return lookup(key, defaultValue, func(v string) (string, error) { return v, nil })
}

// GetEnvInt returns key parsed as an int.
//
//	port := GetEnvInt("GEOEVENTS_SERVER_PORT", 8080)
func GetEnvInt(key string, defaultValue int) int {
	return lookup(key, defaultValue, strconv.Atoi)
}

// GetEnvInt64 returns key parsed as an int64, used for byte sizes and quotas.
func GetEnvInt64(key string, defaultValue int64) int64 {
	return lookup(key, defaultValue, func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

// GetEnvFloat returns key parsed as a float64.
func GetEnvFloat(key string, defaultValue float64) float64 {
	return lookup(key, defaultValue, func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	})
}

// GetEnvBool accepts the forms strconv.ParseBool does (1, t, true, 0, f, false...).
func GetEnvBool(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, strconv.ParseBool)
}

// GetEnvDuration returns key parsed by time.ParseDuration.
//
//	tick := GetEnvDuration("GEOEVENTS_SCHEDULER_TICK", time.Minute)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, time.ParseDuration)
}

// GetEnvLogLevel returns key as a slog level. Besides slog's own names
// ("debug", "INFO+2") it accepts "warning".
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	return lookup(key, defaultValue, func(v string) (slog.Level, error) {
		if strings.EqualFold(v, "warning") {
			return slog.LevelWarn, nil
		}

		var level slog.Level
		err := level.UnmarshalText([]byte(v))

		return level, err
	})
}

// ParseCommaSeparatedList splits input on commas, trimming entries and
// dropping empty ones. It never returns nil.
func ParseCommaSeparatedList(input string) []string {
	result := []string{}

	for part := range strings.SplitSeq(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// MaskDatabaseURL hides the password of a connection URL so it can be logged.
// URLs without a password are returned unchanged.
//
// Example:
//
//	MaskDatabaseURL("postgres://app:secret@db:5432/geoevents") // postgres://app:***@db:5432/geoevents
func MaskDatabaseURL(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd == -1 {
		return dsn
	}

	authority := dsn[schemeEnd+3:]
	if end := strings.IndexAny(authority, "/?#"); end != -1 {
		// A password may itself contain '/', so only cut at the path when an
		// '@' does not follow it.
		if !strings.Contains(authority[end:], "@") {
			authority = authority[:end]
		}
	}

	at := strings.LastIndex(authority, "@")
	if at == -1 {
		return dsn
	}

	colon := strings.Index(authority[:at], ":")
	if colon == -1 || colon == at-1 {
		return dsn
	}

	userStart := schemeEnd + 3

	return dsn[:userStart+colon+1] + "***" + dsn[userStart+at:]
}
