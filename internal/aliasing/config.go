// Package aliasing maps source column headers to the canonical names that
// field detection recognizes.
//
// Feeds from different publishers name the same column differently
// ("Breitengrad", "lat_wgs84", "geo_lat"). Operators list exact aliases and
// {variable} patterns in a YAML file; the resolver rewrites a header before
// detection so that the mapping still points at the original column.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/geoevents/geoevents/internal/config"
)

type (
	// Config holds column alias configuration loaded from column-aliases.yaml.
	Config struct {
		// Columns maps a header, compared case-insensitively, to its canonical name.
		Columns map[string]string `yaml:"columns"`

		// Patterns are tried in order after Columns; the first match wins.
		Patterns []Pattern `yaml:"patterns"`
	}

	// Pattern rewrites headers matching Pattern into Canonical, substituting
	// captured variables.
	Pattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}
)

// DefaultConfigPath is read when GEOEVENTS_COLUMN_ALIASES is unset.
const DefaultConfigPath = "column-aliases.yaml"

// ConfigPathEnvVar names the alias file.
const ConfigPathEnvVar = "GEOEVENTS_COLUMN_ALIASES"

// LoadConfig reads the alias file at path.
//
// Aliases are optional: a missing, unreadable or invalid file yields an empty
// configuration and, except for a missing file, a warning.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Columns: make(map[string]string)}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Column alias file not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read column alias file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse column alias file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{Columns: make(map[string]string)}, nil
	}

	if cfg.Columns == nil {
		cfg.Columns = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the file named by GEOEVENTS_COLUMN_ALIASES, falling
// back to column-aliases.yaml in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}
