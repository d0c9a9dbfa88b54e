package aliasing

import (
	"log/slog"
	"regexp"
	"strings"
)

type (
	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
	}

	// Resolver rewrites column headers. It is immutable after construction and
	// safe for concurrent use. A nil Resolver passes headers through.
	//
	// Pattern syntax:
	//   - {variable} captures one segment, stopping at "_", "." or " "
	//   - {variable*} captures the rest of the header
	//   - literal characters match case-insensitively
	Resolver struct {
		columns  map[string]string
		patterns []compiledPattern
	}
)

var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern turns "geo_{axis}" into ^(?i)geo_(?P<axis>[^_. ]+)$.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	result := regexp.QuoteMeta(pattern)

	for _, match := range variableRegex.FindAllStringSubmatch(pattern, -1) {
		group := "(?P<" + match[1] + ">[^_. ]+)"
		if strings.HasSuffix(match[0], "*}") {
			group = "(?P<" + match[1] + ">.+)"
		}

		result = strings.Replace(result, regexp.QuoteMeta(match[0]), group, 1)
	}

	return regexp.Compile("(?i)^" + result + "$")
}

func substitute(canonical string, captures map[string]string) string {
	for name, value := range captures {
		canonical = strings.ReplaceAll(canonical, "{"+name+"}", value)
		canonical = strings.ReplaceAll(canonical, "{"+name+"*}", value)
	}

	return canonical
}

// NewResolver compiles cfg. Entries with an empty side or an invalid pattern
// are skipped with a warning.
func NewResolver(cfg *Config) *Resolver {
	r := &Resolver{columns: make(map[string]string)}

	if cfg == nil {
		return r
	}

	for alias, canonical := range cfg.Columns {
		alias, canonical = strings.TrimSpace(alias), strings.TrimSpace(canonical)
		if alias == "" || canonical == "" {
			slog.Warn("Skipping column alias with empty side", slog.String("alias", alias))

			continue
		}

		r.columns[strings.ToLower(alias)] = canonical
	}

	for _, p := range cfg.Patterns {
		pattern, canonical := strings.TrimSpace(p.Pattern), strings.TrimSpace(p.Canonical)
		if pattern == "" || canonical == "" {
			slog.Warn("Skipping column pattern with empty side", slog.String("pattern", pattern))

			continue
		}

		regex, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping invalid column pattern",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		r.patterns = append(r.patterns, compiledPattern{regex: regex, canonical: canonical})
	}

	return r
}

// Len is the number of aliases and patterns in use.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}

	return len(r.columns) + len(r.patterns)
}

// Resolve returns the canonical name of column, or column itself when nothing
// matches.
func (r *Resolver) Resolve(column string) string {
	if canonical, ok := r.Match(column); ok {
		return canonical
	}

	return column
}

// Match reports the canonical name of column. Exact aliases win over patterns.
func (r *Resolver) Match(column string) (string, bool) {
	header := strings.TrimSpace(column)
	if r == nil || header == "" {
		return "", false
	}

	if canonical, ok := r.columns[strings.ToLower(header)]; ok {
		return canonical, true
	}

	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(header)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" {
				captures[name] = match[i]
			}
		}

		return substitute(cp.canonical, captures), true
	}

	return "", false
}
