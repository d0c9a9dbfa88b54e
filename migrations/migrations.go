// Package migrations embeds the PostgreSQL schema and applies it with
// golang-migrate.
//
// Files follow the strict naming standard 001_name.up.sql / 001_name.down.sql.
// Every up migration needs its down pair and sequences start at 001 without gaps.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Sentinel errors for migration set validation.
var (
	ErrNoMigrations    = errors.New("no migration files found")
	ErrInvalidFilename = errors.New("invalid migration filename")
	ErrUnpaired        = errors.New("migration is missing its up or down pair")
	ErrSequenceGap     = errors.New("gap in migration sequence")
)

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// File is one parsed migration file.
type File struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration files.
func FS() fs.FS {
	return embedded
}

// Files lists the .sql files of fsys in apply order. Any .sql file that breaks
// the naming standard is an error rather than silently skipped.
func Files(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var files []File

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		f, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, f)
	}

	slices.SortFunc(files, func(a, b File) int {
		if a.Sequence != b.Sequence {
			return a.Sequence - b.Sequence
		}

		// up before down within a sequence
		if a.Direction != b.Direction {
			if a.Direction == "up" {
				return -1
			}

			return 1
		}

		return 0
	})

	return files, nil
}

func parseFilename(name string) (File, error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return File{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)", ErrInvalidFilename, name)
	}

	seq, _ := strconv.Atoi(m[1])

	return File{Sequence: seq, Name: m[2], Direction: m[3], Filename: name}, nil
}

// Validate checks naming, up/down pairing and sequence continuity of fsys.
func Validate(fsys fs.FS) error {
	files, err := Files(fsys)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, f := range files {
		key := fmt.Sprintf("%03d_%s", f.Sequence, f.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][f.Direction] = true
		sequences[f.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] || !directions["down"] {
			return fmt.Errorf("%w: %s", ErrUnpaired, key)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("%w: expected %03d", ErrSequenceGap, seq)
		}
	}

	return nil
}

// Latest returns the highest sequence in fsys, or 0 when it holds none.
func Latest(fsys fs.FS) int {
	files, err := Files(fsys)
	if err != nil || len(files) == 0 {
		return 0
	}

	return files[len(files)-1].Sequence
}
