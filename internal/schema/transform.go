package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/geoevents/geoevents/internal/canonicalization"
)

// TransformType names a transform operation.
type TransformType string

const (
	TransformRename      TransformType = "rename"
	TransformTypeCast    TransformType = "type-cast"
	TransformStringOp    TransformType = "string-op"
	TransformConcatenate TransformType = "concatenate"
	TransformSplit       TransformType = "split"
)

// String operations supported by TransformStringOp.
const (
	OpTrim      = "trim"
	OpUppercase = "uppercase"
	OpLowercase = "lowercase"
	OpReplace   = "replace"
)

// Cast formats for numeric targets.
const (
	FormatDecimalComma = "decimal-comma"
	FormatDecimalPoint = "decimal-point"
)

// ErrTransform is wrapped by every transform application error.
var ErrTransform = errors.New("transform failed")

// Transform is one record rewrite. Which fields are used depends on Type:
//   - rename: From → To
//   - type-cast: From (→ To when set) converted to TargetType using Format
//   - string-op: Operation on From (→ To when set); replace uses Find/Replace
//   - concatenate: Sources joined with Separator into To
//   - split: From split on Separator into Targets
type Transform struct {
	Type       TransformType `json:"type"`
	From       string        `json:"from,omitempty"`
	To         string        `json:"to,omitempty"`
	Sources    []string      `json:"sources,omitempty"`
	Targets    []string      `json:"targets,omitempty"`
	Separator  string        `json:"separator,omitempty"`
	TargetType FieldType     `json:"targetType,omitempty"`
	Format     string        `json:"format,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Find       string        `json:"find,omitempty"`
	Replace    string        `json:"replace,omitempty"`
	// Reason explains a suggestion to the operator.
	Reason string `json:"reason,omitempty"`
}

// Validate checks that a transform has the fields its type requires.
func (t Transform) Validate() error {
	switch t.Type {
	case TransformRename:
		if t.From == "" || t.To == "" {
			return fmt.Errorf("%w: rename requires from and to", ErrTransform)
		}
	case TransformTypeCast:
		if t.From == "" || t.TargetType == "" {
			return fmt.Errorf("%w: type-cast requires from and targetType", ErrTransform)
		}
	case TransformStringOp:
		switch t.Operation {
		case OpTrim, OpUppercase, OpLowercase, OpReplace:
		default:
			return fmt.Errorf("%w: unknown string operation %q", ErrTransform, t.Operation)
		}

		if t.From == "" {
			return fmt.Errorf("%w: string-op requires from", ErrTransform)
		}
	case TransformConcatenate:
		if len(t.Sources) < 2 || t.To == "" {
			return fmt.Errorf("%w: concatenate requires two sources and to", ErrTransform)
		}
	case TransformSplit:
		if t.From == "" || len(t.Targets) == 0 || t.Separator == "" {
			return fmt.Errorf("%w: split requires from, targets and separator", ErrTransform)
		}
	default:
		return fmt.Errorf("%w: unknown transform type %q", ErrTransform, t.Type)
	}

	return nil
}

// Suggest proposes transforms that would reconcile detected with current.
// Removed/added pairs with the same type and similar names become renames back to
// the existing name; breaking type changes become casts to the current type.
func Suggest(diff Diff, current, detected *Schema) []Transform {
	var out []Transform

	used := make(map[string]bool)

	for _, removed := range diff.Removed {
		prev := current.Field(removed)
		if prev == nil {
			continue
		}

		for _, added := range diff.Added {
			next := detected.Field(added)
			if used[added] || next == nil || !IsWidening(next.Type, prev.Type) {
				continue
			}

			if similarNames(removed, added) {
				used[added] = true
				out = append(out, Transform{
					Type:   TransformRename,
					From:   added,
					To:     removed,
					Reason: fmt.Sprintf("%q looks like a rename of %q", added, removed),
				})

				break
			}
		}
	}

	for _, tc := range diff.TypeChanges {
		if !tc.Breaking {
			continue
		}

		t := Transform{
			Type:       TransformTypeCast,
			From:       tc.Path,
			TargetType: tc.From,
			Reason:     fmt.Sprintf("restore %s values for %q", tc.From, tc.Path),
		}

		switch tc.From {
		case TypeDate:
			t.Format = time.DateOnly
		case TypeNumber, TypeInteger:
			t.Format = FormatDecimalPoint
		}

		out = append(out, t)
	}

	return out
}

func similarNames(a, b string) bool {
	na, nb := squash(a), squash(b)
	if na == nb {
		return true
	}

	longest := max(len(na), len(nb))

	return longest >= 4 && levenshtein(na, nb) <= longest/4
}

func squash(s string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i

		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// Apply rewrites a copy of record with transforms in order. Failing transforms are
// reported and skipped; the record keeps its original value for that field.
func Apply(record map[string]any, transforms []Transform) (map[string]any, []error) {
	out := clone(record)

	var errs []error

	for _, t := range transforms {
		if err := applyOne(out, t); err != nil {
			errs = append(errs, err)
		}
	}

	return out, errs
}

func applyOne(record map[string]any, t Transform) error {
	if err := t.Validate(); err != nil {
		return err
	}

	switch t.Type {
	case TransformRename:
		v, ok := canonicalization.Lookup(record, t.From)
		if !ok {
			return nil
		}

		deletePath(record, t.From)
		setPath(record, t.To, v)
	case TransformTypeCast:
		v, ok := canonicalization.Lookup(record, t.From)
		if !ok || v == nil {
			return nil
		}

		cast, err := Cast(v, t.TargetType, t.Format)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTransform, t.From, err)
		}

		setPath(record, target(t), cast)
	case TransformStringOp:
		v, ok := canonicalization.Lookup(record, t.From)
		if !ok {
			return nil
		}

		s, isString := v.(string)
		if !isString {
			return fmt.Errorf("%w: %s is not a string", ErrTransform, t.From)
		}

		setPath(record, target(t), stringOp(s, t))
	case TransformConcatenate:
		parts := make([]string, 0, len(t.Sources))

		for _, src := range t.Sources {
			v, _ := canonicalization.Lookup(record, src)
			if s, ok := canonicalization.ScalarString(v); ok {
				parts = append(parts, s)
			}
		}

		setPath(record, t.To, strings.Join(parts, t.Separator))
	case TransformSplit:
		v, _ := canonicalization.Lookup(record, t.From)

		s, ok := canonicalization.ScalarString(v)
		if !ok {
			return nil
		}

		parts := strings.SplitN(s, t.Separator, len(t.Targets))
		for i, tgt := range t.Targets {
			if i < len(parts) {
				setPath(record, tgt, strings.TrimSpace(parts[i]))
			}
		}
	}

	return nil
}

func target(t Transform) string {
	if t.To != "" {
		return t.To
	}

	return t.From
}

func stringOp(s string, t Transform) string {
	switch t.Operation {
	case OpTrim:
		return strings.TrimSpace(s)
	case OpUppercase:
		return strings.ToUpper(s)
	case OpLowercase:
		return strings.ToLower(s)
	case OpReplace:
		return strings.ReplaceAll(s, t.Find, t.Replace)
	default:
		return s
	}
}

// Cast converts v to the target type. Format is a Go time layout for dates and
// FormatDecimalComma or FormatDecimalPoint for numbers.
func Cast(v any, to FieldType, format string) (any, error) {
	s, ok := canonicalization.ScalarString(v)
	if !ok {
		return nil, fmt.Errorf("cannot cast %T", v)
	}

	switch to {
	case TypeString:
		return s, nil
	case TypeInteger, TypeNumber:
		n, err := parseNumber(s, format)
		if err != nil {
			return nil, err
		}

		if to == TypeInteger {
			return float64(int64(n)), nil
		}

		return n, nil
	case TypeBoolean:
		switch strings.ToLower(s) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0":
			return false, nil
		}

		return nil, fmt.Errorf("cannot cast %q to boolean", s)
	case TypeDate:
		t, ok := ParseDate(s, format)
		if !ok {
			return nil, fmt.Errorf("cannot parse %q as date", s)
		}

		return t.UTC().Format(time.RFC3339), nil
	default:
		return nil, fmt.Errorf("unsupported cast target %s", to)
	}
}

func parseNumber(s, format string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")

	if format == FormatDecimalComma {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as number", s)
	}

	return n, nil
}

func clone(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))

	for k, v := range record {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clone(nested)

			continue
		}

		out[k] = v
	}

	return out
}

func setPath(record map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := record

	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}

		current = next
	}

	current[segments[len(segments)-1]] = value
}

func deletePath(record map[string]any, path string) {
	if _, ok := record[path]; ok {
		delete(record, path)

		return
	}

	segments := strings.Split(path, ".")
	current := record

	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			return
		}

		current = next
	}

	delete(current, segments[len(segments)-1])
}
