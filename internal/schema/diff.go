package schema

import (
	"fmt"
	"sort"
)

// TypeChange is a field whose inferred type differs from the current schema.
type TypeChange struct {
	Path     string    `json:"path"`
	From     FieldType `json:"from"`
	To       FieldType `json:"to"`
	Breaking bool      `json:"breaking"`
}

// EnumChange lists enum values that appeared or disappeared for a field.
type EnumChange struct {
	Path    string   `json:"path"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Diff is the structural difference between the current and the detected schema.
type Diff struct {
	Added       []string     `json:"added,omitempty"`
	Removed     []string     `json:"removed,omitempty"`
	TypeChanges []TypeChange `json:"typeChanges,omitempty"`
	EnumChanges []EnumChange `json:"enumChanges,omitempty"`
}

// IsEmpty reports whether the diff carries no change.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.TypeChanges) == 0 && len(d.EnumChanges) == 0
}

// Compare diffs detected against current. A nil current schema makes every
// detected field an addition. Fields absent from current are additions even if an
// older schema version once had them.
func Compare(current, detected *Schema) Diff {
	var d Diff

	for _, path := range detected.Paths() {
		next := detected.Fields[path]

		prev := current.Field(path)
		if prev == nil {
			d.Added = append(d.Added, path)

			continue
		}

		if prev.Type != next.Type && next.Type != TypeNull {
			d.TypeChanges = append(d.TypeChanges, TypeChange{
				Path:     path,
				From:     prev.Type,
				To:       next.Type,
				Breaking: !IsWidening(prev.Type, next.Type),
			})
		}

		if prev.IsEnum && next.IsEnum {
			added, removed := setDelta(prev.EnumValues, next.EnumValues)
			if len(added) > 0 || len(removed) > 0 {
				d.EnumChanges = append(d.EnumChanges, EnumChange{Path: path, Added: added, Removed: removed})
			}
		}
	}

	for _, path := range current.Paths() {
		if detected.Field(path) == nil {
			d.Removed = append(d.Removed, path)
		}
	}

	return d
}

func setDelta(before, after []string) ([]string, []string) {
	in := func(values []string) map[string]struct{} {
		m := make(map[string]struct{}, len(values))
		for _, v := range values {
			m[v] = struct{}{}
		}

		return m
	}

	b, a := in(before), in(after)

	var added, removed []string

	for v := range a {
		if _, ok := b[v]; !ok {
			added = append(added, v)
		}
	}

	for v := range b {
		if _, ok := a[v]; !ok {
			removed = append(removed, v)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)

	return added, removed
}

// Policy is the per-dataset schema evolution configuration.
type Policy struct {
	// Strict treats every type change, including widenings, as breaking.
	Strict bool `json:"strict"`
	// Locked requires approval for any change.
	Locked bool `json:"locked"`
	// AutoGrow accepts purely additive changes without approval.
	AutoGrow bool `json:"autoGrow"`
	// AutoApproveNonBreaking accepts every non-breaking change without approval.
	AutoApproveNonBreaking bool `json:"autoApproveNonBreaking"`
	// StrictValidation excludes rows that violate the schema from event creation
	// and disables auto approval of non-breaking changes.
	StrictValidation bool `json:"strictValidation"`
	// AllowTransformations enables transform suggestions and approved transforms.
	AllowTransformations bool `json:"allowTransformations"`
}

// DefaultPolicy grows automatically and asks for approval on anything else.
func DefaultPolicy() Policy {
	return Policy{AutoGrow: true, AllowTransformations: true}
}

// Decision is the outcome of classifying a diff under a policy.
type Decision struct {
	Changed          bool     `json:"changed"`
	Breaking         bool     `json:"breaking"`
	RequiresApproval bool     `json:"requiresApproval"`
	AutoApproved     bool     `json:"autoApproved"`
	Reasons          []string `json:"reasons,omitempty"`
}

// Classify decides whether diff may be applied automatically. first is true when
// the dataset has no schema version yet.
func Classify(diff Diff, policy Policy, first bool) Decision {
	if first {
		return Decision{Changed: true, AutoApproved: true}
	}

	if diff.IsEmpty() {
		return Decision{}
	}

	dec := Decision{Changed: true}

	for _, path := range diff.Removed {
		dec.Breaking = true
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("field %q removed", path))
	}

	for _, tc := range diff.TypeChanges {
		if tc.Breaking || policy.Strict {
			dec.Breaking = true
			dec.Reasons = append(dec.Reasons, fmt.Sprintf("field %q changed type from %s to %s", tc.Path, tc.From, tc.To))
		}
	}

	switch {
	case dec.Breaking:
		dec.RequiresApproval = true
	case policy.Locked:
		dec.RequiresApproval = true
		dec.Reasons = append(dec.Reasons, "schema is locked")
	case policy.StrictValidation:
		dec.RequiresApproval = true
		dec.Reasons = append(dec.Reasons, "strict validation requires approval for schema changes")
	case policy.AutoApproveNonBreaking:
		dec.AutoApproved = true
	case policy.AutoGrow && additiveOnly(diff):
		dec.AutoApproved = true
	default:
		dec.RequiresApproval = true
		dec.Reasons = append(dec.Reasons, "non-breaking changes require approval")
	}

	if policy.Locked && dec.Breaking {
		dec.Reasons = append(dec.Reasons, "schema is locked")
	}

	return dec
}

func additiveOnly(diff Diff) bool {
	if len(diff.Removed) > 0 || len(diff.TypeChanges) > 0 {
		return false
	}

	for _, ec := range diff.EnumChanges {
		if len(ec.Removed) > 0 {
			return false
		}
	}

	return true
}
