package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_Types(t *testing.T) {
	records := []map[string]any{
		{"id": "1", "price": "9.5", "live": true, "date": "2026-01-02", "venue": map[string]any{"city": "Berlin"}, "tags": []any{"a"}},
		{"id": "2", "price": float64(10), "live": false, "date": "2026-01-03T10:00:00Z", "venue": map[string]any{"city": "Paris"}, "note": nil},
	}

	s := Detect(records, DefaultDetectOptions())

	assert.Equal(t, 2, s.SampleSize)
	assert.Equal(t, TypeInteger, s.Field("id").Type)
	assert.Equal(t, TypeNumber, s.Field("price").Type)
	assert.Equal(t, TypeBoolean, s.Field("live").Type)
	assert.Equal(t, TypeDate, s.Field("date").Type)
	assert.Equal(t, TypeObject, s.Field("venue").Type)
	assert.Equal(t, TypeString, s.Field("venue.city").Type)
	assert.Equal(t, TypeArray, s.Field("tags").Type)
	assert.True(t, s.Field("tags").Nullable)
	assert.Equal(t, TypeNull, s.Field("note").Type)
	assert.False(t, s.Field("id").Nullable)
}

func TestDetect_EnumCandidates(t *testing.T) {
	records := make([]map[string]any, 0, 40)
	for i := range 40 {
		records = append(records, map[string]any{
			"category": []string{"music", "sport", "art"}[i%3],
			"title":    fmt.Sprintf("Event %d", i),
		})
	}

	t.Run("count mode", func(t *testing.T) {
		s := Detect(records, DetectOptions{EnumMode: EnumByCount, EnumThreshold: 5})

		assert.True(t, s.Field("category").IsEnum)
		assert.Equal(t, []string{"art", "music", "sport"}, s.Field("category").EnumValues)
		assert.False(t, s.Field("title").IsEnum)
	})

	t.Run("percentage mode", func(t *testing.T) {
		assert.True(t, Detect(records, DetectOptions{EnumMode: EnumByPercentage, EnumThreshold: 0.1}).Field("category").IsEnum)
		assert.False(t, Detect(records, DetectOptions{EnumMode: EnumByPercentage, EnumThreshold: 0.05}).Field("category").IsEnum)
	})
}

func TestDetect_SampleSize(t *testing.T) {
	records := []map[string]any{{"a": "1"}, {"a": "x"}}

	assert.Equal(t, TypeInteger, Detect(records, DetectOptions{EnumMode: EnumByCount, SampleSize: 1}).Field("a").Type)
	assert.Equal(t, TypeString, Detect(records, DefaultDetectOptions()).Field("a").Type)
}

func TestMergeAndWidening(t *testing.T) {
	assert.Equal(t, TypeNumber, Merge(TypeInteger, TypeNumber))
	assert.Equal(t, TypeString, Merge(TypeDate, TypeString))
	assert.Equal(t, TypeMixed, Merge(TypeObject, TypeString))
	assert.Equal(t, TypeBoolean, Merge(TypeNull, TypeBoolean))

	assert.True(t, IsWidening(TypeInteger, TypeNumber))
	assert.True(t, IsWidening(TypeNumber, TypeString))
	assert.True(t, IsWidening(TypeObject, TypeMixed))
	assert.False(t, IsWidening(TypeNumber, TypeInteger))
	assert.False(t, IsWidening(TypeString, TypeNumber))
}

func schemaOf(fields map[string]FieldType) *Schema {
	s := &Schema{Fields: make(map[string]*Field)}
	for path, ft := range fields {
		s.Fields[path] = &Field{Path: path, Type: ft, Occurrences: 1}
	}

	return s
}

func TestCompare_RemovedThenReadded(t *testing.T) {
	v1 := schemaOf(map[string]FieldType{"a": TypeString, "b": TypeInteger})
	v2 := schemaOf(map[string]FieldType{"a": TypeString})
	v3 := schemaOf(map[string]FieldType{"a": TypeString, "b": TypeInteger})

	d12 := Compare(v1, v2)
	assert.Equal(t, []string{"b"}, d12.Removed)

	d23 := Compare(v2, v3)
	assert.Equal(t, []string{"b"}, d23.Added)
	assert.Empty(t, d23.TypeChanges)
	assert.Empty(t, d23.Removed)
}

func TestCompare_TypeAndEnumChanges(t *testing.T) {
	current := schemaOf(map[string]FieldType{"count": TypeInteger, "price": TypeNumber, "kind": TypeString})
	current.Fields["kind"].IsEnum = true
	current.Fields["kind"].EnumValues = []string{"a", "b"}

	detected := schemaOf(map[string]FieldType{"count": TypeNumber, "price": TypeString, "kind": TypeString})
	detected.Fields["kind"].IsEnum = true
	detected.Fields["kind"].EnumValues = []string{"b", "c"}

	d := Compare(current, detected)

	require.Len(t, d.TypeChanges, 2)
	assert.Equal(t, TypeChange{Path: "count", From: TypeInteger, To: TypeNumber, Breaking: false}, d.TypeChanges[0])
	assert.Equal(t, TypeChange{Path: "price", From: TypeNumber, To: TypeString, Breaking: false}, d.TypeChanges[1])
	require.Len(t, d.EnumChanges, 1)
	assert.Equal(t, []string{"c"}, d.EnumChanges[0].Added)
	assert.Equal(t, []string{"a"}, d.EnumChanges[0].Removed)
}

func TestCompare_NilCurrent(t *testing.T) {
	d := Compare(nil, schemaOf(map[string]FieldType{"x": TypeString, "y": TypeDate}))

	assert.Equal(t, []string{"x", "y"}, d.Added)
}

func TestClassify(t *testing.T) {
	additive := Diff{Added: []string{"new"}}
	widening := Diff{TypeChanges: []TypeChange{{Path: "n", From: TypeInteger, To: TypeNumber}}}
	narrowing := Diff{TypeChanges: []TypeChange{{Path: "n", From: TypeString, To: TypeNumber, Breaking: true}}}
	removal := Diff{Removed: []string{"gone"}}

	tests := []struct {
		name     string
		diff     Diff
		policy   Policy
		approval bool
		breaking bool
	}{
		{"additive auto-grows", additive, DefaultPolicy(), false, false},
		{"widening needs approval without auto-approve", widening, DefaultPolicy(), true, false},
		{"widening auto-approved", widening, Policy{AutoApproveNonBreaking: true}, false, false},
		{"strict makes widening breaking", widening, Policy{Strict: true, AutoApproveNonBreaking: true}, true, true},
		{"narrowing always needs approval", narrowing, Policy{AutoApproveNonBreaking: true, AutoGrow: true}, true, true},
		{"removal is breaking", removal, Policy{AutoApproveNonBreaking: true}, true, true},
		{"strict validation blocks auto approval", additive, Policy{StrictValidation: true, AutoGrow: true}, true, false},
		{"locked blocks additive", additive, Policy{Locked: true, AutoGrow: true, AutoApproveNonBreaking: true}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := Classify(tt.diff, tt.policy, false)

			assert.True(t, dec.Changed)
			assert.Equal(t, tt.approval, dec.RequiresApproval)
			assert.Equal(t, !tt.approval, dec.AutoApproved)
			assert.Equal(t, tt.breaking, dec.Breaking)

			if tt.approval {
				assert.NotEmpty(t, dec.Reasons)
			}
		})
	}

	t.Run("first version auto-approved", func(t *testing.T) {
		dec := Classify(removal, Policy{Locked: true}, true)
		assert.True(t, dec.AutoApproved)
		assert.False(t, dec.RequiresApproval)
	})

	t.Run("no change", func(t *testing.T) {
		dec := Classify(Diff{}, DefaultPolicy(), false)
		assert.False(t, dec.Changed)
		assert.False(t, dec.RequiresApproval)
	})
}

func TestValidateRecords(t *testing.T) {
	s := schemaOf(map[string]FieldType{"count": TypeInteger, "title": TypeString})
	s.Fields["title"].Nullable = true

	violations := ValidateRecords([]map[string]any{
		{"count": "3", "title": "ok"},
		{"count": "three"},
		{"title": "no count"},
	}, []int{10, 11, 12}, s)

	require.Len(t, violations, 2)
	assert.Equal(t, Violation{Row: 11, Path: "count", Message: "expected integer, got string"}, violations[0])
	assert.Equal(t, Violation{Row: 12, Path: "count", Message: "required field missing"}, violations[1])
	assert.Nil(t, ValidateRecords(nil, nil, nil))
}
