package canonicalization

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// Unit Tests: Content Hash
// ==============================================================================

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := map[string]any{"title": "Concert", "id": "EV-1", "venue": map[string]any{"city": "Berlin"}}
	b := map[string]any{"venue": map[string]any{"city": "Berlin"}, "id": "EV-1", "title": "Concert"}

	hashA := ContentHash(a)
	assert.Len(t, hashA, 64)
	assert.Equal(t, hashA, ContentHash(b))
}

func TestContentHash_IgnoresNullsBlanksAndArrays(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base := map[string]any{"title": "Concert"}
	noisy := map[string]any{"title": "Concert", "notes": nil, "extra": "  ", "tags": []any{"x"}}

	assert.Equal(t, ContentHash(base), ContentHash(noisy))
}

func TestContentHash_TypeSensitive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.NotEqual(t,
		ContentHash(map[string]any{"n": float64(1)}),
		ContentHash(map[string]any{"n": "1"}),
	)
}

func TestContentHash_SelectedFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := map[string]any{"title": "Concert", "date": "2026-01-01", "updated": "x"}
	b := map[string]any{"title": "Concert", "date": "2026-01-01", "updated": "y"}

	assert.NotEqual(t, ContentHash(a), ContentHash(b))
	assert.Equal(t, ContentHash(a, "title", "date"), ContentHash(b, "date", "title"))
	assert.Empty(t, ContentHash(a, "missing"))
	assert.Empty(t, ContentHash(map[string]any{}))
}

// ==============================================================================
// Unit Tests: Unique IDs
// ==============================================================================

func TestUniqueID_RoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	id := UniqueID("ds-1", KindExternal, "EV:42")
	assert.Equal(t, "ds-1:ext:EV:42", id)

	dataset, kind, key, err := ParseUniqueID(id)
	require.NoError(t, err)
	assert.Equal(t, "ds-1", dataset)
	assert.Equal(t, KindExternal, kind)
	assert.Equal(t, "EV:42", key)
}

func TestUniqueID_LongKeyHashed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	id := UniqueID("ds-1", KindExternal, strings.Repeat("k", 300))

	assert.LessOrEqual(t, len(id), MaxUniqueIDLength)
	assert.True(t, strings.HasPrefix(id, "ds-1:ext:"))
	assert.Equal(t, id, UniqueID("ds-1", KindExternal, strings.Repeat("k", 300)))
}

func TestParseUniqueID_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, input := range []string{"", "  ", "ds-1", "ds-1:ext", "ds-1::key", ":ext:key"} {
		_, _, _, err := ParseUniqueID(input)
		assert.Error(t, err, input)
	}
}

// ==============================================================================
// Unit Tests: Lookup
// ==============================================================================

func TestLookup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	record := map[string]any{
		"a":     map[string]any{"b": float64(1)},
		"x.y":   "literal",
		"blank": "",
	}

	v, ok := Lookup(record, "a.b")
	assert.True(t, ok)
	assert.InDelta(t, 1.0, v, 0)

	v, ok = Lookup(record, "x.y")
	assert.True(t, ok)
	assert.Equal(t, "literal", v)

	_, ok = Lookup(record, "a.c")
	assert.False(t, ok)

	s, ok := ScalarString(record["blank"])
	assert.False(t, ok)
	assert.Empty(t, s)

	s, ok = ScalarString(float64(42))
	assert.True(t, ok)
	assert.Equal(t, "42", s)
}
