package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoevents/geoevents/internal/canonicalization"
)

// fakeLookup holds materialized events keyed by unique ID.
type fakeLookup struct {
	events map[string]Existing
	err    error
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{events: make(map[string]Existing)}
}

func (f *fakeLookup) FindByUniqueIDs(_ context.Context, _ string, uniqueIDs []string) (map[string]Existing, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make(map[string]Existing)

	for _, uid := range uniqueIDs {
		if e, ok := f.events[uid]; ok {
			out[uid] = e
		}
	}

	return out, nil
}

func (f *fakeLookup) FindByContentHashes(_ context.Context, _ string, hashes []string) (map[string]Existing, error) {
	if f.err != nil {
		return nil, f.err
	}

	wanted := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}

	out := make(map[string]Existing)

	for _, e := range f.events {
		if _, ok := wanted[e.ContentHash]; ok {
			out[e.ContentHash] = e
		}
	}

	return out, nil
}

// materialize stores every new resolution as an event, the way create-events does.
func (f *fakeLookup) materialize(result *Result) {
	for _, res := range result.Resolutions {
		if res.Classification != ClassNew {
			continue
		}

		f.events[res.UniqueID] = Existing{
			EventID:     fmt.Sprintf("evt-%d-%s", res.Row, res.ContentHash[:6]),
			UniqueID:    res.UniqueID,
			ContentHash: res.ContentHash,
		}
	}
}

func sampleRows(n int) []map[string]any {
	rows := make([]map[string]any, 0, n)
	for i := range n {
		rows = append(rows, map[string]any{
			"id":    fmt.Sprintf("EV-%03d", i),
			"title": fmt.Sprintf("Event %d", i),
			"city":  "Berlin",
		})
	}

	return rows
}

func externalConfig(dup DuplicateStrategy) Config {
	return Config{Strategy: StrategyExternal, ExternalIDPath: "id", DuplicateStrategy: dup}
}

func TestResolve_ReimportUnderSkipCreatesNothing(t *testing.T) {
	lookup := newFakeLookup()
	resolver := NewResolver(lookup, nil)
	rows := sampleRows(10)

	first, err := resolver.Resolve(context.Background(), "ds-1", externalConfig(DuplicateSkip), rows)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Summary.New)
	lookup.materialize(first)

	second, err := resolver.Resolve(context.Background(), "ds-1", externalConfig(DuplicateSkip), rows)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Summary.New)
	assert.Equal(t, 10, second.Summary.ExternalDuplicates)
}

func TestResolve_UpdateTouchesExactlyChangedEvent(t *testing.T) {
	lookup := newFakeLookup()
	resolver := NewResolver(lookup, nil)
	rows := sampleRows(10)

	first, err := resolver.Resolve(context.Background(), "ds-1", externalConfig(DuplicateUpdate), rows)
	require.NoError(t, err)
	lookup.materialize(first)

	changed := sampleRows(10)
	changed[4]["title"] = "Renamed"

	second, err := resolver.Resolve(context.Background(), "ds-1", externalConfig(DuplicateUpdate), changed)
	require.NoError(t, err)

	assert.Equal(t, 0, second.Summary.New)
	assert.Equal(t, 1, second.Summary.UpdateCandidates)
	assert.Equal(t, 9, second.Summary.ExternalDuplicates)

	res := second.ByRow()[4]
	assert.Equal(t, ClassUpdateCandidate, res.Classification)
	assert.Equal(t, first.ByRow()[4].UniqueID, res.UniqueID)
	assert.NotEmpty(t, res.ExistingEventID)
}

func TestResolve_VersionCreatesVersionedUniqueID(t *testing.T) {
	lookup := newFakeLookup()
	resolver := NewResolver(lookup, nil)

	first, err := resolver.Resolve(context.Background(), "ds-1", externalConfig(DuplicateVersion), sampleRows(2))
	require.NoError(t, err)
	lookup.materialize(first)

	changed := sampleRows(2)
	changed[1]["title"] = "v2"

	second, err := resolver.Resolve(context.Background(), "ds-1", externalConfig(DuplicateVersion), changed)
	require.NoError(t, err)

	res := second.ByRow()[1]
	assert.Equal(t, ClassNew, res.Classification)
	assert.NotEqual(t, first.ByRow()[1].UniqueID, res.UniqueID)
	assert.Contains(t, res.UniqueID, first.ByRow()[1].UniqueID+":v")
	assert.Equal(t, ClassExternalDuplicate, second.ByRow()[0].Classification)
}

func TestResolve_InternalDuplicates(t *testing.T) {
	rows := sampleRows(100)
	for i := 95; i < 100; i++ {
		rows[i]["id"] = rows[i-95]["id"]
	}

	result, err := NewResolver(newFakeLookup(), nil).Resolve(context.Background(), "ds-1", externalConfig(DuplicateSkip), rows)
	require.NoError(t, err)

	assert.Equal(t, 95, result.Summary.New)
	assert.Equal(t, 5, result.Summary.InternalDuplicates)
	require.NotNil(t, result.ByRow()[97].DuplicateOf)
	assert.Equal(t, 2, *result.ByRow()[97].DuplicateOf)
	assert.Len(t, result.Resolutions, 100)
}

func TestResolve_HashDeterministicAcrossBatches(t *testing.T) {
	cfg := Config{Strategy: StrategyComputed, DuplicateStrategy: DuplicateSkip}
	resolver := NewResolver(nil, nil)

	row := map[string]any{"title": "Market", "date": "2026-03-01", "lat": "52.5"}
	reordered := map[string]any{"lat": "52.5", "date": "2026-03-01", "title": "Market"}

	a, err := resolver.Resolve(context.Background(), "ds-1", cfg, []map[string]any{{"title": "Other"}, row})
	require.NoError(t, err)

	b, err := resolver.Resolve(context.Background(), "ds-1", cfg, []map[string]any{reordered})
	require.NoError(t, err)

	assert.Equal(t, a.ByRow()[1].ContentHash, b.ByRow()[0].ContentHash)
	assert.Equal(t, a.ByRow()[1].UniqueID, b.ByRow()[0].UniqueID)
}

func TestResolve_UnresolvableIdentity(t *testing.T) {
	rows := []map[string]any{
		{"id": "A", "title": "ok"},
		{"title": "no id"},
		{},
	}

	t.Run("update requires identity", func(t *testing.T) {
		result, err := NewResolver(nil, nil).Resolve(context.Background(), "ds-1", externalConfig(DuplicateUpdate), rows)
		require.NoError(t, err)

		require.Len(t, result.Errors, 2)
		assert.Equal(t, 1, result.Errors[0].Row)
		assert.Contains(t, result.Errors[0].Message, ErrUnresolvableIdentity.Error())
		assert.Equal(t, 2, result.Summary.Unresolved)
	})

	t.Run("skip falls back to content hash", func(t *testing.T) {
		result, err := NewResolver(nil, nil).Resolve(context.Background(), "ds-1", externalConfig(DuplicateSkip), rows)
		require.NoError(t, err)

		require.Len(t, result.Errors, 1)
		assert.Equal(t, 2, result.Errors[0].Row)

		_, kind, _, err := canonicalization.ParseUniqueID(result.ByRow()[1].UniqueID)
		require.NoError(t, err)
		assert.Equal(t, canonicalization.KindHash, kind)
	})
}

func TestResolve_LookupError(t *testing.T) {
	lookup := newFakeLookup()
	lookup.err = errors.New("connection refused")

	_, err := NewResolver(lookup, nil).Resolve(context.Background(), "ds-1", externalConfig(DuplicateSkip), sampleRows(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, lookup.err)
}

func TestResolve_InvalidConfig(t *testing.T) {
	_, err := NewResolver(nil, nil).Resolve(context.Background(), "ds-1", Config{Strategy: StrategyExternal, DuplicateStrategy: DuplicateSkip}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEffectiveStrategy_TieBreak(t *testing.T) {
	rows := make([]map[string]any, 0, 10)
	for i := range 10 {
		row := map[string]any{"id": fmt.Sprintf("auto-%d", i), "title": "t"}
		if i < 9 {
			row["ref_code"] = fmt.Sprintf("ref-%d", i)
		}

		rows = append(rows, row)
	}

	t.Run("explicit path above threshold wins over detected id", func(t *testing.T) {
		cfg := Config{Strategy: StrategyAuto, ExternalIDPath: "ref_code", DuplicateStrategy: DuplicateSkip}

		strategy, path := EffectiveStrategy(cfg, rows)
		assert.Equal(t, StrategyExternal, strategy)
		assert.Equal(t, "ref_code", path)
	})

	t.Run("under-populated explicit path falls back to detection", func(t *testing.T) {
		cfg := Config{
			Strategy:            StrategyAuto,
			ExternalIDPath:      "ref_code",
			DuplicateStrategy:   DuplicateSkip,
			AutoDetectThreshold: 0.95,
		}

		strategy, path := EffectiveStrategy(cfg, rows)
		assert.Equal(t, StrategyExternal, strategy)
		assert.Equal(t, "id", path)
	})

	t.Run("no candidate falls back to computed", func(t *testing.T) {
		cfg := Config{Strategy: StrategyAuto, DuplicateStrategy: DuplicateSkip}

		strategy, path := EffectiveStrategy(cfg, []map[string]any{{"title": "a"}, {"title": "b"}})
		assert.Equal(t, StrategyComputed, strategy)
		assert.Empty(t, path)
	})
}

func TestDetectIDPath(t *testing.T) {
	rows := []map[string]any{
		{"category_id": "music", "eventId": "E1", "title": "a"},
		{"category_id": "music", "eventId": "E2", "title": "b"},
		{"category_id": "sport", "eventId": "E3", "title": "c"},
	}

	// category_id repeats too often to be an identity.
	assert.Equal(t, "eventId", DetectIDPath(rows, DefaultAutoDetectThreshold))
	assert.Empty(t, DetectIDPath(nil, DefaultAutoDetectThreshold))
}

func TestResolve_HashKeyedMatchesExistingContent(t *testing.T) {
	lookup := newFakeLookup()
	row := map[string]any{"title": "Fair", "date": "2026-05-05"}
	hash := canonicalization.ContentHash(row)

	lookup.events["ds-1:ext:legacy"] = Existing{EventID: "evt-legacy", UniqueID: "ds-1:ext:legacy", ContentHash: hash}

	cfg := Config{Strategy: StrategyComputed, DuplicateStrategy: DuplicateSkip}

	result, err := NewResolver(lookup, nil).Resolve(context.Background(), "ds-1", cfg, []map[string]any{row})
	require.NoError(t, err)

	assert.Equal(t, ClassExternalDuplicate, result.Resolutions[0].Classification)
	assert.Equal(t, "evt-legacy", result.Resolutions[0].ExistingEventID)
}
