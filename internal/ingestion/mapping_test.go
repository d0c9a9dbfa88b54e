package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoevents/geoevents/internal/aliasing"
	"github.com/geoevents/geoevents/internal/geocoding"
)

func TestDetectFieldMappings(t *testing.T) {
	records := []map[string]any{
		{"Event Name": "Concert", "Date": "2026-05-01", "lat": "52.52", "lng": "13.40", "venue": "Alexanderplatz, Berlin"},
		{"Event Name": "Market", "Date": "2026-05-02", "lat": "48.85", "lng": "2.35", "venue": "Place des Vosges, Paris"},
	}

	m := DetectFieldMappings(records)

	assert.Equal(t, "Event Name", m.TitlePath)
	assert.Equal(t, "Date", m.TimestampPath)
	assert.Equal(t, "lat", m.Geo.LatitudePath)
	assert.Equal(t, "lng", m.Geo.LongitudePath)
}

func TestDetectAliasedFieldMappings(t *testing.T) {
	aliases := aliasing.NewResolver(&aliasing.Config{
		Columns: map[string]string{"Veranstaltung": "title", "Datum": "date"},
		Patterns: []aliasing.Pattern{
			{Pattern: "geo_{axis}_wgs84", Canonical: "{axis}"},
		},
	})

	records := []map[string]any{
		{"Veranstaltung": "Konzert", "Datum": "2026-05-01", "geo_lat_wgs84": "52.52", "geo_lon_wgs84": "13.40"},
		{"Veranstaltung": "Markt", "Datum": "2026-05-02", "geo_lat_wgs84": "48.85", "geo_lon_wgs84": "2.35"},
	}

	assert.Empty(t, DetectFieldMappings(records).Geo.LatitudePath)

	m := DetectAliasedFieldMappings(records, aliases)

	assert.Equal(t, "Veranstaltung", m.TitlePath)
	assert.Equal(t, "Datum", m.TimestampPath)
	assert.Equal(t, "geo_lat_wgs84", m.Geo.LatitudePath)
	assert.Equal(t, "geo_lon_wgs84", m.Geo.LongitudePath)
}

func TestDetectAliasedFieldMappings_KeepsExistingColumns(t *testing.T) {
	aliases := aliasing.NewResolver(&aliasing.Config{
		Columns: map[string]string{"headline": "title", "label": "title"},
	})

	records := []map[string]any{{"title": "Concert", "headline": "Big concert", "label": "music"}}

	m := DetectAliasedFieldMappings(records, aliases)
	assert.Equal(t, "title", m.TitlePath)

	m = DetectAliasedFieldMappings([]map[string]any{{"headline": "Big concert", "label": "music"}}, aliases)
	assert.Equal(t, "headline", m.TitlePath, "first alias in column order wins the canonical name")

	assert.Equal(t, DetectFieldMappings(records), DetectAliasedFieldMappings(records, nil))
}

func TestDetectFieldMappings_RejectsNonDateTimestampColumn(t *testing.T) {
	records := []map[string]any{{"time": "evening"}, {"time": "morning"}}

	assert.Empty(t, DetectFieldMappings(records).TimestampPath)
}

func TestFieldMappings_MergeOverrides(t *testing.T) {
	detected := FieldMappings{
		Geo:           geocoding.FieldMapping{AddressPath: "city"},
		TitlePath:     "name",
		TimestampPath: "date",
	}

	merged := detected.Merge(FieldMappings{
		Geo:       geocoding.FieldMapping{AddressPath: "full_address"},
		TitlePath: "headline",
	})

	assert.Equal(t, "full_address", merged.Geo.AddressPath)
	assert.Equal(t, "headline", merged.TitlePath)
	assert.Equal(t, "date", merged.TimestampPath)
}

func TestFieldMappings_Timestamp(t *testing.T) {
	m := FieldMappings{TimestampPath: "when"}

	tests := []struct {
		name  string
		value any
		want  time.Time
		ok    bool
		isNil bool
	}{
		{"date string", "2026-05-01", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), true, false},
		{"rfc3339", "2026-05-01T10:30:00Z", time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC), true, false},
		{"unix seconds", float64(1_700_000_000), time.Unix(1_700_000_000, 0).UTC(), true, false},
		{"unix millis", float64(1_700_000_000_000), time.UnixMilli(1_700_000_000_000).UTC(), true, false},
		{"missing", nil, time.Time{}, true, true},
		{"garbage", "soon", time.Time{}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.Timestamp(map[string]any{"when": tt.value})

			assert.Equal(t, tt.ok, ok)

			if tt.isNil {
				assert.Nil(t, got)

				return
			}

			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %s", got)
		})
	}
}

func TestFieldMappings_Title(t *testing.T) {
	m := FieldMappings{TitlePath: "meta.title"}

	assert.Equal(t, "Parade", m.Title(map[string]any{"meta": map[string]any{"title": "  Parade "}}))
	assert.Empty(t, FieldMappings{}.Title(map[string]any{"title": "x"}))
}
