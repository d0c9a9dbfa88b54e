package geocoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMapping_LatLonAndAddress(t *testing.T) {
	records := []map[string]any{
		{"Lat": "52.52", "Lng": "13.405", "Address": "Berlin", "title": "a"},
		{"Lat": "48.137", "Lng": "11.575", "Address": "München", "title": "b"},
	}

	m := DetectMapping(records)

	assert.Equal(t, "Lat", m.LatitudePath)
	assert.Equal(t, "Lng", m.LongitudePath)
	assert.Equal(t, "Address", m.AddressPath)
	assert.Equal(t, FormatDecimal, m.Format)
	assert.True(t, m.HasCoordinates())
}

func TestDetectMapping_CombinedColumn(t *testing.T) {
	records := []map[string]any{
		{"coordinates": "52.52, 13.405"},
		{"coordinates": "48.137, 11.575"},
	}

	m := DetectMapping(records)

	assert.Equal(t, "coordinates", m.CombinedPath)
	assert.Empty(t, m.LatitudePath)
}

func TestDetectMapping_GeoJSONGeometry(t *testing.T) {
	records := []map[string]any{
		{"geometry": map[string]any{"type": "Point", "coordinates": []any{13.4, 52.5}}},
	}

	m := DetectMapping(records)

	assert.Equal(t, "geometry", m.GeoJSONPath)
}

func TestDetectMapping_LatitudeWithoutLongitudeIsIgnored(t *testing.T) {
	m := DetectMapping([]map[string]any{{"lat": "1.0"}})

	assert.False(t, m.HasCoordinates())
}

func TestFieldMapping_Merge(t *testing.T) {
	detected := FieldMapping{LatitudePath: "lat", LongitudePath: "lon", AddressPath: "addr"}

	merged := detected.Merge(FieldMapping{AddressPath: "venue.address"})

	assert.Equal(t, "lat", merged.LatitudePath)
	assert.Equal(t, "venue.address", merged.AddressPath)
}

func TestFieldMapping_Extract(t *testing.T) {
	m := FieldMapping{LatitudePath: "lat", LongitudePath: "lon", AddressPath: "venue.address"}

	t.Run("valid coordinate", func(t *testing.T) {
		sig := m.Extract(3, map[string]any{"lat": 52.52, "lon": "13.405"})

		require.NotNil(t, sig.Coordinate)
		assert.Equal(t, 3, sig.Row)
		assert.Equal(t, StatusValid, sig.Status)
	})

	t.Run("swapped axis keeps coordinate and address", func(t *testing.T) {
		sig := m.Extract(0, map[string]any{
			"lat":   "91",
			"lon":   "45",
			"venue": map[string]any{"address": "Alexanderplatz 1, Berlin"},
		})

		require.NotNil(t, sig.Coordinate)
		assert.Equal(t, StatusSwappedAxis, sig.Status)
		assert.Equal(t, "Alexanderplatz 1, Berlin", sig.Address)
	})

	t.Run("unparseable coordinate", func(t *testing.T) {
		sig := m.Extract(0, map[string]any{"lat": "north", "lon": "13"})

		assert.Nil(t, sig.Coordinate)
		assert.Equal(t, StatusInvalid, sig.Status)
		assert.NotEmpty(t, sig.ParseError)
	})

	t.Run("missing coordinate", func(t *testing.T) {
		sig := m.Extract(0, map[string]any{"lat": "", "lon": nil})

		assert.Nil(t, sig.Coordinate)
		assert.Empty(t, sig.Status)
	})

	t.Run("dms values", func(t *testing.T) {
		sig := m.Extract(0, map[string]any{"lat": `40°26'46"N`, "lon": `79°58'56"W`})

		require.NotNil(t, sig.Coordinate)
		assert.InDelta(t, -79.982222, sig.Coordinate.Longitude, 1e-5)
	})
}
