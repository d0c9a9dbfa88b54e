package aliasing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testResolver() *Resolver {
	return NewResolver(&Config{
		Columns: map[string]string{
			"Breitengrad": "latitude",
			"  ":          "ignored",
			"empty":       "",
		},
		Patterns: []Pattern{
			{Pattern: "geo_{axis}", Canonical: "{axis}"},
			{Pattern: "event {field*}", Canonical: "{field}"},
			{Pattern: "", Canonical: "x"},
			{Pattern: "{bad-name}", Canonical: "x"},
		},
	})
}

func TestResolver_Resolve(t *testing.T) {
	r := testResolver()

	tests := []struct {
		column string
		want   string
	}{
		{"Breitengrad", "latitude"},
		{"BREITENGRAD", "latitude"},
		{" Breitengrad ", "latitude"},
		{"geo_lat", "lat"},
		{"GEO_Lon", "Lon"},
		{"geo_lat_deg", "geo_lat_deg"},
		{"event start date", "start date"},
		{"address", "address"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.column))
		})
	}
}

func TestResolver_SkipsInvalidEntries(t *testing.T) {
	r := testResolver()

	assert.Equal(t, 4, r.Len())

	_, ok := r.Match("empty")
	assert.False(t, ok)
}

func TestResolver_Nil(t *testing.T) {
	var r *Resolver

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, "geo_lat", r.Resolve("geo_lat"))
	assert.Equal(t, 0, NewResolver(nil).Len())
}

func TestResolver_Concurrent(t *testing.T) {
	r := testResolver()

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.Equal(t, "latitude", r.Resolve("breitengrad"))
			assert.Equal(t, "lon", r.Resolve("geo_lon"))
		}()
	}

	wg.Wait()
}
