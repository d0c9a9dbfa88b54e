package aggregation

import (
	"cmp"
	"crypto/md5" //nolint:gosec // cluster ids are identifiers, not security boundaries
	"encoding/hex"
	"fmt"
	"math"
	"slices"
)

const (
	tileSize = 256
	// Grid cells shrink at zoom 10 so markers separate in dense city views.
	detailZoom        = 10
	coarsePixelRadius = 80
	finePixelRadius   = 40
)

// PixelRadius returns the clustering radius in screen pixels for a zoom level.
func PixelRadius(zoom int) int {
	if zoom < detailZoom {
		return coarsePixelRadius
	}

	return finePixelRadius
}

// CellSize returns the grid cell edge in degrees for a zoom level. Cells at
// zoom z+1 always nest inside cells at zoom z because the size only ever
// divides by a power of two.
func CellSize(zoom int) float64 {
	return float64(PixelRadius(zoom)) * 360 / (tileSize * math.Exp2(float64(zoom)))
}

// Cell returns the grid coordinates of a position. The grid is anchored at
// (-180, -90).
func Cell(lat, lng float64, zoom int) (int, int) {
	size := CellSize(zoom)

	return int(math.Floor((lng + 180) / size)), int(math.Floor((lat + 90) / size))
}

// ClusterID is a stable identifier for one grid cell at one zoom level.
func ClusterID(zoom, cellX, cellY int) string {
	sum := md5.Sum(fmt.Appendf(nil, "%d:%d:%d", zoom, cellX, cellY)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

type cellKey struct{ x, y int }

type accumulator struct {
	latSum, lngSum float64
	count          int
	first          Point
}

// ClusterPoints groups the filtered, in-bounds points by grid cell. Each
// cluster sits at the mean position of its members. Results are ordered by
// descending count, then id.
func ClusterPoints(points []Point, req ClusterRequest) []Cluster {
	cells := make(map[cellKey]*accumulator)

	for _, p := range points {
		if p.Latitude == nil || p.Longitude == nil {
			continue
		}

		lat, lng := *p.Latitude, *p.Longitude

		if !req.Bounds.Contains(lat, lng) || !req.Filter.Matches(p) {
			continue
		}

		x, y := Cell(lat, lng, req.Zoom)
		key := cellKey{x, y}

		acc, ok := cells[key]
		if !ok {
			acc = &accumulator{first: p}
			cells[key] = acc
		}

		acc.latSum += lat
		acc.lngSum += lng
		acc.count++
	}

	clusters := make([]Cluster, 0, len(cells))

	for key, acc := range cells {
		c := Cluster{
			ID:        ClusterID(req.Zoom, key.x, key.y),
			Latitude:  acc.latSum / float64(acc.count),
			Longitude: acc.lngSum / float64(acc.count),
			Count:     acc.count,
		}

		if acc.count == 1 {
			c.EventID = acc.first.EventID
			c.Title = acc.first.Title
		}

		clusters = append(clusters, c)
	}

	slices.SortFunc(clusters, func(a, b Cluster) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return clusters
}
