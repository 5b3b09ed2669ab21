package geo

import (
	"math"
	"sort"
)

// rowRange accumulates the observed [minX, maxX] tile-column span touched by
// any edge passing through a given tile row.
type rowRange struct {
	min, max int
}

// toTileFloat is the continuous (unrounded) version of ToTile, used by the
// polygon rasterizer to interpolate a fractional tile-x position along an
// edge that spans more than one tile row.
func toTileFloat(p Point, z int) (xf, yf float64) {
	lat := math.Max(-maxLatitude, math.Min(maxLatitude, p.Lat))
	n := math.Exp2(float64(z))

	xf = (p.Lon + 180.0) / 360.0 * n
	latRad := lat * math.Pi / 180.0
	yf = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return xf, yf
}

// PolygonTiles yields every tile at zoom z that any edge of polygon may
// intersect. The algorithm is deliberately over-approximate: for each edge
// it records, per tile row the edge passes through, the observed min/max
// tile column, then takes the union of those per-row ranges across all
// edges. This trades a modest number of extra tiles for a simple,
// restartable enumeration — see the design notes for why exactness was not
// pursued. The result is sorted by Y ascending, then X ascending.
func PolygonTiles(z int, polygon []Point) []TileIndex {
	rows := make(map[int]*rowRange)

	record := func(y, x int) {
		if r, ok := rows[y]; ok {
			if x < r.min {
				r.min = x
			}
			if x > r.max {
				r.max = x
			}
		} else {
			rows[y] = &rowRange{min: x, max: x}
		}
	}

	for i := 0; i+1 < len(polygon); i++ {
		p1, p2 := polygon[i], polygon[i+1]
		t1, _ := ToTile(p1, z)
		t2, _ := ToTile(p2, z)

		if t1 == t2 {
			// Degenerate edge: contributes exactly its one tile.
			record(t1.Y, t1.X)
			continue
		}

		if t1.Y == t2.Y {
			// Horizontal in tile space: the edge's row is exactly
			// [min(x1,x2), max(x1,x2)], no interpolation needed.
			lo, hi := t1.X, t2.X
			if lo > hi {
				lo, hi = hi, lo
			}
			record(t1.Y, lo)
			record(t1.Y, hi)
			continue
		}

		xf1, yf1 := toTileFloat(p1, z)
		xf2, yf2 := toTileFloat(p2, z)

		loRow, hiRow := t1.Y, t2.Y
		if loRow > hiRow {
			loRow, hiRow = hiRow, loRow
		}

		for y := loRow; y <= hiRow; y++ {
			switch {
			case y == t1.Y:
				record(y, t1.X)
			case y == t2.Y:
				record(y, t2.X)
			default:
				// Intermediate row: interpolate the edge's x position at
				// this row's vertical midpoint, then round outward by one
				// tile on each side to stay conservative.
				frac := (float64(y) + 0.5 - yf1) / (yf2 - yf1)
				xInterp := xf1 + (xf2-xf1)*frac
				xTile := int(math.Floor(xInterp))
				record(y, xTile-1)
				record(y, xTile+1)
			}
		}
	}

	var ys []int
	for y := range rows {
		ys = append(ys, y)
	}
	sort.Ints(ys)

	var out []TileIndex
	for _, y := range ys {
		r := rows[y]
		for x := r.min; x <= r.max; x++ {
			out = append(out, TileIndex{X: x, Y: y, Z: z})
		}
	}
	return out
}
