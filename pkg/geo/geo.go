// Package geo implements the tile coordinate model: conversions between
// geographic points and Web-Mercator tile indices, viewport and polygon
// tile enumeration, and the Polyline5 codec used for compact route
// serialization.
package geo

import "math"

// MaxZoom is the highest zoom level the tile coordinate model supports.
const MaxZoom = 19

// TileSize is the nominal edge length of a tile, in logical pixels.
const TileSize = 256

// maxLatitude is the Web-Mercator latitude clamp (beyond this the
// projection diverges).
const maxLatitude = 85.05112878

// TileIndex identifies a single map tile. Zero value is the tile at the
// world's origin at zoom 0.
type TileIndex struct {
	X, Y int
	Z    int
}

// Valid reports whether t falls within the valid tile range for its zoom.
func (t TileIndex) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Parent returns the tile index at zoom t.Z-dz that contains t, and whether
// dz is a valid number of levels to ascend.
func (t TileIndex) Parent(dz int) (TileIndex, bool) {
	if dz <= 0 || dz > t.Z {
		return TileIndex{}, false
	}
	return TileIndex{X: t.X >> uint(dz), Y: t.Y >> uint(dz), Z: t.Z - dz}, true
}

// Point is a WGS-84 geographic coordinate in degrees.
type Point struct {
	Lat, Lon float64
}

// Offset is a sub-tile pixel offset, each axis in [0, TileSize).
type Offset struct {
	X, Y int
}

// ToTile converts a geographic point to a tile index and the sub-tile pixel
// offset of the point within that tile, at zoom z.
func ToTile(p Point, z int) (TileIndex, Offset) {
	lat := math.Max(-maxLatitude, math.Min(maxLatitude, p.Lat))
	n := math.Exp2(float64(z))

	xf := (p.Lon + 180.0) / 360.0 * n
	latRad := lat * math.Pi / 180.0
	yf := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n

	x := int(math.Floor(xf))
	y := int(math.Floor(yf))

	ox := int(math.Floor((xf - math.Floor(xf)) * TileSize))
	oy := int(math.Floor((yf - math.Floor(yf)) * TileSize))

	return TileIndex{X: x, Y: y, Z: z}, Offset{X: ox, Y: oy}
}

// ToGeo is the inverse of ToTile: it produces the geographic point at the
// given sub-tile pixel offset within t's footprint.
func ToGeo(t TileIndex, o Offset) Point {
	n := math.Exp2(float64(t.Z))

	xf := float64(t.X) + float64(o.X)/TileSize
	yf := float64(t.Y) + float64(o.Y)/TileSize

	lon := xf/n*360.0 - 180.0

	latRad := math.Atan(math.Sinh(math.Pi * (1.0 - 2.0*yf/n)))
	lat := latRad * 180.0 / math.Pi

	return Point{Lat: lat, Lon: lon}
}

// Bounds returns the geographic bounding box of tile t: its north-west and
// south-east corners.
func Bounds(t TileIndex) (nw, se Point) {
	nw = ToGeo(t, Offset{0, 0})
	se = ToGeo(TileIndex{X: t.X + 1, Y: t.Y + 1, Z: t.Z}, Offset{0, 0})
	return nw, se
}
