package geo

import "math"

// ScreenSize is the viewport's pixel dimensions.
type ScreenSize struct {
	W, H int
}

// ScreenPoint is a pixel position within the viewport, top-left origin.
type ScreenPoint struct {
	X, Y float64
}

// VisibleTile pairs a tile index with the screen-space pixel position of
// its north-west corner.
type VisibleTile struct {
	Tile   TileIndex
	Screen ScreenPoint
}

// tileRange computes the inclusive [minX,maxX] x [minY,maxY] tile range that
// the given viewport intersects, along with the world-pixel position of the
// viewport's top-left corner (used to translate tiles into screen space).
func tileRange(screen ScreenSize, center TileIndex, centerOffset Offset, scale float64) (minX, maxX, minY, maxY int, topLeftX, topLeftY float64) {
	tileSize := TileSize * scale

	centerPxX := (float64(center.X)*TileSize + float64(centerOffset.X)) * scale
	centerPxY := (float64(center.Y)*TileSize + float64(centerOffset.Y)) * scale

	topLeftX = centerPxX - float64(screen.W)/2
	topLeftY = centerPxY - float64(screen.H)/2
	bottomRightX := centerPxX + float64(screen.W)/2
	bottomRightY := centerPxY + float64(screen.H)/2

	minX = int(math.Floor(topLeftX / tileSize))
	maxX = int(math.Floor((bottomRightX - 1) / tileSize))
	minY = int(math.Floor(topLeftY / tileSize))
	maxY = int(math.Floor((bottomRightY - 1) / tileSize))

	return minX, maxX, minY, maxY, topLeftX, topLeftY
}

// clampRange restricts [lo,hi] to the valid tile coordinate range [0, n) at
// zoom z, returning ok=false if the range falls entirely outside it.
func clampRange(lo, hi, n int) (int, int, bool) {
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	if lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

// ViewportTiles yields every tile that intersects the viewport described by
// screen, center, centerOffset and scale, in row-major order starting from
// the top-left. scale is the sub-tile zoom factor, expected in (0.5, 2.0).
func ViewportTiles(screen ScreenSize, center TileIndex, centerOffset Offset, scale float64) []VisibleTile {
	minX, maxX, minY, maxY, topLeftX, topLeftY := tileRange(screen, center, centerOffset, scale)

	n := 1 << uint(center.Z)
	minX, maxX, okX := clampRange(minX, maxX, n)
	minY, maxY, okY := clampRange(minY, maxY, n)
	if !okX || !okY {
		return nil
	}

	tileSize := TileSize * scale
	tiles := make([]VisibleTile, 0, (maxY-minY+1)*(maxX-minX+1))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			sx := float64(x)*tileSize - topLeftX
			sy := float64(y)*tileSize - topLeftY
			tiles = append(tiles, VisibleTile{
				Tile:   TileIndex{X: x, Y: y, Z: center.Z},
				Screen: ScreenPoint{X: sx, Y: sy},
			})
		}
	}
	return tiles
}

// BorderTiles yields the one-tile ring immediately surrounding the viewport
// described by screen, center, centerOffset and scale, clipped to the valid
// tile range. Used for predictive prefetch.
func BorderTiles(screen ScreenSize, center TileIndex, centerOffset Offset, scale float64) []TileIndex {
	minX, maxX, minY, maxY, _, _ := tileRange(screen, center, centerOffset, scale)

	n := 1 << uint(center.Z)
	ringMinX, ringMaxX, okX := clampRange(minX-1, maxX+1, n)
	ringMinY, ringMaxY, okY := clampRange(minY-1, maxY+1, n)
	if !okX || !okY {
		return nil
	}

	innerMinX, innerMaxX, hasInnerX := clampRange(minX, maxX, n)
	innerMinY, innerMaxY, hasInnerY := clampRange(minY, maxY, n)

	var border []TileIndex
	for y := ringMinY; y <= ringMaxY; y++ {
		for x := ringMinX; x <= ringMaxX; x++ {
			if hasInnerX && hasInnerY && x >= innerMinX && x <= innerMaxX && y >= innerMinY && y <= innerMaxY {
				continue
			}
			border = append(border, TileIndex{X: x, Y: y, Z: center.Z})
		}
	}
	return border
}
