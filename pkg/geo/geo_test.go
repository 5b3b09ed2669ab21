package geo

import (
	"math"
	"testing"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestToTileRoundTrip(t *testing.T) {
	tile, off := ToTile(Point{Lat: 51.157800, Lon: 6.865500}, 14)
	if tile != (TileIndex{X: 8504, Y: 5473, Z: 14}) {
		t.Fatalf("unexpected tile: %+v", tile)
	}
	if off.X != 116 || off.Y != 144 {
		t.Fatalf("unexpected offset: %+v", off)
	}

	p := ToGeo(tile, Offset{0, 0})
	if !almostEqual(p.Lat, 51.16556659836182, 1e-9) || !almostEqual(p.Lon, 6.85546875, 1e-9) {
		t.Fatalf("unexpected inverse: %+v", p)
	}
}

func TestToTileRoundTripGeneric(t *testing.T) {
	pts := []Point{
		{Lat: 48.8566, Lon: 2.3522},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 0.0, Lon: 0.0},
		{Lat: 64.1466, Lon: -21.9426},
	}
	for _, p := range pts {
		for z := 0; z <= 18; z++ {
			tile, off := ToTile(p, z)
			back := ToGeo(tile, off)
			// Resolution at this zoom: one tile spans 360/2^z degrees of
			// longitude; allow slack for integer pixel truncation.
			tol := 360.0 / math.Exp2(float64(z)) / TileSize * 2
			if !almostEqual(back.Lon, p.Lon, tol) {
				t.Errorf("z=%d lon round-trip drifted: got %v want %v (tol %v)", z, back.Lon, p.Lon, tol)
			}
		}
	}
}

func TestPolygonTilesSingleTile(t *testing.T) {
	poly := []Point{
		{50.9433676, 6.9443464},
		{50.9433135, 6.9528866},
		{50.9386353, 6.9529724},
		{50.938446, 6.9445181},
		{50.9433676, 6.9443464},
	}
	got := PolygonTiles(15, poly)
	want := []TileIndex{{17016, 10978, 15}}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestPolygonTilesTwoByTwo(t *testing.T) {
	poly := []Point{
		{51.2172606, 6.7505407},
		{51.2169918, 6.7622137},
		{51.2102441, 6.7502832},
		{51.2102172, 6.7617846},
		{51.2172606, 6.7505407},
	}
	got := PolygonTiles(15, poly)
	want := map[TileIndex]bool{
		{16998, 10938, 15}: true,
		{16999, 10938, 15}: true,
		{16998, 10939, 15}: true,
		{16999, 10939, 15}: true,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d tiles, want %d: %+v", len(got), len(want), got)
	}
	for _, tile := range got {
		if !want[tile] {
			t.Errorf("unexpected tile %+v", tile)
		}
	}
}

func TestPolygonTilesRotationInvariant(t *testing.T) {
	poly := []Point{
		{51.2172606, 6.7505407},
		{51.2169918, 6.7622137},
		{51.2102441, 6.7502832},
		{51.2102172, 6.7617846},
		{51.2172606, 6.7505407},
	}
	base := PolygonTiles(15, poly)

	// Rotate the ring's starting point (dropping the duplicated closing
	// point, rotating, then re-closing) and verify the resulting tile set
	// is identical regardless of where the ring starts.
	ring := poly[:len(poly)-1]
	rotated := append(append([]Point{}, ring[2:]...), ring[:2]...)
	rotated = append(rotated, rotated[0])

	got := PolygonTiles(15, rotated)

	baseSet := map[TileIndex]bool{}
	for _, tl := range base {
		baseSet[tl] = true
	}
	if len(got) != len(baseSet) {
		t.Fatalf("rotated enumeration produced %d tiles, want %d", len(got), len(baseSet))
	}
	for _, tl := range got {
		if !baseSet[tl] {
			t.Errorf("rotated enumeration produced unexpected tile %+v", tl)
		}
	}
}

func TestDecodePolyline(t *testing.T) {
	points, err := DecodePolyline("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Point{
		{38.5, -120.2},
		{40.7, -120.95},
		{43.252, -126.453},
	}
	if len(points) != len(want) {
		t.Fatalf("got %d points, want %d", len(points), len(want))
	}
	for i, p := range points {
		if !almostEqual(p.Lat, want[i].Lat, 1e-5) || !almostEqual(p.Lon, want[i].Lon, 1e-5) {
			t.Errorf("point %d: got %+v want %+v", i, p, want[i])
		}
	}
}

func TestEncodeDecodePolylineRoundTrip(t *testing.T) {
	points := []Point{
		{38.5, -120.2},
		{40.7, -120.95},
		{43.252, -126.453},
	}
	encoded := EncodePolyline(points)
	decoded, err := DecodePolyline(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != len(points) {
		t.Fatalf("got %d points, want %d", len(decoded), len(points))
	}
	for i, p := range decoded {
		if !almostEqual(p.Lat, points[i].Lat, 1e-5) || !almostEqual(p.Lon, points[i].Lon, 1e-5) {
			t.Errorf("point %d: got %+v want %+v", i, p, points[i])
		}
	}
}

func TestBorderTilesOmitsOutOfRange(t *testing.T) {
	center := TileIndex{X: 0, Y: 0, Z: 5}
	border := BorderTiles(ScreenSize{W: 256, H: 256}, center, Offset{128, 128}, 1.0)
	for _, tl := range border {
		if tl.X < 0 || tl.Y < 0 {
			t.Errorf("border tile out of range: %+v", tl)
		}
		if !tl.Valid() {
			t.Errorf("invalid border tile: %+v", tl)
		}
	}
}

func TestViewportTilesRowMajorOrder(t *testing.T) {
	center := TileIndex{X: 100, Y: 100, Z: 10}
	tiles := ViewportTiles(ScreenSize{W: 600, H: 400}, center, Offset{128, 128}, 1.0)
	if len(tiles) == 0 {
		t.Fatal("expected at least one tile")
	}
	for i := 1; i < len(tiles); i++ {
		prev, cur := tiles[i-1].Tile, tiles[i].Tile
		if cur.Y < prev.Y || (cur.Y == prev.Y && cur.X < prev.X) {
			t.Fatalf("tiles not in row-major order at index %d: %+v then %+v", i, prev, cur)
		}
	}
}
