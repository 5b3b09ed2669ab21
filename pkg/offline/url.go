package offline

import (
	"strconv"
	"strings"

	"github.com/catacombing/charon/pkg/geo"
)

// formatTileURL substitutes {x}, {y}, {z} in urlTmpl with tile's decimal
// coordinates.
func formatTileURL(urlTmpl string, tile geo.TileIndex) string {
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(tile.X),
		"{y}", strconv.Itoa(tile.Y),
		"{z}", strconv.Itoa(tile.Z),
	)
	return r.Replace(urlTmpl)
}
