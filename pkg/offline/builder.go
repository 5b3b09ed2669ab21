// Package offline implements the Offline Archive Builder: given a polygon
// region, it enumerates the tiles intersecting it at every required zoom
// level, downloads (or reuses) each tile, and packs them into a
// gzip-compressed TAR archive alongside a byte-count sibling file.
package offline

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/catacombing/charon/pkg/charonerr"
	"github.com/catacombing/charon/pkg/geo"
	"github.com/catacombing/charon/pkg/monitoring"
	"github.com/catacombing/charon/pkg/tracing"
	"github.com/catacombing/charon/pkg/transport"
)

// offlineCacheType labels the offline tile reuse cache in cache hit/miss
// metrics, distinct from the live Memory Cache and Filesystem Cache.
const offlineCacheType = "offline"

// MaxZoom is the highest zoom level included in an offline archive.
const MaxZoom = 16

// SkipZoom is the zoom level omitted from every archive: the penultimate
// level disproportionately bloats the archive while being interpolable
// from adjacent levels.
const SkipZoom = MaxZoom - 1

// RequestInterval is the fixed delay enforced between tile download
// requests while building an archive, to keep load on the tileserver
// predictable.
const RequestInterval = 25 * time.Millisecond

// archiveFileName and sizeFileName are the fixed names used within each
// region's output directory.
const (
	archiveFileName = "tiles.tar.gz"
	sizeFileName    = "size"
)

// Builder downloads and packs offline tile archives. The builder is
// strictly sequential per region: it issues at most one outstanding HTTP
// request at a time.
type Builder struct {
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewBuilder creates a Builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{
		client:  transport.DefaultClient,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(RequestInterval), 1),
	}
}

// Result describes a completed archive build.
type Result struct {
	ArchivePath string
	SizePath    string
	TotalBytes  int64
	TileCount   int
}

// Build downloads every tile intersecting region at zoom levels [0, MaxZoom]
// excluding SkipZoom, reusing any tile already present under cacheDir, and
// writes the resulting archive and size file into a subdirectory of
// outputDir named after the region. Errors on individual tiles are logged
// and that tile is skipped; the archive is only considered valid once
// finalization succeeds.
func (b *Builder) Build(ctx context.Context, urlTmpl, cacheDir, outputDir string, region *ParsedRegion) (*Result, error) {
	if _, err := os.Stat(outputDir); err != nil {
		return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "output directory does not exist", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "creating tile cache directory", err)
	}

	regionDir := filepath.Join(outputDir, region.Name)
	if err := os.MkdirAll(regionDir, 0o755); err != nil {
		return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "creating region output directory", err)
	}

	archivePath := filepath.Join(regionDir, archiveFileName)
	sizePath := filepath.Join(regionDir, sizeFileName)

	f, err := os.Create(archivePath)
	if err != nil {
		return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "creating archive file", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	var totalBytes int64
	var tileCount int

	for z := 0; z <= MaxZoom; z++ {
		if z == SkipZoom {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		tiles := geo.PolygonTiles(z, region.Polygon)
		for _, tile := range tiles {
			data, err := b.fetchTile(ctx, urlTmpl, cacheDir, tile)
			if err != nil {
				b.logger.Warn("skipping tile in offline archive", "tile", tile, "error", err)
				continue
			}

			name := tarEntryName(tile)
			header := &tar.Header{
				Name: name,
				Mode: 0o644,
				Size: int64(len(data)),
			}
			if err := tw.WriteHeader(header); err != nil {
				return nil, charonerr.Wrap(charonerr.StoreFailure, "writing archive header for "+name, err)
			}
			if _, err := tw.Write(data); err != nil {
				return nil, charonerr.Wrap(charonerr.StoreFailure, "writing archive entry for "+name, err)
			}

			totalBytes += int64(len(data))
			tileCount++
		}
	}

	if err := tw.Close(); err != nil {
		return nil, charonerr.Wrap(charonerr.StoreFailure, "finalizing tar stream", err)
	}
	if err := gz.Close(); err != nil {
		return nil, charonerr.Wrap(charonerr.StoreFailure, "finalizing gzip stream", err)
	}
	if err := f.Close(); err != nil {
		return nil, charonerr.Wrap(charonerr.StoreFailure, "closing archive file", err)
	}

	if err := os.WriteFile(sizePath, []byte(fmt.Sprintf("%d", totalBytes)), 0o644); err != nil {
		return nil, charonerr.Wrap(charonerr.StoreFailure, "writing size file", err)
	}

	return &Result{
		ArchivePath: archivePath,
		SizePath:    sizePath,
		TotalBytes:  totalBytes,
		TileCount:   tileCount,
	}, nil
}

func tarEntryName(tile geo.TileIndex) string {
	return fmt.Sprintf("%d_%d_%d.png", tile.Z, tile.X, tile.Y)
}

// fetchTile returns tile's encoded bytes, reusing a cached copy under
// cacheDir if present, or downloading it, rate-limited to RequestInterval,
// and writing it atomically (temp file + rename) before returning it.
func (b *Builder) fetchTile(ctx context.Context, urlTmpl, cacheDir string, tile geo.TileIndex) ([]byte, error) {
	cachePath := filepath.Join(cacheDir, tarEntryName(tile))

	if data, err := os.ReadFile(cachePath); err == nil {
		monitoring.RecordCacheHit(offlineCacheType)
		return data, nil
	}
	monitoring.RecordCacheMiss(offlineCacheType)

	waitStart := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "waiting for request slot", err)
	}
	if waited := time.Since(waitStart); waited > time.Millisecond {
		monitoring.RecordRateLimitExceeded(tracing.ServiceTileserver)
		monitoring.RecordRateLimitWait(tracing.ServiceTileserver, waited)
	}

	data, err := b.download(ctx, urlTmpl, tile)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(cacheDir, cachePath, data); err != nil {
		b.logger.Warn("caching offline tile to disk failed", "tile", tile, "error", err)
	}

	return data, nil
}

func (b *Builder) download(ctx context.Context, urlTmpl string, tile geo.TileIndex) ([]byte, error) {
	spanCtx, span := tracing.StartSpan(ctx, "offline.download_tile",
		trace.WithAttributes(tracing.TileAttributes(urlTmpl, tile.X, tile.Y, tile.Z)...))
	defer span.End()

	start := time.Now()
	data, err := b.doDownload(ctx, urlTmpl, tile)
	monitoring.RecordTileFetch(urlTmpl, time.Since(start), err == nil)
	if err != nil {
		tracing.SetAttributes(spanCtx, tracing.ErrorAttributes(err)...)
	}
	return data, err
}

func (b *Builder) doDownload(ctx context.Context, urlTmpl string, tile geo.TileIndex) ([]byte, error) {
	url := formatTileURL(urlTmpl, tile)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "building tile request", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "fetching offline tile", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, charonerr.New(charonerr.NetworkFailure, fmt.Sprintf("fetching offline tile: status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "reading offline tile body", err)
	}
	return data, nil
}

// writeAtomic writes data to finalPath by first writing to a uniquely
// named temp file in dir, then renaming it into place.
func writeAtomic(dir, finalPath string, data []byte) error {
	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}
