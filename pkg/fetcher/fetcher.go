// Package fetcher implements the Tile Fetcher: the per-tile load pipeline
// coupling the Memory Cache, the Filesystem Cache, and a shared HTTP client.
// One Fetcher is shared across the map view.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/catacombing/charon/pkg/charonerr"
	"github.com/catacombing/charon/pkg/fscache"
	"github.com/catacombing/charon/pkg/geo"
	"github.com/catacombing/charon/pkg/memcache"
	"github.com/catacombing/charon/pkg/monitoring"
	"github.com/catacombing/charon/pkg/tracing"
	"github.com/catacombing/charon/pkg/transport"
)

// MaxFSCacheTime is the age beyond which a filesystem-cached tile is served
// immediately but also refreshed in the background.
const MaxFSCacheTime = 7 * 24 * time.Hour

// FailedDownloadDelay is the fixed spacing between retry attempts after a
// failed tile download. The retry policy is intentionally unbounded: there
// is no maximum attempt count.
const FailedDownloadDelay = 3 * time.Second

// notificationBufferSize bounds the completion-notification channel.
const notificationBufferSize = 64

// Fetcher couples the Memory Cache and Filesystem Cache with a tile
// download pipeline.
type Fetcher struct {
	mem    *memcache.Cache
	fs     *fscache.Store
	client *http.Client
	logger *slog.Logger

	mu         sync.RWMutex
	urlTmpl    string
	tileserver string

	group  singleflight.Group
	notify chan geo.TileIndex
}

// New creates a Fetcher backed by mem and fs, fetching tiles from the
// server described by urlTemplate (a URL containing {x}, {y}, {z}
// placeholders). The tileserver key used for FS reads/writes is urlTemplate
// itself.
func New(mem *memcache.Cache, fs *fscache.Store, urlTemplate string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		mem:        mem,
		fs:         fs,
		client:     transport.DefaultClient,
		logger:     logger,
		urlTmpl:    urlTemplate,
		tileserver: urlTemplate,
		notify:     make(chan geo.TileIndex, notificationBufferSize),
	}
}

// Notifications returns the channel on which completed tile indices are
// delivered. Delivery order is completion order, not request order.
func (f *Fetcher) Notifications() <-chan geo.TileIndex {
	return f.notify
}

// SetURLTemplate changes the effective tileserver. Per the pipeline's
// parent-lookup safety rule this clears the Memory Cache; in-flight tasks
// started under the previous tileserver complete and their writes land
// under the previous tileserver key.
func (f *Fetcher) SetURLTemplate(urlTemplate string) {
	f.mu.Lock()
	f.urlTmpl = urlTemplate
	f.tileserver = urlTemplate
	f.mu.Unlock()

	f.mem.Clear()
}

func (f *Fetcher) currentTileserver() (tileserver, urlTmpl string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tileserver, f.urlTmpl
}

// Request begins loading tile if it is not already present in the Memory
// Cache (Loading or Ready). Non-blocking: it inserts a Loading entry and
// returns immediately, dispatching the actual work to a background task.
func (f *Fetcher) Request(tile geo.TileIndex) {
	if f.mem.Contains(tile) {
		monitoring.RecordCacheHit(tracing.CacheTypeMemory)
		return
	}
	monitoring.RecordCacheMiss(tracing.CacheTypeMemory)

	loadCtx, cancel := context.WithCancel(context.Background())
	f.mem.Insert(tile, memcache.Loading(cancel))

	go f.load(loadCtx, tile)
}

func tileKey(tile geo.TileIndex) string {
	return strconv.Itoa(tile.Z) + "/" + strconv.Itoa(tile.X) + "/" + strconv.Itoa(tile.Y)
}

func (f *Fetcher) load(ctx context.Context, tile geo.TileIndex) {
	key := tileKey(tile)
	_, _, _ = f.group.Do(key, func() (any, error) {
		f.loadOnce(ctx, tile)
		return nil, nil
	})
}

// loadOnce executes the per-tile state machine described in the pipeline's
// Tile Fetcher component: FS lookup, then on miss or undecodable data an
// HTTP fetch/insert/decode loop retried with a fixed delay.
func (f *Fetcher) loadOnce(ctx context.Context, tile geo.TileIndex) {
	tileserver, urlTmpl := f.currentTileserver()

	if row, ok := f.fs.Get(ctx, tileserver, tile); ok {
		monitoring.RecordCacheHit(tracing.CacheTypeFS)
		img, err := decode(row.Data)
		if err == nil {
			f.mem.Insert(tile, memcache.Ready(img))
			f.deliver(ctx, tile)

			if row.AgeSecond > int64(MaxFSCacheTime.Seconds()) {
				go f.refreshStale(tileserver, urlTmpl, tile)
			}
			return
		}
		f.logger.Warn("discarding undecodable cached tile", "tile", tile, "error", err)
	} else {
		monitoring.RecordCacheMiss(tracing.CacheTypeFS)
	}

	f.fetchUntilReady(ctx, tileserver, urlTmpl, tile)
}

// fetchUntilReady downloads tile, inserts it into the Filesystem Cache,
// decodes it, and publishes it as Ready, retrying indefinitely on failure
// (network error or undecodable body) spaced by FailedDownloadDelay. It
// returns only once the tile is Ready or ctx is cancelled.
func (f *Fetcher) fetchUntilReady(ctx context.Context, tileserver, urlTmpl string, tile geo.TileIndex) {
	policy := backoff.NewConstantBackOff(FailedDownloadDelay)

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		data, err := f.download(ctx, urlTmpl, tile)
		monitoring.RecordTileFetch(tileserver, time.Since(start), err == nil)
		if err != nil {
			f.logger.Warn("tile download failed", "tile", tile, "error", err)
			if !f.sleep(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		if err := f.fs.Insert(ctx, tileserver, tile, data); err != nil {
			f.logger.Warn("caching tile failed", "tile", tile, "error", err)
		}

		img, err := decode(data)
		if err != nil {
			f.logger.Warn("tile decode failed", "tile", tile, "error", err)
			if !f.sleep(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		f.mem.Insert(tile, memcache.Ready(img))
		f.deliver(ctx, tile)
		return
	}
}

// refreshStale re-downloads a single stale tile and rewrites its FS row.
// It runs on its own background context, independent of tile's Memory Tile
// lifecycle: eviction of the tile from the Memory Cache must not cancel
// this task, so it is not cancelled by anything except the fetch itself
// finishing.
func (f *Fetcher) refreshStale(tileserver, urlTmpl string, tile geo.TileIndex) {
	ctx := context.Background()
	start := time.Now()
	data, err := f.download(ctx, urlTmpl, tile)
	monitoring.RecordTileFetch(tileserver, time.Since(start), err == nil)
	if err != nil {
		f.logger.Warn("stale tile refresh failed", "tile", tile, "error", err)
		return
	}
	if err := f.fs.Insert(ctx, tileserver, tile, data); err != nil {
		f.logger.Warn("stale tile refresh cache write failed", "tile", tile, "error", err)
	}
}

// sleep waits for d or ctx cancellation, returning false if ctx was
// cancelled first.
func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// deliver sends tile on the notification channel, dropping back to ctx
// cancellation so a cancelled load never blocks forever on a full channel.
func (f *Fetcher) deliver(ctx context.Context, tile geo.TileIndex) {
	select {
	case f.notify <- tile:
	case <-ctx.Done():
	}
}

func (f *Fetcher) download(ctx context.Context, urlTmpl string, tile geo.TileIndex) (_ []byte, retErr error) {
	spanCtx, span := tracing.StartSpan(ctx, "fetcher.download",
		trace.WithAttributes(tracing.TileAttributes(urlTmpl, tile.X, tile.Y, tile.Z)...))
	defer func() {
		if retErr != nil {
			tracing.SetAttributes(spanCtx, tracing.ErrorAttributes(retErr)...)
		}
		span.End()
	}()

	url := formatTileURL(urlTmpl, tile)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "building tile request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "fetching tile "+tileKey(tile), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, charonerr.New(charonerr.NetworkFailure, fmt.Sprintf("fetching tile %s: status %d", tileKey(tile), resp.StatusCode))
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, charonerr.Wrap(charonerr.NetworkFailure, "reading tile body", err)
	}
	return buf.Bytes(), nil
}

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

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, charonerr.Wrap(charonerr.InvalidImage, "decoding tile image", err)
	}
	return img, nil
}
