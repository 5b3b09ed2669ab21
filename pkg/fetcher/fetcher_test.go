package fetcher

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/catacombing/charon/pkg/fscache"
	"github.com/catacombing/charon/pkg/geo"
	"github.com/catacombing/charon/pkg/memcache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *fscache.Store {
	t.Helper()
	s := fscache.Open(context.Background(), filepath.Join(t.TempDir(), "storage.sqlite"), 1000, 1000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Exercise the store once to ensure it is ready before the test uses it.
	if _, ok := s.Get(ctx, "probe", geo.TileIndex{}); ok {
		t.Fatal("unexpected hit on empty store")
	}
	return s
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, c)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

func waitForNotification(t *testing.T, f *Fetcher, timeout time.Duration) geo.TileIndex {
	t.Helper()
	select {
	case tile := <-f.Notifications():
		return tile
	case <-time.After(timeout):
		t.Fatal("timed out waiting for notification")
		return geo.TileIndex{}
	}
}

func TestRequestFetchesDecodesAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(pngBytes(t, color.RGBA{R: 255, A: 255}))
	}))
	defer srv.Close()

	mem := memcache.New(16)
	fs := openStore(t)
	f := New(mem, fs, srv.URL+"/{z}/{x}/{y}.png", testLogger())

	tile := geo.TileIndex{X: 1, Y: 2, Z: 3}
	f.Request(tile)

	got := waitForNotification(t, f, 2*time.Second)
	if got != tile {
		t.Fatalf("notified about %+v, want %+v", got, tile)
	}

	state, ok := mem.Get(tile)
	if !ok {
		t.Fatal("expected tile in memory cache")
	}
	if _, ready := state.Image(); !ready {
		t.Fatal("expected tile to be Ready")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one HTTP request, got %d", hits)
	}

	if _, ok := fs.Get(context.Background(), srv.URL+"/{z}/{x}/{y}.png", tile); !ok {
		t.Fatal("expected tile to be written to the filesystem cache")
	}
}

func TestRequestServesFreshFromFSCacheWithoutNetworkFetch(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(pngBytes(t, color.RGBA{G: 255, A: 255}))
	}))
	defer srv.Close()

	mem := memcache.New(16)
	fs := openStore(t)
	urlTmpl := srv.URL + "/{z}/{x}/{y}.png"
	tile := geo.TileIndex{X: 4, Y: 5, Z: 6}

	if err := fs.Insert(context.Background(), urlTmpl, tile, pngBytes(t, color.RGBA{B: 255, A: 255})); err != nil {
		t.Fatalf("seeding fs cache: %v", err)
	}

	f := New(mem, fs, urlTmpl, testLogger())
	f.Request(tile)

	waitForNotification(t, f, 2*time.Second)

	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no network fetch for a fresh cached tile, got %d hits", hits)
	}
}

func TestRequestIgnoresAlreadyLoadingTile(t *testing.T) {
	mem := memcache.New(16)
	fs := openStore(t)
	tile := geo.TileIndex{X: 0, Y: 0, Z: 1}

	cancelled := false
	mem.Insert(tile, memcache.Loading(func() { cancelled = true }))

	f := New(mem, fs, "http://unused/{z}/{x}/{y}.png", testLogger())
	f.Request(tile)

	select {
	case <-f.Notifications():
		t.Fatal("did not expect a notification for an already-loading tile")
	case <-time.After(100 * time.Millisecond):
	}
	if cancelled {
		t.Fatal("did not expect the original loading task to be cancelled")
	}
}

func TestFormatTileURL(t *testing.T) {
	got := formatTileURL("https://tiles.example/{z}/{x}/{y}.png", geo.TileIndex{X: 3, Y: 7, Z: 12})
	want := "https://tiles.example/12/3/7.png"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
