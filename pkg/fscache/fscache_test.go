package fscache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/catacombing/charon/pkg/geo"
)

func openTestStore(t *testing.T, capacity, cleanupInterval int) *Store {
	t.Helper()
	dir := t.TempDir()
	s := Open(context.Background(), filepath.Join(dir, "storage.sqlite"), capacity, cleanupInterval)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.waitReady(ctx); err != nil {
		t.Fatalf("store did not become ready: %v", err)
	}
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t, 100, 1000)
	ctx := context.Background()
	tile := geo.TileIndex{X: 3, Y: 1, Z: 2}

	if err := s.Insert(ctx, "https://tiles.example/", tile, []byte("png-bytes")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row, ok := s.Get(ctx, "https://tiles.example/", tile)
	if !ok {
		t.Fatal("expected tile to be present")
	}
	if string(row.Data) != "png-bytes" {
		t.Fatalf("got data %q", row.Data)
	}
	if row.AgeSecond < 0 || row.AgeSecond > 5 {
		t.Fatalf("unexpected age: %d", row.AgeSecond)
	}
}

func TestGetMissIsNotError(t *testing.T) {
	s := openTestStore(t, 100, 1000)
	_, ok := s.Get(context.Background(), "https://tiles.example/", geo.TileIndex{X: 9, Y: 9, Z: 9})
	if ok {
		t.Fatal("expected miss for unknown tile")
	}
}

func TestInsertUpsertReplacesData(t *testing.T) {
	s := openTestStore(t, 100, 1000)
	ctx := context.Background()
	tile := geo.TileIndex{X: 0, Y: 0, Z: 1}

	if err := s.Insert(ctx, "ts", tile, []byte("v1")); err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if err := s.Insert(ctx, "ts", tile, []byte("v2")); err != nil {
		t.Fatalf("insert v2: %v", err)
	}

	row, ok := s.Get(ctx, "ts", tile)
	if !ok {
		t.Fatal("expected tile present")
	}
	if string(row.Data) != "v2" {
		t.Fatalf("expected upsert to replace data, got %q", row.Data)
	}
}

func TestCapacityPruneKeepsMostRecentlyAccessed(t *testing.T) {
	// capacity 2, cleanup interval 3: the third insert triggers a prune
	// that should leave only the two most-recently-accessed rows.
	s := openTestStore(t, 2, 3)
	ctx := context.Background()
	ts := "ts"

	a := geo.TileIndex{X: 0, Y: 0, Z: 5}
	b := geo.TileIndex{X: 1, Y: 0, Z: 5}
	c := geo.TileIndex{X: 2, Y: 0, Z: 5}

	if err := s.Insert(ctx, ts, a, []byte("a")); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	// Touch a before b and c are inserted: the touch does not lift a's atime
	// above theirs, so a stays the least recently accessed row.
	if _, ok := s.Get(ctx, ts, a); !ok {
		t.Fatal("expected a present")
	}
	if err := s.Insert(ctx, ts, b, []byte("b")); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if err := s.Insert(ctx, ts, c, []byte("c")); err != nil {
		t.Fatalf("insert c: %v", err)
	}

	if _, ok := s.Get(ctx, ts, b); !ok {
		t.Error("expected b to survive prune")
	}
	if _, ok := s.Get(ctx, ts, c); !ok {
		t.Error("expected c to survive prune")
	}
}

func TestInsertOfflineAndDeleteOffline(t *testing.T) {
	s := openTestStore(t, 100, 1000)
	ctx := context.Background()

	tiles := []OfflineTile{
		{Tile: geo.TileIndex{X: 1, Y: 1, Z: 10}, Data: []byte("t1")},
		{Tile: geo.TileIndex{X: 1, Y: 2, Z: 10}, Data: []byte("t2")},
	}
	if err := s.InsertOffline(ctx, 42, tiles); err != nil {
		t.Fatalf("insert offline: %v", err)
	}

	for _, tl := range tiles {
		if _, ok := s.Get(ctx, OfflineTileServer, tl.Tile); !ok {
			t.Errorf("expected offline tile %+v present", tl.Tile)
		}
	}

	if err := s.DeleteOffline(ctx, 42); err != nil {
		t.Fatalf("delete offline: %v", err)
	}

	for _, tl := range tiles {
		if _, ok := s.Get(ctx, OfflineTileServer, tl.Tile); ok {
			t.Errorf("expected offline tile %+v removed after delete", tl.Tile)
		}
	}
}

func TestDeleteOfflinePreservesTilesReferencedByOtherRegion(t *testing.T) {
	s := openTestStore(t, 100, 1000)
	ctx := context.Background()
	shared := geo.TileIndex{X: 5, Y: 5, Z: 10}

	if err := s.InsertOffline(ctx, 1, []OfflineTile{{Tile: shared, Data: []byte("d")}}); err != nil {
		t.Fatalf("insert offline region 1: %v", err)
	}
	if err := s.InsertOffline(ctx, 2, []OfflineTile{{Tile: shared, Data: []byte("d")}}); err != nil {
		t.Fatalf("insert offline region 2: %v", err)
	}

	if err := s.DeleteOffline(ctx, 1); err != nil {
		t.Fatalf("delete offline region 1: %v", err)
	}

	if _, ok := s.Get(ctx, OfflineTileServer, shared); !ok {
		t.Fatal("expected tile referenced by region 2 to survive region 1's deletion")
	}
}
