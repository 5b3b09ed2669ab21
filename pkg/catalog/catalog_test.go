package catalog

import (
	"testing"
)

func TestLoadDefaultCatalog(t *testing.T) {
	cat, err := Load(DefaultCatalogJSON)
	if err != nil {
		t.Fatalf("loading default catalog: %v", err)
	}
	if cat.World() == nil {
		t.Fatal("expected a root region")
	}
	if cat.World().Name != "World" {
		t.Fatalf("got root name %q", cat.World().Name)
	}
	if cat.PostalGlobal.Path == "" {
		t.Fatal("expected a global postal descriptor")
	}
}

func TestLoadBuildsTreeFromPathKeys(t *testing.T) {
	cat, err := Load(DefaultCatalogJSON)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	var europe, germany *Region
	for _, r := range cat.World().Children {
		if r.Name == "Europe" {
			europe = r
		}
	}
	if europe == nil {
		t.Fatal("expected an Europe grouping node under World")
	}
	for _, r := range europe.Children {
		if r.Name == "Germany" {
			germany = r
		}
	}
	if germany == nil {
		t.Fatal("expected a Germany grouping node under Europe")
	}
	if len(germany.Children) != 2 {
		t.Fatalf("expected 2 German regions, got %d", len(germany.Children))
	}
	for _, r := range germany.Children {
		if !r.HasData() {
			t.Errorf("expected leaf region %q to carry data descriptors", r.Name)
		}
	}
}

func TestRussianFederationNameNormalization(t *testing.T) {
	cat, err := Load(DefaultCatalogJSON)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	found := false
	for _, r := range cat.All() {
		if r.Path == "Europe/Russian Federation" {
			found = true
			if r.Name != "Russian Federation" {
				t.Fatalf("got name %q, want %q", r.Name, "Russian Federation")
			}
		}
	}
	if !found {
		t.Fatal("expected the Russian Federation region to be present")
	}
}

func TestPolishNameTruncatedAtParenthesis(t *testing.T) {
	cat, err := Load(DefaultCatalogJSON)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	found := false
	for _, r := range cat.All() {
		if r.Path == "Europe/Poland (historical provinces)" {
			found = true
			if r.Name != "Poland" {
				t.Fatalf("got name %q, want %q", r.Name, "Poland")
			}
		}
	}
	if !found {
		t.Fatal("expected the Polish region to be present")
	}
}

func TestProgressZeroWhenNothingPending(t *testing.T) {
	r := &Region{}
	if got := r.Progress(); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestProgressReflectsCounters(t *testing.T) {
	r := &Region{}
	r.bytesPending.Store(100)
	r.bytesDone.Store(25)
	if got := r.Progress(); got != 0.25 {
		t.Fatalf("got %v, want 0.25", got)
	}
}

func TestResetZeroesCounters(t *testing.T) {
	r := &Region{}
	r.bytesPending.Store(100)
	r.bytesDone.Store(50)
	r.Reset()
	if r.BytesPending() != 0 || r.BytesDone() != 0 {
		t.Fatalf("expected both counters zeroed, got pending=%d done=%d", r.BytesPending(), r.BytesDone())
	}
}
