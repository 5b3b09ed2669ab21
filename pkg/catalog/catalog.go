// Package catalog implements the Region Catalog & Download Tracker: an
// immutable tree of downloadable regions parsed from a compile-time
// embedded JSON document, with per-region download state and byte
// counters mutated concurrently without locks.
package catalog

import (
	_ "embed"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/catacombing/charon/pkg/charonerr"
)

//go:embed regions.json
var DefaultCatalogJSON []byte

// FileDescriptor describes a single downloadable dataset file.
type FileDescriptor struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// DownloadState is a region's installation state.
type DownloadState int32

const (
	NoData DownloadState = iota
	Available
	Downloading
	Downloaded
)

func (s DownloadState) String() string {
	switch s {
	case NoData:
		return "NoData"
	case Available:
		return "Available"
	case Downloading:
		return "Downloading"
	case Downloaded:
		return "Downloaded"
	default:
		return "Unknown"
	}
}

// Region is a node in the tree rooted at the World region. The tree and its
// data-source fields are immutable after load; DownloadState and the byte
// counters are the only fields mutated after construction, and are safe for
// concurrent access without external locking.
type Region struct {
	ID   int64
	Name string

	// Path is the catalog's original, un-normalized "/"-separated key for
	// this region, used to address its files on disk. The root has an
	// empty Path.
	Path string

	Parent   *Region
	Children []*Region

	GeocoderNLP   *FileDescriptor
	PostalCountry *FileDescriptor

	downloadState atomic.Int32
	bytesPending  atomic.Int64
	bytesDone     atomic.Int64
}

// DownloadState returns the region's current installation state.
func (r *Region) DownloadState() DownloadState {
	return DownloadState(r.downloadState.Load())
}

// SetDownloadState sets the region's installation state.
func (r *Region) SetDownloadState(s DownloadState) {
	r.downloadState.Store(int32(s))
}

// BytesPending returns the total advertised bytes enqueued by the region's
// most recent download, or 0 if none has started since the last Reset.
func (r *Region) BytesPending() int64 { return r.bytesPending.Load() }

// BytesDone returns the bytes received so far for the region's current
// download.
func (r *Region) BytesDone() int64 { return r.bytesDone.Load() }

// Progress returns bytes_done / bytes_pending as a fraction in [0, 1],
// defined as 0 when bytes_pending is 0.
func (r *Region) Progress() float64 {
	pending := r.bytesPending.Load()
	if pending == 0 {
		return 0
	}
	return float64(r.bytesDone.Load()) / float64(pending)
}

// Reset zeroes both counters, permitting a new download to begin.
func (r *Region) Reset() {
	r.bytesPending.Store(0)
	r.bytesDone.Store(0)
}

// HasData reports whether the region itself has any downloadable file
// descriptors (as opposed to being a pure grouping node like "Europe").
func (r *Region) HasData() bool {
	return r.GeocoderNLP != nil || r.PostalCountry != nil
}

// Catalog is the parsed, immutable region tree plus its global datasets and
// URL configuration.
type Catalog struct {
	root *Region

	URLBase          string
	URLPostalCountry string
	URLPostalGlobal  string
	URLGeocoderNLP   string

	PostalGlobal FileDescriptor

	byID map[int64]*Region
}

// World returns the root of the region tree.
func (c *Catalog) World() *Region { return c.root }

// Lookup returns the region with the given id, or nil.
func (c *Catalog) Lookup(id int64) *Region { return c.byID[id] }

// All returns every region in the tree, in the stable id-assignment order
// established at load (parents before children, siblings in catalog-sorted
// order).
func (c *Catalog) All() []*Region {
	regions := make([]*Region, 0, len(c.byID))
	ids := make([]int64, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		regions = append(regions, c.byID[id])
	}
	return regions
}

type rawURL struct {
	Base          string `json:"base"`
	PostalCountry string `json:"postal_country"`
	PostalGlobal  string `json:"postal_global"`
	GeocoderNLP   string `json:"geocoder_nlp"`
}

type rawPostal struct {
	Global struct {
		PostalGlobal FileDescriptor `json:"postal_global"`
	} `json:"global"`
}

type rawRegion struct {
	Name          string          `json:"name"`
	GeocoderNLP   *FileDescriptor `json:"geocoder_nlp"`
	PostalCountry *FileDescriptor `json:"postal_country"`
}

// Load parses a region catalog JSON document of the form described for the
// Region Catalog component: a "url" object, a "postal" object carrying the
// global postal dataset descriptor, and one region object per remaining
// top-level key, whose key is a "/"-separated path locating it in the tree.
func Load(data []byte) (*Catalog, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "parsing region catalog", err)
	}

	cat := &Catalog{byID: map[int64]*Region{}}

	if raw, ok := doc["url"]; ok {
		var u rawURL
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "parsing catalog url block", err)
		}
		cat.URLBase = u.Base
		cat.URLPostalCountry = u.PostalCountry
		cat.URLPostalGlobal = u.PostalGlobal
		cat.URLGeocoderNLP = u.GeocoderNLP
	}
	if raw, ok := doc["postal"]; ok {
		var p rawPostal
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "parsing catalog postal block", err)
		}
		cat.PostalGlobal = p.Global.PostalGlobal
	}

	root := &Region{Name: "World"}
	cat.byID[0] = root
	root.ID = 0
	cat.root = root
	nextID := int64(1)

	paths := make([]string, 0, len(doc))
	for key := range doc {
		if key == "url" || key == "postal" {
			continue
		}
		paths = append(paths, key)
	}
	sort.Strings(paths)

	nodes := map[string]*Region{"": root}

	for _, path := range paths {
		var raw rawRegion
		if err := json.Unmarshal(doc[path], &raw); err != nil {
			return nil, charonerr.Wrap(charonerr.UnexpectedRoot, "parsing region entry "+path, err)
		}

		node := ensureNodeRec(nodes, path, &nextID, cat)
		node.Name = normalizeRegionName(path, raw.Name)
		node.GeocoderNLP = raw.GeocoderNLP
		node.PostalCountry = raw.PostalCountry

		if node.HasData() {
			node.SetDownloadState(Available)
		}
	}

	return cat, nil
}

// ensureNodeRec returns the node for path, creating it and, recursively, any
// missing ancestors, each with the next free id.
func ensureNodeRec(nodes map[string]*Region, path string, nextID *int64, cat *Catalog) *Region {
	if n, ok := nodes[path]; ok {
		return n
	}
	segments := strings.Split(path, "/")
	parentPath := strings.Join(segments[:len(segments)-1], "/")
	parent := ensureNodeRec(nodes, parentPath, nextID, cat)

	node := &Region{
		ID:     *nextID,
		Name:   segments[len(segments)-1],
		Path:   path,
		Parent: parent,
	}
	*nextID++
	parent.Children = append(parent.Children, node)
	nodes[path] = node
	cat.byID[node.ID] = node
	return node
}

// normalizeRegionName applies the catalog's display-name exceptions: the
// "Europe/" prefix is stripped from the Russian Federation entry (which
// otherwise reads "Europe/Russian Federation" despite spanning both
// continents), and Polish region names are truncated at their first
// parenthesis.
func normalizeRegionName(path, declared string) string {
	name := declared
	if name == "" {
		segments := strings.Split(path, "/")
		name = segments[len(segments)-1]
	}

	if path == "Europe/Russian Federation" {
		name = strings.TrimPrefix(name, "Europe/")
	}

	if strings.HasPrefix(path, "Europe/Poland") {
		if idx := strings.Index(name, "("); idx >= 0 {
			name = strings.TrimSpace(name[:idx])
		}
	}

	return name
}
