package catalog

import (
	"compress/bzip2"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/catacombing/charon/pkg/charonerr"
	"github.com/catacombing/charon/pkg/monitoring"
	"github.com/catacombing/charon/pkg/tracing"
	"github.com/catacombing/charon/pkg/transport"
)

// Downloader fetches and removes a region's on-disk dataset files, tracking
// per-region progress via the region's own atomic counters.
type Downloader struct {
	client   *http.Client
	logger   *slog.Logger
	cacheDir string
	cat      *Catalog
}

// NewDownloader creates a Downloader rooted at cacheDir (the application's
// cache directory, e.g. "${cache}/charon"), serving files described by cat.
func NewDownloader(cacheDir string, cat *Catalog, logger *slog.Logger) *Downloader {
	return &Downloader{
		client:   transport.DefaultClient,
		logger:   logger,
		cacheDir: cacheDir,
		cat:      cat,
	}
}

func (d *Downloader) geocoderPath(region *Region) string {
	return filepath.Join(d.cacheDir, "geocoder", filepath.FromSlash(region.Path))
}

func (d *Downloader) postalCountryPath(region *Region) string {
	cc := path.Dir(region.PostalCountry.Path)
	return filepath.Join(d.cacheDir, "postal", "countries", cc, "address_parser")
}

func (d *Downloader) postalGlobalPath() string {
	return filepath.Join(d.cacheDir, "postal", "global", "address_parser")
}

// fetchJob is one file this region's download needs, with the filesystem
// destination it decodes into.
type fetchJob struct {
	name string
	url  string
	dest string
}

func (d *Downloader) jobsFor(region *Region) []fetchJob {
	var jobs []fetchJob

	if region.GeocoderNLP != nil {
		jobs = append(jobs, fetchJob{
			name: "geocoder",
			url:  d.cat.URLBase + "/" + region.GeocoderNLP.Path,
			dest: d.geocoderPath(region),
		})
	}
	if region.PostalCountry != nil {
		dest := d.postalCountryPath(region)
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			jobs = append(jobs, fetchJob{
				name: "postal_country",
				url:  d.cat.URLBase + "/" + region.PostalCountry.Path,
				dest: dest,
			})
		}
	}
	if dest := d.postalGlobalPath(); fileMissing(dest) {
		jobs = append(jobs, fetchJob{
			name: "postal_global",
			url:  d.cat.URLBase + "/" + d.cat.PostalGlobal.Path,
			dest: dest,
		})
	}

	return jobs
}

func fileMissing(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// Download concurrently fetches every file region requires: its geocoder
// data, its postal-country data (unless already present on disk for
// another region sharing the same country), and the global postal dataset
// (if absent). Each file streams through a bzip2 decoder into a temp file
// before being renamed into place. If any file fails, the remaining
// in-flight fetches for this call are cancelled via structured
// cancellation; callers are responsible for invoking Delete to clean up
// whatever partial data landed before the failure.
func (d *Downloader) Download(ctx context.Context, region *Region) error {
	jobs := d.jobsFor(region)

	var pending int64
	for _, j := range jobs {
		switch j.name {
		case "geocoder":
			pending += region.GeocoderNLP.Size
		case "postal_country":
			pending += region.PostalCountry.Size
		case "postal_global":
			pending += d.cat.PostalGlobal.Size
		}
	}

	region.Reset()
	region.bytesPending.Store(pending)
	region.SetDownloadState(Downloading)

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return d.fetchOne(gctx, region, j)
		})
	}

	if err := g.Wait(); err != nil {
		region.SetDownloadState(Available)
		monitoring.RecordRegionDownload(false)
		return err
	}

	region.SetDownloadState(Downloaded)
	monitoring.RecordRegionDownload(true)
	return nil
}

func (d *Downloader) fetchOne(ctx context.Context, region *Region, job fetchJob) (retErr error) {
	spanCtx, span := tracing.StartSpan(ctx, "catalog.download_file",
		trace.WithAttributes(tracing.RegionAttributes(region.ID, region.Name)...))
	defer func() {
		if retErr != nil {
			tracing.SetAttributes(spanCtx, tracing.ErrorAttributes(retErr)...)
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.url, nil)
	if err != nil {
		return charonerr.Wrap(charonerr.NetworkFailure, "building request for "+job.name, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return charonerr.Wrap(charonerr.NetworkFailure, "fetching "+job.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return charonerr.New(charonerr.NetworkFailure, "fetching "+job.name+": unexpected status")
	}

	if err := os.MkdirAll(filepath.Dir(job.dest), 0o755); err != nil {
		return charonerr.Wrap(charonerr.UnexpectedRoot, "creating destination directory for "+job.name, err)
	}

	tmpPath := filepath.Join(filepath.Dir(job.dest), "."+uuid.NewString()+".tmp")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return charonerr.Wrap(charonerr.StoreFailure, "creating temp file for "+job.name, err)
	}

	counting := &countingReader{r: bzip2.NewReader(resp.Body), region: region}
	written, err := io.Copy(tmp, counting)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return charonerr.Wrap(charonerr.NetworkFailure, "decoding "+job.name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return charonerr.Wrap(charonerr.StoreFailure, "closing temp file for "+job.name, err)
	}

	if err := os.Rename(tmpPath, job.dest); err != nil {
		os.Remove(tmpPath)
		return charonerr.Wrap(charonerr.StoreFailure, "finalizing "+job.name, err)
	}

	monitoring.RecordRegionDownloadBytes(job.name, written)
	return nil
}

// countingReader wraps a decoder, adding each byte read to region's
// bytes_done counter so progress reflects decoded (not compressed) bytes.
type countingReader struct {
	r      io.Reader
	region *Region
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.region.bytesDone.Add(int64(n))
	}
	return n, err
}

// Delete removes region's geocoder directory and, unless another
// downloaded region still references the same postal-country dataset,
// removes that postal-country directory too. The global postal dataset is
// never removed by Delete.
func (d *Downloader) Delete(region *Region) error {
	if err := os.RemoveAll(d.geocoderPath(region)); err != nil {
		return charonerr.Wrap(charonerr.StoreFailure, "removing geocoder data", err)
	}

	if region.PostalCountry != nil && !d.postalCountryStillReferenced(region) {
		if err := os.RemoveAll(d.postalCountryPath(region)); err != nil {
			return charonerr.Wrap(charonerr.StoreFailure, "removing postal country data", err)
		}
	}

	region.SetDownloadState(Available)
	region.Reset()
	return nil
}

func (d *Downloader) postalCountryStillReferenced(region *Region) bool {
	target := d.postalCountryPath(region)
	for _, other := range d.cat.All() {
		if other == region || other.PostalCountry == nil {
			continue
		}
		if other.DownloadState() != Downloaded {
			continue
		}
		if d.postalCountryPath(other) == target {
			return true
		}
	}
	return false
}

// RefreshDownloadState walks the entire tree, setting each data-bearing
// region's state from the presence of its required files on disk and of
// the global postal dataset. Grouping nodes with no data of their own keep
// NoData.
func (d *Downloader) RefreshDownloadState(cat *Catalog) {
	globalPresent := !fileMissing(d.postalGlobalPath())

	for _, region := range cat.All() {
		if !region.HasData() {
			region.SetDownloadState(NoData)
			continue
		}

		geocoderOK := !fileMissing(d.geocoderPath(region))
		postalOK := region.PostalCountry == nil || !fileMissing(d.postalCountryPath(region))

		switch {
		case geocoderOK && postalOK && globalPresent:
			region.SetDownloadState(Downloaded)
		default:
			region.SetDownloadState(Available)
		}
	}
}
