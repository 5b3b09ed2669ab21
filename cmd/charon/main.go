// Command charon is a terminal demonstration binary wiring together the
// tile caching and offline region pipeline: it does not render a map, but
// lets the pipeline be exercised and inspected from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catacombing/charon/pkg/catalog"
	"github.com/catacombing/charon/pkg/fetcher"
	"github.com/catacombing/charon/pkg/fscache"
	"github.com/catacombing/charon/pkg/geo"
	"github.com/catacombing/charon/pkg/memcache"
	"github.com/catacombing/charon/pkg/monitoring"
	"github.com/catacombing/charon/pkg/offline"
	"github.com/catacombing/charon/pkg/tracing"
	"github.com/catacombing/charon/pkg/transport"
	ver "github.com/catacombing/charon/pkg/version"
)

var (
	showVersionFlag bool
	debug           bool

	cacheDir       string
	tileServerURL  string
	memCacheTiles  int
	fsCacheTiles   int
	fsCleanupEvery int

	enableMonitoring bool
	monitoringAddr   string
)

func init() {
	flag.BoolVar(&showVersionFlag, "version", false, "Display version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")

	flag.StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "Directory for the tile and region filesystem cache")
	flag.StringVar(&tileServerURL, "tileserver-url", "https://tile.openstreetmap.org/{z}/{x}/{y}.png", "Tile URL template with {x}, {y}, {z} placeholders")
	flag.IntVar(&memCacheTiles, "mem-cache-tiles", 256, "Memory cache capacity, in decoded tiles")
	flag.IntVar(&fsCacheTiles, "fs-cache-tiles", 4096, "Filesystem cache capacity, in encoded tile rows")
	flag.IntVar(&fsCleanupEvery, "fs-cleanup-every", 64, "Run a filesystem cache prune every N inserts")

	flag.BoolVar(&enableMonitoring, "enable-monitoring", true, "Enable Prometheus metrics and health endpoints")
	flag.StringVar(&monitoringAddr, "monitoring-addr", ":9090", "Monitoring server address")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "charon")
	}
	return "./charon-cache"
}

// tileserverCheck probes the tileserver described by urlTmpl by requesting
// the root tile (0/0/0), returning a ConnectionMonitor check function.
func tileserverCheck(urlTmpl string) func() error {
	probeURL := strings.NewReplacer("{x}", "0", "{y}", "0", "{z}", "0").Replace(urlTmpl)
	return func() error {
		return probeURL2xx(probeURL)
	}
}

// catalogServerCheck probes the region catalog's file server at urlBase,
// returning a ConnectionMonitor check function.
func catalogServerCheck(urlBase string) func() error {
	return func() error {
		return probeURL2xx(urlBase)
	}
}

func probeURL2xx(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := transport.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	flag.Parse()

	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()
	shutdownTracing, err := tracing.InitTracing(ctx, ver.BuildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(ctx); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()
	}

	if showVersionFlag {
		fmt.Println(ver.String())
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: charon <fetch-tile|build-offline|download-region|serve> [flags]")
		os.Exit(2)
	}

	var healthChecker *monitoring.HealthChecker
	var monitoringServer *http.Server
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if enableMonitoring {
		healthChecker = monitoring.NewHealthChecker(monitoring.ServiceName, ver.BuildVersion)
		defer healthChecker.Shutdown()

		tileMonitor := monitoring.NewConnectionMonitor(tracing.ServiceTileserver, healthChecker,
			tileserverCheck(tileServerURL), 30*time.Second)
		tileMonitor.Start()
		defer tileMonitor.Stop()

		if cat, err := catalog.Load(catalog.DefaultCatalogJSON); err != nil {
			logger.Error("failed to load region catalog for connection monitoring", "error", err)
		} else {
			catalogMonitor := monitoring.NewConnectionMonitor(tracing.ServiceRegionServer, healthChecker,
				catalogServerCheck(cat.URLBase), 30*time.Second)
			catalogMonitor.Start()
			defer catalogMonitor.Stop()
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", healthChecker.HealthHandler())
		mux.Handle("/readyz", healthChecker.ReadinessHandler())
		mux.Handle("/livez", healthChecker.LivenessHandler())

		monitoringServer = &http.Server{
			Addr:              monitoringAddr,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		}

		go func() {
			logger.Info("starting monitoring server", "addr", monitoringAddr)
			if err := monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitoring server error", "error", err)
			}
		}()
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := monitoringServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown monitoring server", "error", err)
			}
		}()
	}

	var runErr error
	switch args[0] {
	case "fetch-tile":
		runErr = runFetchTile(runCtx, logger, args[1:])
	case "build-offline":
		runErr = runBuildOffline(runCtx, logger, args[1:])
	case "download-region":
		runErr = runDownloadRegion(runCtx, logger, args[1:])
	case "serve":
		logger.Info("serving monitoring endpoints only; no map UI in this binary")
		<-runCtx.Done()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}

	if runErr != nil {
		logger.Error("command failed", "error", runErr)
		os.Exit(1)
	}
}

// runFetchTile exercises the Memory Cache + Filesystem Cache + Tile Fetcher
// pipeline for a single tile, printing a line once it becomes Ready.
func runFetchTile(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("fetch-tile", flag.ExitOnError)
	z := fs.Int("z", 0, "tile zoom level")
	x := fs.Int("x", 0, "tile x coordinate")
	y := fs.Int("y", 0, "tile y coordinate")
	timeout := fs.Duration("timeout", 30*time.Second, "maximum time to wait for the tile")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	store := fscache.Open(ctx, filepath.Join(cacheDir, "storage.sqlite"), fsCacheTiles, fsCleanupEvery)
	defer store.Close(ctx)

	mem := memcache.New(memCacheTiles)
	f := fetcher.New(mem, store, tileServerURL, logger)

	tile := geo.TileIndex{X: *x, Y: *y, Z: *z}
	f.Request(tile)

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	select {
	case got := <-f.Notifications():
		logger.Info("tile ready", "requested", tile, "delivered", got)
	case <-waitCtx.Done():
		return fmt.Errorf("timed out waiting for tile %v: %w", tile, waitCtx.Err())
	}

	return nil
}

// runBuildOffline runs the Offline Archive Builder over a .poly region
// description file, printing the resulting archive path and byte count.
func runBuildOffline(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("build-offline", flag.ExitOnError)
	polyPath := fs.String("polygon", "", "path to a .poly region boundary file")
	outputDir := fs.String("output-dir", ".", "directory to write the region's archive subdirectory into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *polyPath == "" {
		return fmt.Errorf("-polygon is required")
	}

	f, err := os.Open(*polyPath)
	if err != nil {
		return fmt.Errorf("opening polygon file: %w", err)
	}
	defer f.Close()

	region, err := offline.ParsePolygonFile(f)
	if err != nil {
		return fmt.Errorf("parsing polygon file: %w", err)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	builder := offline.NewBuilder(logger)
	result, err := builder.Build(ctx, tileServerURL, filepath.Join(cacheDir, "offline-tiles"), *outputDir, region)
	if err != nil {
		return fmt.Errorf("building offline archive: %w", err)
	}

	logger.Info("offline archive built",
		"region", region.Name,
		"archive", result.ArchivePath,
		"size_bytes", result.TotalBytes,
		"tile_count", result.TileCount)
	return nil
}

// runDownloadRegion exercises the Region Catalog & Download Tracker end to
// end for a single region id from the embedded default catalog.
func runDownloadRegion(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("download-region", flag.ExitOnError)
	regionID := fs.Int64("region-id", -1, "catalog region id to download (see list-regions)")
	list := fs.Bool("list-regions", false, "list every region id and name in the embedded catalog, then exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cat, err := catalog.Load(catalog.DefaultCatalogJSON)
	if err != nil {
		return fmt.Errorf("loading region catalog: %w", err)
	}

	if *list {
		for _, r := range cat.All() {
			fmt.Printf("%6d  %s\n", r.ID, r.Path)
		}
		return nil
	}

	region := cat.Lookup(*regionID)
	if region == nil {
		return fmt.Errorf("unknown region id %d (use -list-regions)", *regionID)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	downloader := catalog.NewDownloader(cacheDir, cat, logger)
	if err := downloader.Download(ctx, region); err != nil {
		return fmt.Errorf("downloading region %q: %w", region.Name, err)
	}

	logger.Info("region downloaded", "region", region.Name, "bytes", region.BytesDone())
	return nil
}
