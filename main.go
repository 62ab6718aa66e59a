package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/carlmjohnson/versioninfo"
	"github.com/manimaul/mxmcc/mxmcc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Config  string `short:"c" help:"Path to mxmcc.toml." type:"path"`
	Verbose bool   `short:"v" help:"Development logging with debug output."`
	Quiet   bool   `short:"q" help:"Hide progress bars."`

	Setup struct {
	} `cmd:"" help:"Create the directory layout under root_dir."`

	Compile struct {
		Region      string `arg:"" help:"Region to compile."`
		Profile     string `default:"MX_REGION" help:"MX_REGION, MB_REGION, MB_CHARTS or PM_REGION."`
		NoClean     bool   `help:"Keep intermediate tile directories."`
		MetricsAddr string `name:"metrics-addr" help:"Serve /metrics on this address while compiling, e.g. :9090."`
	} `cmd:"" help:"Run every remaining stage of a region build."`

	Catalog struct {
		Region  string `arg:""`
		Geojson string `help:"Also write the chart outlines to this GeoJSON file." type:"path"`
	} `cmd:"" help:"Build and print the chart catalog of a region."`

	Render struct {
		Chart     string `arg:"" help:"Chart file (.kap, .tif, .png with world file)." type:"existingfile"`
		Out       string `arg:"" help:"Output tile directory." type:"path"`
		Zoom      int    `default:"-1" help:"Deepest zoom, defaults to the zoom selected from the chart scale."`
		Levels    int    `default:"1" help:"Number of zoom levels to render."`
		Crs       string `default:"EPSG:3857" help:"CRS of world file referenced images."`
		OverZoom  bool   `help:"Build missing tiles from enlarged ancestors."`
		Cutline   bool   `help:"Mask tiles to the chart outline."`
		TrustRows bool   `help:"Trust KAP row numbers."`
	} `cmd:"" help:"Render one chart into a tile directory."`

	Merge struct {
		Region string `arg:""`
	} `cmd:"" help:"Merge the rendered charts of a region by scale priority."`

	Fill struct {
		Dir   string `arg:"" type:"existingdir"`
		Depth int    `default:"6" help:"Zoom levels an ancestor may be enlarged."`
	} `cmd:"" help:"Fill transparent holes of a tile directory from other zoom levels."`

	Verify struct {
		Region string `arg:""`
	} `cmd:"" help:"Verify the rendered tile directories of a region."`

	Optimize struct {
		Dir     string `arg:"" type:"existingdir"`
		Command string `help:"External optimizer with {in} and {out} placeholders."`
		Workers int    `default:"0" help:"Parallel workers, 0 for one per CPU."`
	} `cmd:"" help:"Write a size optimized copy of a tile directory to <dir>.opt."`

	Checkpoint struct {
		Region  string `arg:""`
		Profile string `default:"MX_REGION"`
		Reset   bool   `help:"Forget the progress of the region."`
	} `cmd:"" help:"Show or reset the stage a region reached."`

	Zoom struct {
		Scale int     `arg:""`
		Lat   float64 `arg:""`
	} `cmd:"" help:"Print the zoom level selected for a chart scale at a latitude."`

	Gemf struct {
		Dir        string `arg:"" type:"existingdir"`
		Out        string `arg:"" type:"path"`
		UID        bool   `name:"uid" help:"Prefix the archive with a random 16 byte uid."`
		AllowEmpty bool   `help:"Cover each zoom with its bounding box, missing tiles stored empty."`
	} `cmd:"" help:"Archive a tile directory as GEMF."`

	Zdat struct {
		Region string `arg:""`
	} `cmd:"" help:"Write the zdat metadata archive of a region."`

	Mbtiles struct {
		Dir string `arg:"" type:"existingdir"`
		Out string `arg:"" type:"path"`
	} `cmd:"" help:"Archive a tile directory as MBTiles."`

	Pmtiles struct {
		Dir string `arg:"" type:"existingdir"`
		Out string `arg:"" type:"path"`
	} `cmd:"" help:"Archive a tile directory as PMTiles."`

	Coverage struct {
		Region string  `arg:""`
		Lat    float64 `arg:""`
		Lon    float64 `arg:""`
	} `cmd:"" help:"List the charts of a region covering a position."`

	Publish struct {
		Region string `arg:""`
		Bucket string `help:"Bucket URL overriding publish_bucket."`
	} `cmd:"" help:"Upload the compiled archives and manifest of a region."`

	Serve struct {
		Dir       string `arg:"" help:"Directory of tile directories and archives." type:"existingdir"`
		Port      int    `default:"8080"`
		Interface string `default:"0.0.0.0"`
		AdminPort int    `name:"admin-port" default:"-1" help:"Serve /metrics on a separate port."`
		Cors      string `help:"Comma separated allowed origins."`
		PublicURL string `name:"public-url" help:"Public base URL of the tile endpoint, e.g. https://example.com"`
		Trace     bool   `help:"Send request traces to the Datadog agent."`
	} `cmd:"" help:"Preview tile directories and archives over HTTP."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func newLogger(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func buildVersion() (string, string) {
	if version != "dev" {
		return version, commit
	}
	return versioninfo.Version, versioninfo.Revision
}

func loadConfig(logger *zap.Logger) *mxmcc.Config {
	cfg, err := mxmcc.LoadConfig(cli.Config)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	return cfg
}

func newCompiler(logger *zap.Logger, metrics *mxmcc.Metrics) *mxmcc.Compiler {
	c, err := mxmcc.NewCompiler(logger, loadConfig(logger), metrics)
	if err != nil {
		logger.Fatal("Failed to prepare compiler", zap.Error(err))
	}
	return c
}

func loadCatalog(logger *zap.Logger, cfg *mxmcc.Config, region string) *mxmcc.Catalog {
	cat, err := mxmcc.LoadCatalog(cfg.Dirs().Catalogs, region)
	if err != nil {
		logger.Fatal("Failed to load catalog, run catalog or compile first", zap.String("region", region), zap.Error(err))
	}
	return cat
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	kctx := kong.Parse(&cli, kong.Name("mxmcc"), kong.Description("Compile raster nautical charts into tile archives."))
	logger := newLogger(cli.Verbose)
	defer logger.Sync()
	mxmcc.SetQuietMode(cli.Quiet)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ver, rev := buildVersion()
	metrics := mxmcc.DefaultMetrics(logger)
	metrics.SetBuildInfo(ver, rev)

	switch kctx.Command() {
	case "setup":
		cfg := loadConfig(logger)
		if err := cfg.Setup(logger); err != nil {
			logger.Fatal("Failed to create directories", zap.Error(err))
		}
		if err := cfg.Dirs().Check(); err != nil {
			logger.Fatal("Directory layout incomplete", zap.Error(err))
		}
	case "compile <region>":
		profile, err := mxmcc.ParseProfile(cli.Compile.Profile)
		if err != nil {
			logger.Fatal("Invalid profile", zap.Error(err))
		}
		if cli.Compile.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				logger.Info("serving metrics", zap.String("addr", cli.Compile.MetricsAddr))
				if err := http.ListenAndServe(cli.Compile.MetricsAddr, mux); err != nil {
					logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
		}
		c := newCompiler(logger, metrics)
		c.Clean = !cli.Compile.NoClean
		start := time.Now()
		final, err := c.Compile(ctx, cli.Compile.Region, profile)
		if err != nil {
			logger.Fatal("Failed to compile region", zap.String("region", cli.Compile.Region), zap.Stringer("checkpoint", final), zap.Error(err))
		}
		logger.Info("compiled region", zap.String("region", cli.Compile.Region), zap.Stringer("checkpoint", final), zap.Duration("elapsed", time.Since(start)))
	case "catalog <region>":
		cfg := loadConfig(logger)
		region, err := cfg.ResolveRegion(cli.Catalog.Region)
		if err != nil {
			logger.Fatal("Failed to resolve region", zap.Error(err))
		}
		paths, err := region.ChartPaths()
		if err != nil {
			logger.Fatal("Failed to list charts", zap.Error(err))
		}
		cat, err := mxmcc.BuildCatalog(logger, region.Name, paths, region.Lookup(), cfg.ZoomLevels)
		if err != nil {
			logger.Fatal("Failed to build catalog", zap.Error(err))
		}
		if err := cat.Save(cfg.Dirs().Catalogs); err != nil {
			logger.Fatal("Failed to save catalog", zap.Error(err))
		}
		if cli.Catalog.Geojson != "" {
			if err := cat.WriteGeoJSON(cli.Catalog.Geojson); err != nil {
				logger.Fatal("Failed to write GeoJSON", zap.Error(err))
			}
		}
		if err := cat.Write(os.Stdout); err != nil {
			logger.Fatal("Failed to print catalog", zap.Error(err))
		}
	case "render <chart> <out>":
		renderChart(ctx, logger, metrics)
	case "merge <region>":
		cfg := loadConfig(logger)
		cat := loadCatalog(logger, cfg, cli.Merge.Region)
		dirs := cfg.Dirs()
		merged := filepath.Join(dirs.Merged, cat.Region)
		opts := mxmcc.MergeOptions{Workers: cfg.WorkerCount(), Metrics: metrics}
		stats, err := mxmcc.MergeCatalog(ctx, logger, cat, filepath.Join(dirs.Unmerged, cat.Region), merged, opts)
		if err != nil {
			logger.Fatal("Failed to merge", zap.Error(err))
		}
		logger.Info("merged", zap.Int("copied", stats.Copied), zap.Int("composited", stats.Composited), zap.Int("underlaid", stats.Underlaid))
		if cfg.Fill {
			if _, err := mxmcc.FillRegion(ctx, logger, merged, mxmcc.FillOptions{Depth: cfg.FillDepth, Workers: cfg.WorkerCount(), Metrics: metrics}); err != nil {
				logger.Fatal("Failed to fill", zap.Error(err))
			}
		}
	case "fill <dir>":
		stats, err := mxmcc.FillRegion(ctx, logger, cli.Fill.Dir, mxmcc.FillOptions{Depth: cli.Fill.Depth, Metrics: metrics})
		if err != nil {
			logger.Fatal("Failed to fill", zap.Error(err))
		}
		logger.Info("filled", zap.Int("examined", stats.Examined), zap.Int("filled", stats.Filled), zap.Int("failed", stats.Failed))
	case "verify <region>":
		cfg := loadConfig(logger)
		cat := loadCatalog(logger, cfg, cli.Verify.Region)
		if err := mxmcc.VerifyCatalog(logger, cat, filepath.Join(cfg.Dirs().Unmerged, cat.Region)); err != nil {
			logger.Fatal("Verification failed", zap.Error(err))
		}
	case "optimize <dir>":
		opts := mxmcc.OptimizeOptions{Command: cli.Optimize.Command, Workers: cli.Optimize.Workers}
		if _, err := mxmcc.OptimizeDir(ctx, logger, cli.Optimize.Dir, opts); err != nil {
			logger.Fatal("Failed to optimize", zap.Error(err))
		}
		if err := mxmcc.VerifyOptimized(logger, cli.Optimize.Dir); err != nil {
			logger.Fatal("Verification failed", zap.Error(err))
		}
	case "checkpoint <region>":
		cfg := loadConfig(logger)
		profile, err := mxmcc.ParseProfile(cli.Checkpoint.Profile)
		if err != nil {
			logger.Fatal("Invalid profile", zap.Error(err))
		}
		store, err := mxmcc.OpenCheckpointStore(cfg.Dirs().Catalogs)
		if err != nil {
			logger.Fatal("Failed to open checkpoint store", zap.Error(err))
		}
		if cli.Checkpoint.Reset {
			if err := store.Reset(cli.Checkpoint.Region, profile); err != nil {
				logger.Fatal("Failed to reset checkpoint", zap.Error(err))
			}
		}
		fmt.Println(store.Get(cli.Checkpoint.Region, profile))
	case "zoom <scale> <lat>":
		fmt.Println(mxmcc.SelectZoom(cli.Zoom.Scale, cli.Zoom.Lat))
	case "gemf <dir> <out>":
		name := filepath.Base(filepath.Clean(cli.Gemf.Dir))
		opts := mxmcc.GemfOptions{AddUID: cli.Gemf.UID, AllowEmpty: cli.Gemf.AllowEmpty}
		if _, err := mxmcc.WriteGemf(logger, []mxmcc.GemfSource{{Name: name, Dir: cli.Gemf.Dir}}, cli.Gemf.Out, opts); err != nil {
			logger.Fatal("Failed to write GEMF", zap.Error(err))
		}
	case "zdat <region>":
		cfg := loadConfig(logger)
		region, err := cfg.ResolveRegion(cli.Zdat.Region)
		if err != nil {
			logger.Fatal("Failed to resolve region", zap.Error(err))
		}
		cat := loadCatalog(logger, cfg, region.Name)
		compiled := cfg.Dirs().Compiled
		opts := mxmcc.ZdatOptions{Epoch: time.Now().Unix(), Custom: region.Custom, Description: region.Description}
		if st, err := os.Stat(mxmcc.GemfPath(compiled, region.Name, region.Encrypted)); err == nil {
			opts.ArchiveSize = st.Size()
		}
		if err := mxmcc.WriteZdat(logger, cat, mxmcc.ZdatPath(compiled, region.Name), opts); err != nil {
			logger.Fatal("Failed to write zdat", zap.Error(err))
		}
		if _, err := mxmcc.WriteUpdateZdat(logger, compiled); err != nil {
			logger.Fatal("Failed to write UPDATE.zdat", zap.Error(err))
		}
	case "mbtiles <dir> <out>":
		tj, err := mxmcc.ReadTileJSON(cli.Mbtiles.Dir)
		if err != nil {
			logger.Warn("no tilejson, metadata left empty", zap.Error(err))
			tj.Name = filepath.Base(filepath.Clean(cli.Mbtiles.Dir))
		}
		if _, err := mxmcc.WriteMBTiles(logger, cli.Mbtiles.Dir, cli.Mbtiles.Out, mxmcc.MBTilesMetadataFromTileJSON(tj)); err != nil {
			logger.Fatal("Failed to write MBTiles", zap.Error(err))
		}
	case "pmtiles <dir> <out>":
		if _, err := mxmcc.WritePMTiles(logger, cli.Pmtiles.Dir, cli.Pmtiles.Out); err != nil {
			logger.Fatal("Failed to write PMTiles", zap.Error(err))
		}
	case "coverage <region> <lat> <lon>":
		cfg := loadConfig(logger)
		cat := loadCatalog(logger, cfg, cli.Coverage.Region)
		for _, e := range cat.Index().ChartsAt(cli.Coverage.Lat, cli.Coverage.Lon) {
			fmt.Printf("%s\t%d\t%d-%d\t%s\n", e.Name, e.Scale, e.MinZoom, e.MaxZoom, e.Path)
		}
	case "publish <region>":
		cfg := loadConfig(logger)
		if cli.Publish.Bucket != "" {
			cfg.PublishBucket = cli.Publish.Bucket
		}
		c, err := mxmcc.NewCompiler(logger, cfg, metrics)
		if err != nil {
			logger.Fatal("Failed to prepare compiler", zap.Error(err))
		}
		if err := c.Publish(ctx, cli.Publish.Region); err != nil {
			logger.Fatal("Failed to publish", zap.Error(err))
		}
	case "serve <dir>":
		opts := serveOptions{
			Addr:      cli.Serve.Interface + ":" + fmt.Sprint(cli.Serve.Port),
			Cors:      cli.Serve.Cors,
			PublicURL: cli.Serve.PublicURL,
			Trace:     cli.Serve.Trace,
			Version:   ver,
		}
		if cli.Serve.AdminPort > 0 {
			opts.AdminAddr = cli.Serve.Interface + ":" + fmt.Sprint(cli.Serve.AdminPort)
		}
		if err := serve(ctx, logger, cli.Serve.Dir, opts, metrics); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case "version":
		fmt.Printf("mxmcc %s, commit %s, built at %s\n", ver, rev, buildDate())
	default:
		panic(kctx.Command())
	}
}

func buildDate() string {
	if date != "unknown" {
		return date
	}
	if versioninfo.LastCommit.IsZero() {
		return date
	}
	return versioninfo.LastCommit.UTC().Format(time.RFC3339)
}

func renderChart(ctx context.Context, logger *zap.Logger, metrics *mxmcc.Metrics) {
	crs, err := mxmcc.ParseCRS(cli.Render.Crs)
	if err != nil {
		logger.Fatal("Invalid CRS", zap.Error(err))
	}
	rc := mxmcc.RasterConfig{CRS: crs, IgnoreLineNumbers: !cli.Render.TrustRows}
	mapType := mxmcc.MapTypeGeoTIFF
	if strings.EqualFold(filepath.Ext(cli.Render.Chart), ".kap") {
		mapType = mxmcc.MapTypeBSB
	}
	cat, err := mxmcc.BuildCatalog(logger, "render", []string{cli.Render.Chart}, mxmcc.LookupForMapType(mapType, rc), cli.Render.Levels)
	if err != nil {
		logger.Fatal("Failed to read chart", zap.Error(err))
	}
	if len(cat.Entries) == 0 {
		logger.Fatal("Chart metadata is not valid", zap.String("chart", cli.Render.Chart))
	}
	entry := cat.Entries[0]
	if cli.Render.Zoom >= 0 {
		entry.MaxZoom = cli.Render.Zoom
		entry.MinZoom = max(0, cli.Render.Zoom-max(1, cli.Render.Levels)+1)
	}
	opts := mxmcc.RenderOptions{OverZoom: cli.Render.OverZoom}
	if cli.Render.Cutline {
		opts.Cutline = entry.Outline
	}
	stats, err := mxmcc.NewRenderer(logger, opts, metrics).RenderChart(ctx, entry, cli.Render.Out, rc)
	if err != nil {
		logger.Fatal("Failed to render chart", zap.Error(err))
	}
	logger.Info("rendered chart",
		zap.String("chart", entry.Name),
		zap.Int("min_zoom", entry.MinZoom),
		zap.Int("max_zoom", entry.MaxZoom),
		zap.Int("written", stats.Written),
		zap.Int("existing", stats.Existing),
		zap.Int("empty", stats.Empty))
}
