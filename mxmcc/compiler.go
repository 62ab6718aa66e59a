package mxmcc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"
)

// Profile selects which archives a compile run produces.
type Profile string

const (
	// ProfileMXRegion builds the GEMF archive and zdat metadata of a region.
	ProfileMXRegion Profile = "MX_REGION"
	// ProfileMBRegion builds one MBTiles archive for a region.
	ProfileMBRegion Profile = "MB_REGION"
	// ProfileMBCharts builds one MBTiles archive per chart.
	ProfileMBCharts Profile = "MB_CHARTS"
	// ProfilePMRegion builds one PMTiles archive for a region.
	ProfilePMRegion Profile = "PM_REGION"
)

// Profiles lists every known profile.
var Profiles = []Profile{ProfileMXRegion, ProfileMBRegion, ProfileMBCharts, ProfilePMRegion}

// ParseProfile maps a case insensitive name to a profile. Empty is
// ProfileMXRegion.
func ParseProfile(s string) (Profile, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ProfileMXRegion, nil
	}
	for _, p := range Profiles {
		if string(p) == s {
			return p, nil
		}
	}
	return "", &ConfigError{Field: "profile", Err: fmt.Errorf("unknown profile %q", s)}
}

// Compiler runs the stages of a region build, skipping every stage the
// checkpoint store records as done.
type Compiler struct {
	logger  *zap.Logger
	cfg     *Config
	dirs    Dirs
	store   *CheckpointStore
	metrics *Metrics

	// Encryptor protects the tiles of encrypted providers. Defaults to a
	// CommandEncryptor running the configured encrypt_command.
	Encryptor Encryptor
	// Clean removes the intermediate tile directories of a region once its
	// archive is built.
	Clean bool

	now func() time.Time
}

// NewCompiler checks the directory layout of cfg and opens its checkpoint
// store. metrics may be nil.
func NewCompiler(logger *zap.Logger, cfg *Config, metrics *Metrics) (*Compiler, error) {
	dirs := cfg.Dirs()
	if err := dirs.Check(); err != nil {
		return nil, err
	}
	store, err := OpenCheckpointStore(dirs.Catalogs)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	return &Compiler{
		logger:    logger,
		cfg:       cfg,
		dirs:      dirs,
		store:     store,
		metrics:   metrics,
		Encryptor: CommandEncryptor{Logger: logger, Command: cfg.EncryptCommand},
		Clean:     true,
		now:       time.Now,
	}, nil
}

// Store is the checkpoint store the compiler records progress in.
func (c *Compiler) Store() *CheckpointStore {
	return c.store
}

// stage runs fn unless region already reached stage under profile.
func (c *Compiler) stage(region string, profile Profile, stage Checkpoint, fn func() error) error {
	if c.store.Get(region, profile) >= stage {
		c.logger.Info("skipping checkpoint", zap.String("region", region), zap.Stringer("stage", stage))
		return nil
	}
	c.logger.Info("running stage", zap.String("region", region), zap.Stringer("stage", stage), zap.String("profile", string(profile)))
	tracker := c.metrics.startStage(stage)
	err := fn()
	tracker.finish(err)
	if err != nil {
		return &StageError{Stage: stage, Region: region, Err: err}
	}
	if err := c.store.Clear(region, profile, stage); err != nil {
		return &StageError{Stage: stage, Region: region, Err: fmt.Errorf("saving checkpoint: %w", err)}
	}
	return nil
}

// Compile builds region under profile and returns the checkpoint reached.
func (c *Compiler) Compile(ctx context.Context, name string, profile Profile) (Checkpoint, error) {
	region, err := c.cfg.ResolveRegion(name)
	if err != nil {
		return CheckpointNotStarted, err
	}
	r := region.Name
	unmerged := filepath.Join(c.dirs.Unmerged, r)
	merged := filepath.Join(c.dirs.Merged, r)

	steps := []func() error{
		func() error { return c.stage(r, profile, CheckpointCatalog, func() error { return c.buildCatalog(region) }) },
		func() error { return c.stage(r, profile, CheckpointTileVerify, func() error { return c.renderTiles(ctx, region) }) },
	}
	switch profile {
	case ProfileMXRegion, ProfileMBRegion, ProfilePMRegion:
		steps = append(steps,
			func() error { return c.stage(r, profile, CheckpointMerge, func() error { return c.mergeTiles(ctx, region) }) },
			func() error { return c.stage(r, profile, CheckpointOpt, func() error { return c.optimize(ctx, merged) }) },
		)
	case ProfileMBCharts:
		steps = append(steps, func() error {
			return c.stage(r, profile, CheckpointOpt, func() error {
				if err := skipZoom(c.logger, unmerged); err != nil {
					return err
				}
				return c.optimize(ctx, unmerged)
			})
		})
	default:
		return CheckpointNotStarted, &ConfigError{Field: "profile", Err: fmt.Errorf("unknown profile %q", profile)}
	}

	switch profile {
	case ProfileMXRegion:
		if region.Encrypted {
			steps = append(steps, func() error {
				return c.stage(r, profile, CheckpointEncrypted, func() error {
					return c.Encryptor.Encrypt(ctx, r, OptimizedDir(merged), EncryptedDir(c.dirs.Merged, r))
				})
			})
		}
		steps = append(steps,
			func() error { return c.stage(r, profile, CheckpointArchive, func() error { return c.buildGemf(region) }) },
			func() error { return c.stage(r, profile, CheckpointMetadata, func() error { return c.buildZdat(region) }) },
		)
		if c.cfg.PublishBucket != "" {
			steps = append(steps, func() error {
				return c.stage(r, profile, CheckpointPublished, func() error { return c.Publish(ctx, r) })
			})
		}
	case ProfileMBRegion:
		steps = append(steps, func() error {
			return c.stage(r, profile, CheckpointArchive, func() error { return c.buildRegionMBTiles(region) })
		})
	case ProfilePMRegion:
		steps = append(steps, func() error {
			return c.stage(r, profile, CheckpointArchive, func() error { return c.buildRegionPMTiles(region) })
		})
	case ProfileMBCharts:
		steps = append(steps,
			func() error { return c.stage(r, profile, CheckpointArchive, func() error { return c.buildChartMBTiles(r) }) },
			func() error { return c.stage(r, profile, CheckpointMetadata, func() error { return c.buildChartManifest(ctx, r) }) },
		)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return c.store.Get(r, profile), err
		}
		if err := step(); err != nil {
			return c.store.Get(r, profile), err
		}
	}

	final := c.store.Get(r, profile)
	c.logger.Info("final checkpoint", zap.String("region", r), zap.Stringer("checkpoint", final))
	if c.Clean && final > CheckpointEncrypted {
		if err := cleanup(c.logger, r, c.dirs.Unmerged); err != nil {
			return final, err
		}
		if err := cleanup(c.logger, r, c.dirs.Merged); err != nil {
			return final, err
		}
	}
	return final, nil
}

func (c *Compiler) buildCatalog(region Region) error {
	paths, err := region.ChartPaths()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no charts found in %s", region.Dir)
	}
	cat, err := BuildCatalog(c.logger, region.Name, paths, region.Lookup(), c.cfg.ZoomLevels)
	if err != nil {
		return err
	}
	if len(cat.Entries) == 0 {
		return fmt.Errorf("no valid charts found in %s", region.Dir)
	}
	if err := cat.Save(c.dirs.Catalogs); err != nil {
		return err
	}
	return cat.WriteGeoJSON(filepath.Join(c.dirs.Catalogs, region.Name+".geojson"))
}

func (c *Compiler) renderTiles(ctx context.Context, region Region) error {
	cat, err := LoadCatalog(c.dirs.Catalogs, region.Name)
	if err != nil {
		return err
	}
	dir := filepath.Join(c.dirs.Unmerged, region.Name)
	results := RenderCatalog(ctx, c.logger, cat.Entries, dir, RenderCatalogOptions{
		Workers: c.cfg.WorkerCount(),
		Raster:  region.Raster,
		Render:  RenderOptions{OverZoom: c.cfg.OverZoom, OverZoomDepth: c.cfg.OverZoomDepth},
		Cutline: c.cfg.Cutline,
		Metrics: c.metrics,
	})
	if err := RenderErrors(results); err != nil {
		c.logger.Warn("some charts failed to render", zap.String("region", region.Name), zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return VerifyCatalog(c.logger, cat, dir)
}

func (c *Compiler) mergeTiles(ctx context.Context, region Region) error {
	cat, err := LoadCatalog(c.dirs.Catalogs, region.Name)
	if err != nil {
		return err
	}
	merged := filepath.Join(c.dirs.Merged, region.Name)
	stats, err := MergeCatalog(ctx, c.logger, cat, filepath.Join(c.dirs.Unmerged, region.Name), merged, MergeOptions{
		Workers: c.cfg.WorkerCount(),
		Metrics: c.metrics,
	})
	if err != nil {
		return err
	}
	c.logger.Info("merged region", zap.String("region", region.Name), zap.Int("copied", stats.Copied), zap.Int("composited", stats.Composited+stats.Underlaid))
	if !c.cfg.Fill {
		return nil
	}
	fill, err := FillRegion(ctx, c.logger, merged, FillOptions{Depth: c.cfg.FillDepth, Workers: c.cfg.WorkerCount(), Metrics: c.metrics})
	if err != nil {
		return err
	}
	c.logger.Info("filled region", zap.String("region", region.Name), zap.Int("filled", fill.Filled), zap.Int("examined", fill.Examined))
	return nil
}

func (c *Compiler) optimize(ctx context.Context, dir string) error {
	stats, err := OptimizeDir(ctx, c.logger, dir, OptimizeOptions{Command: c.cfg.PngOptimizer, Workers: c.cfg.WorkerCount()})
	if err != nil {
		return err
	}
	c.logger.Info("optimized tiles",
		zap.String("dir", dir),
		zap.Int64("files", stats.Files),
		zap.String("before", humanize.Bytes(uint64(stats.BytesIn))),
		zap.String("after", humanize.Bytes(uint64(stats.BytesOut))))
	return VerifyOptimized(c.logger, dir)
}

// archiveSource is the merged tile tree a region archive is built from.
func (c *Compiler) archiveSource(region Region) string {
	if region.Encrypted {
		return EncryptedDir(c.dirs.Merged, region.Name)
	}
	return OptimizedDir(filepath.Join(c.dirs.Merged, region.Name))
}

func (c *Compiler) buildGemf(region Region) error {
	src := c.archiveSource(region)
	out := GemfPath(c.dirs.Compiled, filepath.Base(src), region.Encrypted)
	_, err := WriteGemf(c.logger, []GemfSource{{Name: region.Name, Dir: src}}, out, GemfOptions{AddUID: region.Encrypted})
	return err
}

func (c *Compiler) buildZdat(region Region) error {
	cat, err := LoadCatalog(c.dirs.Catalogs, region.Name)
	if err != nil {
		return err
	}
	opts := ZdatOptions{Epoch: c.now().Unix(), Custom: region.Custom, Description: region.Description}
	if st, err := os.Stat(GemfPath(c.dirs.Compiled, region.Name, region.Encrypted)); err == nil {
		opts.ArchiveSize = st.Size()
	}
	if err := WriteZdat(c.logger, cat, ZdatPath(c.dirs.Compiled, region.Name), opts); err != nil {
		return err
	}
	_, err = WriteUpdateZdat(c.logger, c.dirs.Compiled)
	return err
}

func (c *Compiler) openPublisher(ctx context.Context) (*Publisher, error) {
	return OpenPublisher(ctx, c.logger, c.cfg.PublishBucket, "")
}

// Publish timestamps the compiled region archives, merges them into the
// published manifest and uploads archives, UPDATE.zdat and manifest.
func (c *Compiler) Publish(ctx context.Context, region string) error {
	if c.cfg.PublishBucket == "" {
		return &ConfigError{Field: "publish_bucket", Err: fmt.Errorf("required to publish")}
	}
	region = normalizeRegion(region)
	p, err := c.openPublisher(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	base, err := p.RemoteManifest(ctx, ManifestName)
	if err != nil {
		return fmt.Errorf("reading published manifest: %w", err)
	}
	local, err := LoadManifest(filepath.Join(c.dirs.Compiled, ManifestName))
	if err != nil {
		return err
	}
	base.Merge(local)
	_, files, err := BuildManifest(c.logger, c.dirs.Compiled, c.cfg.PublishBaseURL, base)
	if err != nil {
		return err
	}
	if update := filepath.Join(c.dirs.Compiled, UpdateZdatName); fileExists(update) {
		if _, err := p.UploadFile(ctx, update, UpdateZdatName, UploadOptions{Overwrite: true, CacheControl: "no-cache"}); err != nil {
			return err
		}
	}
	stats, err := p.Publish(ctx, region, files, filepath.Join(c.dirs.Compiled, ManifestName))
	if err != nil {
		return err
	}
	c.logger.Info("published region", zap.String("region", region), zap.Int("uploaded", stats.Uploaded), zap.Int("skipped", stats.Skipped))
	return nil
}

func (c *Compiler) regionTileJSON(region Region, dir string) TileJSON {
	tj, err := ReadTileJSON(dir)
	if err != nil {
		c.logger.Warn("tile directory has no tilejson", zap.String("dir", dir), zap.Error(err))
		tj = TileJSON{Name: region.Name}
	}
	if tj.Description == "" {
		tj.Description = region.Description
	}
	return tj
}

func (c *Compiler) buildRegionMBTiles(region Region) error {
	src := OptimizedDir(filepath.Join(c.dirs.Merged, region.Name))
	meta := MBTilesMetadataFromTileJSON(c.regionTileJSON(region, src))
	_, err := WriteMBTiles(c.logger, src, filepath.Join(c.dirs.Compiled, region.Name+".mbtiles"), meta)
	return err
}

func (c *Compiler) buildRegionPMTiles(region Region) error {
	src := OptimizedDir(filepath.Join(c.dirs.Merged, region.Name))
	_, err := WritePMTiles(c.logger, src, filepath.Join(c.dirs.Compiled, region.Name+".pmtiles"))
	return err
}

// ChartArchiveName is the MBTiles file name of a per chart archive.
func ChartArchiveName(chart string) string {
	return strcase.ToSnake(chart) + ".mbtiles"
}

func (c *Compiler) buildChartMBTiles(region string) error {
	dir := OptimizedDir(filepath.Join(c.dirs.Unmerged, region))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		chartDir := filepath.Join(dir, e.Name())
		tj, err := ReadTileJSON(chartDir)
		if err != nil {
			tj = TileJSON{Name: e.Name()}
		}
		n, size, err := ChartTileStats(chartDir)
		if err != nil {
			return err
		}
		c.logger.Info("archiving chart", zap.String("chart", e.Name()), zap.Int("tiles", n), zap.String("size", humanize.Bytes(uint64(size))))
		out := filepath.Join(c.dirs.Compiled, ChartArchiveName(e.Name()))
		if _, err := WriteMBTiles(c.logger, chartDir, out, MBTilesMetadataFromTileJSON(tj)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) buildChartManifest(ctx context.Context, region string) error {
	_, files, err := BuildChartManifest(c.logger, c.dirs.Compiled, c.cfg.PublishBaseURL)
	if err != nil {
		return err
	}
	if c.cfg.PublishBucket == "" {
		return nil
	}
	p, err := c.openPublisher(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	stats, err := p.Publish(ctx, region, files, filepath.Join(c.dirs.Compiled, ChartManifestName))
	if err != nil {
		return err
	}
	c.logger.Info("published charts", zap.String("region", region), zap.Int("uploaded", stats.Uploaded), zap.Int("skipped", stats.Skipped))
	return nil
}

// skipZoom drops every other zoom level of each chart in dir when the two
// deepest levels are adjacent, keeping the deepest.
func skipZoom(logger *zap.Logger, dir string) error {
	charts, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, chart := range charts {
		if !chart.IsDir() {
			continue
		}
		chartDir := filepath.Join(dir, chart.Name())
		zooms, err := ZoomDirs(chartDir)
		if err != nil {
			return err
		}
		n := len(zooms)
		if n < 2 || zooms[n-1]-zooms[n-2] != 1 {
			continue
		}
		for i := n - 2; i >= 0; i -= 2 {
			logger.Debug("skipping zoom", zap.String("chart", chart.Name()), zap.Int("zoom", zooms[i]))
			if err := os.RemoveAll(filepath.Join(chartDir, fmt.Sprint(zooms[i]))); err != nil {
				return err
			}
		}
	}
	return nil
}

// cleanup removes every entry of baseDir whose name contains region.
func cleanup(logger *zap.Logger, region, baseDir string) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !strings.Contains(e.Name(), region) {
			continue
		}
		path := filepath.Join(baseDir, e.Name())
		n, size, _ := ChartTileStats(path)
		logger.Info("cleaning", zap.String("path", path), zap.Int("tiles", n), zap.String("size", humanize.Bytes(uint64(size))))
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
