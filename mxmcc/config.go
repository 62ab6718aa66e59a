package mxmcc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Chart formats a provider can supply.
const (
	MapTypeBSB     = "bsb"
	MapTypeGeoTIFF = "geotiff"
)

// RegionConfig is one named set of charts of a provider.
type RegionConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Description string `mapstructure:"description"`
	// Charts limits the region to these file names. Empty means every chart
	// in the provider directory.
	Charts []string `mapstructure:"charts"`
}

// ProviderConfig is a hydrographic office and the charts it publishes.
type ProviderConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	// Dir is relative to the charts directory unless absolute. Defaults to Name.
	Dir              string         `mapstructure:"dir"`
	MapType          string         `mapstructure:"map_type" default:"bsb" validate:"oneof=bsb geotiff"`
	CRS              string         `mapstructure:"crs" default:"EPSG:3857"`
	TrustLineNumbers bool           `mapstructure:"trust_line_numbers"`
	Encrypted        bool           `mapstructure:"encrypted"`
	Regions          []RegionConfig `mapstructure:"regions" validate:"dive"`
}

// Config is the mxmcc.toml file.
type Config struct {
	RootDir        string           `mapstructure:"root_dir" validate:"required"`
	Workers        int              `mapstructure:"workers" validate:"gte=0"`
	ZoomLevels     int              `mapstructure:"zoom_levels" default:"1" validate:"gte=1,lte=8"`
	Cutline        bool             `mapstructure:"cutline"`
	OverZoom       bool             `mapstructure:"over_zoom"`
	OverZoomDepth  int              `mapstructure:"over_zoom_depth" default:"6" validate:"gte=1,lte=8"`
	Fill           bool             `mapstructure:"fill"`
	FillDepth      int              `mapstructure:"fill_depth" default:"6" validate:"gte=1,lte=8"`
	PngOptimizer   string           `mapstructure:"png_optimizer"`
	EncryptCommand string           `mapstructure:"encrypt_command"`
	PublishBucket  string           `mapstructure:"publish_bucket"`
	PublishBaseURL string           `mapstructure:"publish_base_url" validate:"omitempty,url"`
	Providers      []ProviderConfig `mapstructure:"providers" validate:"dive"`
}

var envKeys = []string{
	"zoom_levels", "cutline", "over_zoom", "over_zoom_depth", "fill", "fill_depth",
	"png_optimizer", "encrypt_command", "publish_bucket", "publish_base_url",
}

// LoadConfig reads path, or mxmcc.toml from the working directory when path
// is empty. MXMCC_* environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mxmcc")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("MXMCC")
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("root_dir", filepath.Join(home, "mxmcc"))
	v.SetDefault("workers", 0)
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, &ConfigError{Err: err}
		}
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies struct defaults to providers and checks every field.
func (c *Config) Validate() error {
	for i := range c.Providers {
		if err := defaults.Set(&c.Providers[i]); err != nil {
			return &ConfigError{Field: "providers", Err: err}
		}
		if _, err := ParseCRS(c.Providers[i].CRS); err != nil {
			return &ConfigError{Field: "providers.crs", Err: err}
		}
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ConfigError{Field: verrs[0].Namespace(), Err: err}
		}
		return &ConfigError{Err: err}
	}
	seen := map[string]string{}
	for _, p := range c.Providers {
		for _, r := range p.Regions {
			name := normalizeRegion(r.Name)
			if other, ok := seen[name]; ok {
				return &ConfigError{Field: "providers.regions", Err: fmt.Errorf("region %s listed by %s and %s", name, other, p.Name)}
			}
			seen[name] = p.Name
		}
	}
	return nil
}

// WorkerCount is the configured worker count, defaulting to GOMAXPROCS.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Dirs is the directory layout under the root directory.
type Dirs struct {
	Root     string
	Charts   string
	Compiled string
	Tiles    string
	Merged   string
	Unmerged string
	Metadata string
	Catalogs string
}

// Dirs derives the directory layout from RootDir.
func (c *Config) Dirs() Dirs {
	tiles := filepath.Join(c.RootDir, "tiles")
	meta := filepath.Join(c.RootDir, "metadata")
	return Dirs{
		Root:     c.RootDir,
		Charts:   filepath.Join(c.RootDir, "charts"),
		Compiled: filepath.Join(c.RootDir, "compiled"),
		Tiles:    tiles,
		Merged:   filepath.Join(tiles, "merged"),
		Unmerged: filepath.Join(tiles, "unmerged"),
		Metadata: meta,
		Catalogs: filepath.Join(meta, "catalogs"),
	}
}

// ProviderDir is where a provider's charts live.
func (c *Config) ProviderDir(p ProviderConfig) string {
	dir := p.Dir
	if dir == "" {
		dir = p.Name
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Dirs().Charts, dir)
}

func (d Dirs) all() []string {
	return []string{d.Root, d.Charts, d.Compiled, d.Tiles, d.Merged, d.Unmerged, d.Metadata, d.Catalogs}
}

// Check fails with a ConfigError naming the first missing directory.
func (d Dirs) Check() error {
	for _, dir := range d.all() {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			return &ConfigError{Field: "root_dir", Err: fmt.Errorf("%s is not a directory, run setup", dir)}
		}
	}
	return nil
}

// Setup creates the directory layout and one chart directory per provider.
func (c *Config) Setup(logger *zap.Logger) error {
	dirs := c.Dirs().all()
	for _, p := range c.Providers {
		dirs = append(dirs, c.ProviderDir(p))
	}
	for _, dir := range dirs {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			continue
		}
		logger.Info("creating directory", zap.String("dir", dir))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
