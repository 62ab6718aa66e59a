package mxmcc

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Region is a resolved chart set: a configured region of a provider or a
// custom region found as a directory under the charts directory.
type Region struct {
	Name        string
	Description string
	Dir         string
	MapType     string
	Charts      []string
	Encrypted   bool
	Custom      bool
	Raster      RasterConfig
}

func normalizeRegion(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ResolveRegion finds region in the configured providers, falling back to a
// directory of that name anywhere under the charts directory.
func (c *Config) ResolveRegion(name string) (Region, error) {
	name = normalizeRegion(name)
	for _, p := range c.Providers {
		for _, r := range p.Regions {
			if normalizeRegion(r.Name) != name {
				continue
			}
			crs, err := ParseCRS(p.CRS)
			if err != nil {
				return Region{}, &ConfigError{Field: "providers.crs", Err: err}
			}
			return Region{
				Name:        name,
				Description: r.Description,
				Dir:         c.ProviderDir(p),
				MapType:     p.MapType,
				Charts:      r.Charts,
				Encrypted:   p.Encrypted,
				Raster:      RasterConfig{CRS: crs, IgnoreLineNumbers: !p.TrustLineNumbers},
			}, nil
		}
	}
	dir, err := findCustomRegionDir(c.Dirs().Charts, name)
	if err != nil {
		return Region{}, err
	}
	return Region{
		Name:        name,
		Description: name,
		Dir:         dir,
		MapType:     MapTypeBSB,
		Custom:      true,
		Raster:      RasterConfig{CRS: Mercator, IgnoreLineNumbers: true},
	}, nil
}

// IsKnownRegion reports whether name is a configured region.
func (c *Config) IsKnownRegion(name string) bool {
	name = normalizeRegion(name)
	for _, p := range c.Providers {
		for _, r := range p.Regions {
			if normalizeRegion(r.Name) == name {
				return true
			}
		}
	}
	return false
}

func findCustomRegionDir(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root && strings.EqualFold(d.Name(), name) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("custom region %s does not have a directory under %s", name, root)
	}
	return found, nil
}

// Extensions lists the chart file extensions of the region's map type.
func (r Region) Extensions() []string {
	if r.MapType == MapTypeGeoTIFF {
		return []string{".tif", ".tiff"}
	}
	return []string{".kap"}
}

// Lookup is the metadata provider for the region's map type.
func (r Region) Lookup() ChartLookup {
	return LookupForMapType(r.MapType, r.Raster)
}

// ChartPaths lists every chart of the region, sorted by path. Hidden files
// are skipped.
func (r Region) ChartPaths() ([]string, error) {
	include := map[string]bool{}
	for _, c := range r.Charts {
		include[strings.ToUpper(c)] = true
	}
	exts := r.Extensions()
	var paths []string
	err := filepath.WalkDir(r.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		matched := false
		for _, e := range exts {
			if ext == e {
				matched = true
			}
		}
		if !matched {
			return nil
		}
		if len(include) > 0 && !include[strings.ToUpper(d.Name())] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing charts of %s: %w", r.Name, err)
	}
	sort.Strings(paths)
	return paths, nil
}
