package mxmcc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MergeCacheName is the transparency cache kept in every source tile directory.
const MergeCacheName = "merge-cache"

// MergeOptions configures a merge.
type MergeOptions struct {
	Workers int
	Metrics *Metrics
}

// MergeStats counts the operation applied to each source tile.
type MergeStats struct {
	Copied      int
	Composited  int
	Underlaid   int
	Skipped     int
	Transparent int
}

func (s *MergeStats) add(o MergeStats) {
	s.Copied += o.Copied
	s.Composited += o.Composited
	s.Underlaid += o.Underlaid
	s.Skipped += o.Skipped
	s.Transparent += o.Transparent
}

const (
	mergeCopy        = "copy"
	mergeComposite   = "composite"
	mergeUnderlay    = "underlay"
	mergeSkip        = "skip"
	mergeTransparent = "transparent"
)

func (s *MergeStats) count(op string) {
	switch op {
	case mergeCopy:
		s.Copied++
	case mergeComposite:
		s.Composited++
	case mergeUnderlay:
		s.Underlaid++
	case mergeSkip:
		s.Skipped++
	case mergeTransparent:
		s.Transparent++
	}
}

// mergeCache remembers the transparency of source tiles between runs.
type mergeCache struct {
	mu      sync.Mutex
	entries map[string]Transparency
	dirty   bool
}

func loadMergeCache(logger *zap.Logger, dir string) *mergeCache {
	c := &mergeCache{entries: make(map[string]Transparency)}
	b, err := os.ReadFile(filepath.Join(dir, MergeCacheName))
	if err != nil {
		return c
	}
	if err := json.Unmarshal(b, &c.entries); err != nil {
		logger.Warn("ignoring unreadable merge cache", zap.String("dir", dir), zap.Error(err))
		c.entries = make(map[string]Transparency)
	}
	return c
}

func (c *mergeCache) get(key string) (Transparency, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key]
	return t, ok
}

func (c *mergeCache) put(key string, t Transparency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = t
	c.dirty = true
}

func (c *mergeCache) save(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	b, err := json.Marshal(c.entries)
	if err != nil {
		return err
	}
	c.dirty = false
	return writeFileAtomic(filepath.Join(dir, MergeCacheName), b)
}

// sourceTiles lists the PNG tiles of a tile tree as slash separated keys.
func sourceTiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "[0-9]*", "*", "*.png"))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, filepath.ToSlash(rel))
	}
	sort.Strings(keys)
	return keys, nil
}

// MergeSet merges the tile tree srcDir into dstDir. Tiles already in dstDir
// belong to higher priority charts and stay on top.
func MergeSet(ctx context.Context, logger *zap.Logger, srcDir, dstDir string, opts MergeOptions) (MergeStats, error) {
	var stats MergeStats
	keys, err := sourceTiles(srcDir)
	if err != nil {
		return stats, err
	}
	cache := loadMergeCache(logger, srcDir)
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	bar := getProgressWriter().NewCountProgress(int64(len(keys)), "merging "+filepath.Base(srcDir))
	defer bar.Close()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			op, err := mergeTile(cache, srcDir, dstDir, key)
			if err != nil {
				return fmt.Errorf("merging %s: %w", filepath.Join(srcDir, key), err)
			}
			opts.Metrics.mergeTile(op)
			mu.Lock()
			stats.count(op)
			mu.Unlock()
			bar.Add(1)
			return nil
		})
	}
	err = g.Wait()
	if serr := cache.save(srcDir); serr != nil {
		err = errors.Join(err, serr)
	}
	return stats, err
}

func mergeTile(cache *mergeCache, srcDir, dstDir, key string) (string, error) {
	srcPath := filepath.Join(srcDir, filepath.FromSlash(key))
	dstPath := filepath.Join(dstDir, filepath.FromSlash(key))

	var src *image.NRGBA
	kind, ok := cache.get(key)
	if !ok {
		img, err := ReadPNG(srcPath)
		if err != nil {
			return "", err
		}
		src, kind = img, Classify(img)
		cache.put(key, kind)
	}
	if kind == Transparent {
		return mergeTransparent, nil
	}

	if _, err := os.Stat(dstPath); errors.Is(err, os.ErrNotExist) {
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return "", err
		}
		return mergeCopy, writeFileAtomic(dstPath, data)
	}

	dst, err := ReadPNG(dstPath)
	if err != nil {
		return "", err
	}
	if kind == Opaque && Classify(dst) == Opaque {
		return mergeSkip, nil
	}
	if src == nil {
		if src, err = ReadPNG(srcPath); err != nil {
			return "", err
		}
	}
	op := mergeComposite
	if kind == Opaque {
		underlay(dst, src)
		op = mergeUnderlay
	} else {
		compositeOver(dst, src)
	}
	return op, WritePNG(dstPath, dst)
}

// MergeCatalog recreates mergedDir from the rendered charts of cat, highest
// priority first. Every chart must have a tile directory in unmergedDir.
func MergeCatalog(ctx context.Context, logger *zap.Logger, cat *Catalog, unmergedDir, mergedDir string, opts MergeOptions) (MergeStats, error) {
	var stats MergeStats
	if err := os.RemoveAll(mergedDir); err != nil {
		return stats, err
	}
	if err := os.MkdirAll(mergedDir, 0755); err != nil {
		return stats, err
	}
	for _, entry := range cat.Entries {
		srcDir := filepath.Join(unmergedDir, entry.TileDirName())
		if st, err := os.Stat(srcDir); err != nil || !st.IsDir() {
			return stats, &ChartError{Path: entry.Path, Err: fmt.Errorf("tile directory %s is missing", srcDir)}
		}
		s, err := MergeSet(ctx, logger, srcDir, mergedDir, opts)
		stats.add(s)
		if err != nil {
			return stats, err
		}
		logger.Info("merged chart",
			zap.String("chart", entry.Name),
			zap.Int("copied", s.Copied),
			zap.Int("composited", s.Composited+s.Underlaid),
			zap.Int("skipped", s.Skipped))
	}
	minZoom, maxZoom := cat.ZoomRange()
	tj := NewTileJSON(cat.Region, cat.Bounds(), minZoom, maxZoom, "")
	return stats, WriteTileJSON(mergedDir, tj)
}
