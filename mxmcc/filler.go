package mxmcc

import (
	"bytes"
	"context"
	"image"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FillOptions configures FillRegion.
type FillOptions struct {
	// Depth is how many zoom levels up an ancestor may be enlarged.
	Depth   int
	Workers int
	Metrics *Metrics
}

func (o FillOptions) depth() int {
	return RenderOptions{OverZoomDepth: o.Depth}.overZoomDepth()
}

// FillStats counts the outcome of a fill pass.
type FillStats struct {
	Examined  int
	Filled    int
	Unchanged int
	Failed    int
}

// FillRegion paints imagery from neighbouring zoom levels underneath the
// transparent pixels of every tile in dir. Zooms are filled lowest first so
// enlarged ancestors already carry their own fill.
// Unreadable tiles are logged and left alone.
func FillRegion(ctx context.Context, logger *zap.Logger, dir string, opts FillOptions) (FillStats, error) {
	var stats FillStats
	tiles, err := WalkTiles(dir)
	if err != nil {
		return stats, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	depth := opts.depth()

	bar := getProgressWriter().NewCountProgress(int64(len(tiles)), "filling holes")
	defer bar.Close()

	var mu sync.Mutex
	for start := 0; start < len(tiles); {
		end := start
		for end < len(tiles) && tiles[end].Z == tiles[start].Z {
			end++
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, t := range tiles[start:end] {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				changed, err := fillTile(t, dir, depth)
				mu.Lock()
				stats.Examined++
				switch {
				case err != nil:
					stats.Failed++
					logger.Warn("filling tile", zap.Stringer("tile", t), zap.Error(err))
				case changed:
					stats.Filled++
					opts.Metrics.tileFilled()
				default:
					stats.Unchanged++
				}
				mu.Unlock()
				bar.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		start = end
	}
	logger.Info("filled tiles",
		zap.String("dir", dir),
		zap.Int("examined", stats.Examined),
		zap.Int("filled", stats.Filled))
	return stats, nil
}

// fillTile rewrites t when imagery from other zooms covers some of its holes.
func fillTile(t Tile, dir string, depth int) (bool, error) {
	path := t.Path(dir)
	orig, err := ReadPNG(path)
	if err != nil {
		return false, err
	}
	if !HasTransparency(orig) {
		return false, nil
	}

	fill, err := shrinkChildren(t, dir)
	if err != nil {
		return false, err
	}
	if fill == nil || HasTransparency(fill) {
		anc, err := ancestorFill(t, dir, depth)
		if err != nil {
			return false, err
		}
		switch {
		case anc == nil:
		case fill == nil:
			fill = anc
		default:
			underlay(fill, anc)
		}
	}
	if fill == nil {
		return false, nil
	}

	out := NewTile()
	copy(out.Pix, orig.Pix)
	underlay(out, fill)
	if bytes.Equal(out.Pix, orig.Pix) {
		return false, nil
	}
	return true, WritePNG(path, out)
}

// shrinkChildren pastes whichever z+1 children exist into their quadrants.
func shrinkChildren(t Tile, dir string) (*image.NRGBA, error) {
	if t.Z >= MaxZoom {
		return nil, nil
	}
	var out *image.NRGBA
	half := TileSize / 2
	for i, c := range t.Children() {
		img, err := ReadPNG(c.Path(dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = NewTile()
		}
		at := quadrantOrigin(i, half)
		scaleInto(out, image.Rectangle{at, at.Add(image.Pt(half, half))}, img, boxKernel)
	}
	return out, nil
}

// ancestorFill enlarges ancestors up to depth levels, nearest first, each
// coarser one painted underneath the holes left by finer ones.
func ancestorFill(t Tile, dir string, depth int) (*image.NRGBA, error) {
	var out *image.NRGBA
	for n := 1; n <= depth && n <= int(t.Z); n++ {
		img, err := ReadPNG(t.Parent(uint8(n)).Path(dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		crop := cropAncestor(t, img, n)
		if out == nil {
			out = crop
		} else {
			underlay(out, crop)
		}
		if !HasTransparency(out) {
			break
		}
	}
	return out, nil
}
