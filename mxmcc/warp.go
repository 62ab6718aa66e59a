package mxmcc

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// maxWarpPixels bounds the size of a warped raster.
const maxWarpPixels = 1 << 28

// sourceToMeters maps a coordinate in crs to EPSG:3857 meters. Longitudes are
// not clipped so rasters running past the antimeridian stay continuous.
func sourceToMeters(x, y float64, crs CRS) (float64, float64) {
	if crs == Geographic {
		_, my := LatLngToMeters(y, 0)
		return lonToMetersX(x), my
	}
	return x, y
}

func metersToSource(mx, my float64, crs CRS) (float64, float64) {
	if crs == Geographic {
		lat, _ := MetersToLatLng(0, my)
		return metersXToLon(mx), lat
	}
	return mx, my
}

// Warp resamples img, georeferenced by gt into crs, onto a north-up
// EPSG:3857 grid using bilinear sampling. The pixel count is roughly
// preserved and the extent matches the source exactly.
func Warp(img image.Image, gt GeoTransform, crs CRS) (GeoRaster, error) {
	inv, err := gt.Invert()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot warp an empty raster")
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	steps := 16
	for i := 0; i <= steps; i++ {
		for _, edge := range [][2]float64{
			{float64(w) * float64(i) / float64(steps), 0},
			{float64(w) * float64(i) / float64(steps), float64(h)},
			{0, float64(h) * float64(i) / float64(steps)},
			{float64(w), float64(h) * float64(i) / float64(steps)},
		} {
			sx, sy := gt.Apply(edge[0], edge[1])
			mx, my := sourceToMeters(sx, sy, crs)
			minX, maxX = math.Min(minX, mx), math.Max(maxX, mx)
			minY, maxY = math.Min(minY, my), math.Max(maxY, my)
		}
	}

	res := math.Sqrt((maxX - minX) * (maxY - minY) / float64(w*h))
	if res <= 0 || math.IsNaN(res) {
		return nil, fmt.Errorf("degenerate raster extent")
	}
	dw := max(1, int(math.Round((maxX-minX)/res)))
	dh := max(1, int(math.Round((maxY-minY)/res)))
	if dw*dh > maxWarpPixels {
		return nil, fmt.Errorf("warped raster %dx%d is too large", dw, dh)
	}
	// The extent is kept exact, pixels may be slightly non square.
	resX := (maxX - minX) / float64(dw)
	resY := (maxY - minY) / float64(dh)

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	for j := 0; j < dh; j++ {
		my := maxY - (float64(j)+0.5)*resY
		for i := 0; i < dw; i++ {
			mx := minX + (float64(i)+0.5)*resX
			sx, sy := metersToSource(mx, my, crs)
			px, py := inv.Apply(sx, sy)
			sampleBilinear(src, px-0.5, py-0.5, dst.Pix[dst.PixOffset(i, j):])
		}
	}
	return &imageRaster{
		img:     dst,
		gt:      GeoTransform{minX, resX, 0, maxY, 0, -resY},
		northUp: crs == Mercator && gt.NorthUp(),
	}, nil
}

// sampleBilinear interpolates premultiplied src at (fx, fy) and writes the
// non-premultiplied result to out. Samples outside src are transparent.
func sampleBilinear(src *image.RGBA, fx, fy float64, out []uint8) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if fx < -1 || fy < -1 || fx > float64(w) || fy > float64(h) {
		return
	}
	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	dx, dy := fx-float64(x0), fy-float64(y0)
	var acc [4]float64
	for _, s := range [4]struct {
		x, y int
		wt   float64
	}{
		{x0, y0, (1 - dx) * (1 - dy)},
		{x0 + 1, y0, dx * (1 - dy)},
		{x0, y0 + 1, (1 - dx) * dy},
		{x0 + 1, y0 + 1, dx * dy},
	} {
		if s.x < 0 || s.y < 0 || s.x >= w || s.y >= h || s.wt == 0 {
			continue
		}
		p := src.Pix[src.PixOffset(s.x, s.y):]
		for c := 0; c < 4; c++ {
			acc[c] += float64(p[c]) * s.wt
		}
	}
	a := acc[3]
	if a < 0.5 {
		return
	}
	for c := 0; c < 3; c++ {
		out[c] = uint8(math.Min(255, math.Round(acc[c]*255/a)))
	}
	out[3] = uint8(math.Min(255, math.Round(a)))
}
