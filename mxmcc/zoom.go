package mxmcc

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

const (
	haversineRadius = 6371000.0
	zoomTweak       = 0.70
)

// LatitudeDistortion is the ratio of the Mercator length of one degree of
// longitude at lat to its great circle length.
func LatitudeDistortion(lat float64) float64 {
	origin, dest := orb.Point{0, lat}, orb.Point{1, lat}
	cartesian := planar.Distance(project.WGS84.ToMercator(origin), project.WGS84.ToMercator(dest))
	haversine := geo.DistanceHaversine(origin, dest) * haversineRadius / orb.EarthRadius
	return cartesian / haversine
}

// SelectZoom picks the tile pyramid zoom for a chart of the given scale
// centered at lat.
func SelectZoom(scale int, lat float64) int {
	tweak := float64(scale) * LatitudeDistortion(lat) * zoomTweak
	zoom := 30
	for tweak > 1 {
		tweak /= 2
		zoom--
	}
	return clipInt(zoom, 0, MaxZoom)
}
