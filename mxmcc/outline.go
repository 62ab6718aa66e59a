package mxmcc

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	orbclip "github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

var (
	westHemisphere = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{0, 90}}
	eastHemisphere = orb.Bound{Min: orb.Point{0, -90}, Max: orb.Point{180, 90}}
)

// ParseOutline reads a "lat,lon:lat,lon:..." outline into a closed ring of
// lon/lat points.
func ParseOutline(s string) (orb.Ring, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	ring := orb.Ring{}
	for _, pair := range strings.Split(s, ":") {
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed outline coordinate %q", pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed outline latitude %q: %w", pair, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed outline longitude %q: %w", pair, err)
		}
		ring = append(ring, orb.Point{lon, lat})
	}
	return closeRing(ring), nil
}

// FormatOutline writes a ring in the "lat,lon:lat,lon:..." outline format.
func FormatOutline(ring orb.Ring) string {
	var sb strings.Builder
	for i, p := range ring {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatFloat(p[1], 'f', -1, 64))
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(p[0], 'f', -1, 64))
	}
	return sb.String()
}

func closeRing(ring orb.Ring) orb.Ring {
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// CrossesDateline reports whether an edge of the ring jumps across the
// antimeridian.
func CrossesDateline(ring orb.Ring) bool {
	for i := 1; i < len(ring); i++ {
		if math.Abs(ring[i][0]-ring[i-1][0]) > 180 {
			return true
		}
	}
	return false
}

// OutlineBounds is the geographic box of a ring. Rings crossing the
// antimeridian produce a wrapping box.
func OutlineBounds(ring orb.Ring) Bounds {
	if len(ring) == 0 {
		return Bounds{}
	}
	crosses := CrossesDateline(ring)
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, p := range ring {
		if crosses && p[0] < 0 {
			p[0] += 360
		}
		b = b.Extend(p)
	}
	bounds := BoundsFromOrb(b)
	if bounds.East > 180 {
		bounds.East -= 360
	}
	if bounds.West > 180 {
		bounds.West -= 360
	}
	return bounds
}

// OutlineCenter is the middle of the outline box.
func OutlineCenter(ring orb.Ring) orb.Point {
	if len(ring) == 0 {
		return orb.Point{0, 0}
	}
	return OutlineBounds(ring).Center()
}

// OutlineGeometry splits a ring crossing the antimeridian into one polygon per
// hemisphere.
func OutlineGeometry(ring orb.Ring) orb.MultiPolygon {
	if len(ring) == 0 {
		return nil
	}
	if !CrossesDateline(ring) {
		return orb.MultiPolygon{orb.Polygon{ring}}
	}
	west := make(orb.Ring, len(ring))
	east := make(orb.Ring, len(ring))
	for i, p := range ring {
		w, e := p, p
		if p[0] > 0 {
			w[0] -= 360
		} else if p[0] < 0 {
			e[0] += 360
		}
		west[i], east[i] = w, e
	}
	var mp orb.MultiPolygon
	if p := orbclip.Polygon(westHemisphere, orb.Polygon{west}); len(p) > 0 && len(p[0]) > 0 {
		mp = append(mp, p)
	}
	if p := orbclip.Polygon(eastHemisphere, orb.Polygon{east}); len(p) > 0 && len(p[0]) > 0 {
		mp = append(mp, p)
	}
	return mp
}

// OutlineContains reports whether the lon/lat point lies within the outline.
func OutlineContains(geometry orb.MultiPolygon, p orb.Point) bool {
	return planar.MultiPolygonContains(geometry, p)
}
