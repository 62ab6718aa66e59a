package mxmcc

func rotate(n uint64, x *uint64, y *uint64, rx uint64, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

// HilbertID is the position of the tile on the zoom ordered Hilbert curve
// used to address PMTiles entries.
func (t Tile) HilbertID() uint64 {
	var acc uint64
	for tz := uint8(0); tz < t.Z; tz++ {
		acc += (1 << tz) * (1 << tz)
	}
	n := uint64(1) << t.Z
	var rx, ry, d uint64
	tx, ty := uint64(t.X), uint64(t.Y)
	for s := n / 2; s > 0; s /= 2 {
		rx, ry = 0, 0
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		rotate(s, &tx, &ty, rx, ry)
	}
	return acc + d
}

// TileFromHilbertID is the inverse of Tile.HilbertID.
func TileFromHilbertID(id uint64) Tile {
	var acc uint64
	for z := uint8(0); ; z++ {
		numTiles := uint64(1<<z) * uint64(1<<z)
		if acc+numTiles > id {
			return hilbertOnLevel(z, id-acc)
		}
		acc += numTiles
	}
}

func hilbertOnLevel(z uint8, pos uint64) Tile {
	n := uint64(1) << z
	t := pos
	var tx, ty uint64
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return Tile{z, uint32(tx), uint32(ty)}
}
