// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package spot

import (
	"errors"
	"fmt"
)

// Nominal centre of each tile in global coordinates, given the tile origins in y, x, z,
// the tile size in y and x, and the number of z planes
func TileCentres(tileSize, nz int, origins [][3]float32) []TilePoint {
	res := make([]TilePoint, len(origins))
	for t, o := range origins {
		res[t] = TilePoint{
			Y:    o[0] + float32(tileSize)/2,
			X:    o[1] + float32(tileSize)/2,
			Z:    o[2] + float32(nz)/2,
			Tile: t,
		}
	}
	return res
}

// Finds the tile whose centre is closest to global positions, for duplicate suppression across overlapping tiles
type DuplicateFilter struct {
	centres []TilePoint // by tile index
	tree    KDTree3
}

// Creates a duplicate filter for the given tile centres
func NewDuplicateFilter(centres []TilePoint) (*DuplicateFilter, error) {
	if len(centres) == 0 {
		return nil, errors.New("duplicate filter needs at least one tile centre")
	}
	byTile := make([]TilePoint, len(centres))
	for i, c := range centres {
		if c.Tile != i {
			return nil, errors.New(fmt.Sprintf("tile centre %d has tile index %d", i, c.Tile))
		}
		byTile[i] = c
	}
	tree := make(KDTree3, len(centres))
	copy(tree, centres)
	tree.Make()
	return &DuplicateFilter{centres: byTile, tree: tree}, nil
}

// Returns true if a spot at the given global position, detected on the given tile, is closer to a different tile's
// centre than to its own. On exact ties the originating tile keeps the spot
func (d *DuplicateFilter) IsDuplicate(globalYXZ [3]float32, tile int) bool {
	p := TilePoint{Y: globalYXZ[0], X: globalYXZ[1], Z: globalYXZ[2], Tile: tile}
	_, nearestDsq := d.tree.NearestNeighbor(p)
	return distSquared(p, d.centres[tile]) > nearestDsq
}

// Removes duplicates from peaks detected on the given tile with the given origin, editing the slice in place
func (d *DuplicateFilter) RemoveDuplicates(peaks []Peak, tile int, origin [3]float32) ([]Peak, error) {
	if tile < 0 || tile >= len(d.centres) {
		return nil, errors.New(fmt.Sprintf("tile %d out of range for %d tile centres", tile, len(d.centres)))
	}
	o := 0
	for _, p := range peaks {
		global := [3]float32{float32(p.Y) + origin[0], float32(p.X) + origin[1], float32(p.Z) + origin[2]}
		if !d.IsDuplicate(global, tile) {
			peaks[o] = p
			o++
		}
	}
	return peaks[:o], nil
}
