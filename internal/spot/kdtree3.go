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
	"sort"
)

// A point in global y, x, z coordinates, with the index of the tile it belongs to
type TilePoint struct {
	Y, X, Z float32
	Tile    int
}

// Squared euclidean distance between two points
func distSquared(a, b TilePoint) float32 {
	dy, dx, dz := a.Y-b.Y, a.X-b.X, a.Z-b.Z
	return dy*dy + dx*dx + dz*dz
}

// A kd-Tree with k=3 dimensions and tile payload.
// Inspired by https://en.wikipedia.org/wiki/K-d_tree
// Pointerless, the tree is the slice itself after Make() has re-sorted it
type KDTree3 []TilePoint

// Builds a pointerless k-dimensional tree with k=3 from the points by resorting the array.
// Function for mod 3 == 0 depths which pivots on the Y dimension.
func (points KDTree3) Make() {
	sort.Slice(points, func(i, j int) bool {
		return points[i].Y < points[j].Y
	})

	l := len(points)
	if l > 1 { // descend left
		points[:l/2].makeX()
		if l > 2 { // descend right
			points[l/2+1:].makeX()
		}
	}
}

// Helper function for mod 3 == 1 depths which pivots on the X dimension.
func (points KDTree3) makeX() {
	sort.Slice(points, func(i, j int) bool {
		return points[i].X < points[j].X
	})

	l := len(points)
	if l > 1 {
		points[:l/2].makeZ()
		if l > 2 {
			points[l/2+1:].makeZ()
		}
	}
}

// Helper function for mod 3 == 2 depths which pivots on the Z dimension.
func (points KDTree3) makeZ() {
	sort.Slice(points, func(i, j int) bool {
		return points[i].Z < points[j].Z
	})

	l := len(points)
	if l > 1 {
		points[:l/2].Make()
		if l > 2 {
			points[l/2+1:].Make()
		}
	}
}

// Returns true if candidate a is closer than b, breaking exact ties by lowest tile index
func closer(aDsq float32, a TilePoint, bDsq float32, b TilePoint) bool {
	return aDsq < bDsq || (aDsq == bDsq && a.Tile < b.Tile)
}

// Performs a nearest neighbor search on the points, which must have been previously transformed
// to a k-dimensional tree using Make(). Exact ties go to the lowest tile index
func (kdt KDTree3) NearestNeighbor(p TilePoint) (closestPt TilePoint, closestDsq float32) {
	return kdt.nearest(p, 0)
}

func (kdt KDTree3) nearest(p TilePoint, depth int) (closestPt TilePoint, closestDsq float32) {
	l := len(kdt)
	midpoint := kdt[l/2]
	closestPt, closestDsq = midpoint, distSquared(p, midpoint)

	var distToPlane float32
	switch depth % 3 {
	case 0:
		distToPlane = p.Y - midpoint.Y
	case 1:
		distToPlane = p.X - midpoint.X
	default:
		distToPlane = p.Z - midpoint.Z
	}

	// descend into the half containing p first, then the other one if the splitting plane is close enough
	near, far := kdt[:l/2], KDTree3(nil)
	if l > 2 {
		far = kdt[l/2+1:]
	}
	if distToPlane > 0 {
		near, far = far, near
	}
	if len(near) > 0 {
		pt, dsq := near.nearest(p, depth+1)
		if closer(dsq, pt, closestDsq, closestPt) {
			closestPt, closestDsq = pt, dsq
		}
	}
	if len(far) > 0 && distToPlane*distToPlane <= closestDsq {
		pt, dsq := far.nearest(p, depth+1)
		if closer(dsq, pt, closestDsq, closestPt) {
			closestPt, closestDsq = pt, dsq
		}
	}
	return closestPt, closestDsq
}
