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

// A local maximum found by the detector, in tile-local coordinates
type Peak struct {
	Y, X, Z int
	Index   int     // linear index in the volume
	Value   float32 // field value at the peak
}

// A neighbour offset within an ellipsoidal neighbourhood
type offset struct {
	dy, dx, dz int
}

// Creates the offsets of an ellipsoid with the given radii, excluding the center.
// A zero radius collapses the respective axes
func ellipsoidOffsets(radiusXY, radiusZ float32) []offset {
	rxy, rz := int(radiusXY), int(radiusZ)
	res := []offset{}
	for dy := -rxy; dy <= rxy; dy++ {
		for dx := -rxy; dx <= rxy; dx++ {
			for dz := -rz; dz <= rz; dz++ {
				if dy == 0 && dx == 0 && dz == 0 {
					continue
				}
				dist := float32(0)
				if rxy > 0 {
					dist += float32(dy*dy+dx*dx) / (radiusXY * radiusXY)
				}
				if rz > 0 {
					dist += float32(dz*dz) / (radiusZ * radiusZ)
				}
				if dist <= 1+1e-6 {
					res = append(res, offset{dy, dx, dz})
				}
			}
		}
	}
	return res
}

// Detects local maxima of the field strictly above the threshold. A pixel is a maximum if no value in its ellipsoidal
// neighbourhood of the given radii is greater. NaNs are never maxima, and are ignored as neighbours.
// With removeDuplicates, a maximum is dropped if a neighbour of equal value with a lower linear index is a maximum
// too, so each plateau yields at least one peak. Without it, all tied maxima are kept.
// A radiusZ of zero, or a single z plane, restricts the neighbourhood to the xy plane.
// Results are ordered by linear index.
func Detect(field *Volume, threshold float32, radiusXY, radiusZ int, removeDuplicates bool) []Peak {
	if field.NZ == 1 {
		radiusZ = 0
	}
	offsets := ellipsoidOffsets(float32(radiusXY), float32(radiusZ))
	peaks := []Peak{}

	for i, v := range field.Data {
		if !(v > threshold) { // also skips NaN
			continue
		}
		if !isLocalMax(field, offsets, i) {
			continue
		}
		if removeDuplicates && hasEarlierTiedMax(field, offsets, i) {
			continue
		}
		y, x, z := field.Coords(i)
		peaks = append(peaks, Peak{Y: y, X: x, Z: z, Index: i, Value: v})
	}
	return peaks
}

// Reports whether no neighbour of pixel i is greater
func isLocalMax(field *Volume, offsets []offset, i int) bool {
	v := field.Data[i]
	y, x, z := field.Coords(i)
	for _, o := range offsets {
		ny, nx, nz := y+o.dy, x+o.dx, z+o.dz
		if field.Contains(ny, nx, nz) && field.At(ny, nx, nz) > v {
			return false
		}
	}
	return true
}

// Reports whether a neighbour with a lower linear index has the same value as pixel i and is a local maximum
func hasEarlierTiedMax(field *Volume, offsets []offset, i int) bool {
	v := field.Data[i]
	y, x, z := field.Coords(i)
	for _, o := range offsets {
		ny, nx, nz := y+o.dy, x+o.dx, z+o.dz
		if !field.Contains(ny, nx, nz) {
			continue
		}
		ni := field.Index(ny, nx, nz)
		if ni < i && field.Data[ni] == v && isLocalMax(field, offsets, ni) {
			return true
		}
	}
	return false
}
