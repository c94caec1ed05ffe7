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
	"math"
)

// A dense 3D scalar field of a tile, such as a coefficient or score image.
// Stored in y, x, z order, with z varying fastest: index = (y*NX + x)*NZ + z
type Volume struct {
	NY, NX, NZ int
	Data       []float32
}

// Creates a new zero-filled volume of the given shape
func NewVolume(ny, nx, nz int) *Volume {
	return &Volume{NY: ny, NX: nx, NZ: nz, Data: make([]float32, ny*nx*nz)}
}

// Wraps existing data in a volume of the given shape
func NewVolumeFromData(ny, nx, nz int, data []float32) (*Volume, error) {
	if ny <= 0 || nx <= 0 || nz <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid volume shape %dx%dx%d", ny, nx, nz))
	}
	if len(data) != ny*nx*nz {
		return nil, errors.New(fmt.Sprintf("volume shape %dx%dx%d does not match %d values", ny, nx, nz, len(data)))
	}
	return &Volume{NY: ny, NX: nx, NZ: nz, Data: data}, nil
}

// Returns the shape as y, x, z
func (v *Volume) Shape() [3]int { return [3]int{v.NY, v.NX, v.NZ} }

// Linear index of the given position
func (v *Volume) Index(y, x, z int) int { return (y*v.NX+x)*v.NZ + z }

// Position of the given linear index
func (v *Volume) Coords(i int) (y, x, z int) {
	z = i % v.NZ
	i /= v.NZ
	return i / v.NX, i % v.NX, z
}

// Returns true if the position is within bounds
func (v *Volume) Contains(y, x, z int) bool {
	return y >= 0 && y < v.NY && x >= 0 && x < v.NX && z >= 0 && z < v.NZ
}

// Value at the given position
func (v *Volume) At(y, x, z int) float32 { return v.Data[v.Index(y, x, z)] }

// Sets the value at the given position
func (v *Volume) Set(y, x, z int, val float32) { v.Data[v.Index(y, x, z)] = val }

// Returns true if all values are zero. NaNs count as nonzero
func (v *Volume) IsZero() bool {
	for _, d := range v.Data {
		if d != 0 {
			return false
		}
	}
	return true
}

// Maximum projection along z, as a row-major NY x NX image. NaNs are ignored
func (v *Volume) MaxProjectionZ() []float32 {
	res := make([]float32, v.NY*v.NX)
	for i := range res {
		max := float32(math.NaN())
		for _, d := range v.Data[i*v.NZ : (i+1)*v.NZ] {
			if d > max || math.IsNaN(float64(max)) {
				max = d
			}
		}
		res[i] = max
	}
	return res
}
