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

package fits

import (
	"fmt"
	"math"
	"strings"
)

// A FITS image or cube holding one tile of one round and channel.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Tile index, for log output
	FileName string // Original file name, if any, for log output.

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating.
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i].
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i].
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y,Z)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data

	Min float32 // Smallest data value, NaN if empty
	Max float32 // Largest data value, NaN if empty
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	img := &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...),
		Pixels: numPixels,
		Data:   data,
	}
	img.UpdateMinMax()
	return img
}

// Recomputes Min and Max from the data, ignoring NaNs
func (f *Image) UpdateMinMax() {
	min, max := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, v := range f.Data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min > max {
		min, max = float32(math.NaN()), float32(math.NaN())
	}
	f.Min, f.Max = min, max
}

// Returns width, height and depth. Depth is 1 for 2D images.
func (f *Image) Dims() (nx, ny, nz int) {
	nx, ny, nz = 1, 1, 1
	if len(f.Naxisn) > 0 {
		nx = int(f.Naxisn[0])
	}
	if len(f.Naxisn) > 1 {
		ny = int(f.Naxisn[1])
	}
	for _, n := range f.Naxisn[min(2, len(f.Naxisn)):] {
		nz *= int(n)
	}
	return nx, ny, nz
}

// Returns the value at the given position. X varies fastest, then Y, then Z.
func (f *Image) At(x, y, z int) float32 {
	nx, ny, _ := f.Dims()
	return f.Data[(z*ny+y)*nx+x]
}

// Returns a view of the given z plane. Data is shared, not copied
func (f *Image) Plane(z int) (*Image, error) {
	nx, ny, nz := f.Dims()
	if z < 0 || z >= nz {
		return nil, fmt.Errorf("%d: plane %d out of range [0,%d)", f.ID, z, nz)
	}
	size := nx * ny
	img := NewImageFromNaxisn([]int32{int32(nx), int32(ny)}, f.Data[z*size:(z+1)*size])
	img.ID, img.FileName = f.ID, f.FileName
	return img, nil
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float32),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}
