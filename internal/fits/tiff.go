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
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Maps a value into [0,1] using the given min, scale and inverse gamma. NaNs map to zero
func toUnit(v, min, scale float32, gammaInv float64) float32 {
	v = (v - min) * scale
	// replace NaNs with zeros for export, else TIFF and JPG output breaks
	if math.IsNaN(float64(v)) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	if gammaInv != 1.0 {
		v = float32(math.Pow(float64(v), gammaInv))
	}
	return v
}

// Converts the first plane of a FITS image to a 16-bit grayscale image, using the given min, max and gamma.
func (f *Image) ToGray16(min, max, gamma float32) *image.Gray16 {
	width, height, _ := f.Dims()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	scale := 1 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := toUnit(f.Data[yoffset+x], min, scale, gammaInv)
			img.SetGray16(x, y, color.Gray16{uint16(gray * 65535)})
		}
	}
	return img
}

// Converts the first plane of a FITS image to an 8-bit grayscale image, using the given min, max and gamma.
func (f *Image) ToGray(min, max, gamma float32) *image.Gray {
	width, height, _ := f.Dims()
	img := image.NewGray(image.Rect(0, 0, width, height))
	scale := 1 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := toUnit(f.Data[yoffset+x], min, scale, gammaInv)
			img.SetGray(x, y, color.Gray{uint8(gray * 255)})
		}
	}
	return img
}

// Write a grayscale FITS image to 16-bit TIFF, using the given min, max and gamma.
func (f *Image) WriteMonoTIFF16ToFile(fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := f.WriteMonoTIFF16(writer, min, max, gamma); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a grayscale FITS image to 16-bit TIFF, using the given min, max and gamma.
func (f *Image) WriteMonoTIFF16(writer io.Writer, min, max, gamma float32) error {
	img := f.ToGray16(min, max, gamma)
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Read a grayscale TIFF image into a 2D FITS image. Color TIFFs are rejected.
func (f *Image) ReadMonoTIFF(r io.Reader) error {
	t, err := tiff.Decode(bufio.NewReader(r))
	if err != nil {
		return err
	}

	width, height := t.Bounds().Dx(), t.Bounds().Dy()
	var get func(x, y int) float32
	switch img := t.(type) {
	case *image.Gray16:
		f.Bitpix = 16
		get = func(x, y int) float32 { return float32(img.Gray16At(x+img.Rect.Min.X, y+img.Rect.Min.Y).Y) }
	case *image.Gray:
		f.Bitpix = 8
		get = func(x, y int) float32 { return float32(img.GrayAt(x+img.Rect.Min.X, y+img.Rect.Min.Y).Y) }
	default:
		return fmt.Errorf("%d: unsupported TIFF color model %T, expecting grayscale", f.ID, t)
	}

	f.Naxisn = []int32{int32(width), int32(height)}
	f.Pixels = int32(width) * int32(height)
	f.Bzero, f.Bscale = 0, 1
	f.Data = make([]float32, f.Pixels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Data[y*width+x] = get(x, y)
		}
	}
	f.UpdateMinMax()
	return nil
}
