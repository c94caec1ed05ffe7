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

// Package export writes diagnostic images of OMP results: max projections of score and
// coefficient volumes as 16-bit TIFF, and JPEG overlays of detected spots coloured by gene.
package export

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/mlnoga/genelight/internal/fits"
	"github.com/mlnoga/genelight/internal/spot"
)

// A spot to draw, in tile-local pixel coordinates
type Mark struct {
	Y, X int
	Gene int
}

// Max projection over z of a volume as a 2D FITS image, x varying fastest
func Projection(v *spot.Volume) *fits.Image {
	return fits.NewImageFromNaxisn([]int32{int32(v.NX), int32(v.NY)}, v.MaxProjectionZ())
}

// Writes the max projection of a score volume to a 16-bit TIFF file. Scores map [0,1] to the full range
func ScoreProjection(fileName string, v *spot.Volume) error {
	return Projection(v).WriteMonoTIFF16ToFile(fileName, 0, 1, 1)
}

// Writes the max projection of a coefficient volume to a 16-bit TIFF file, stretched to its own range
func CoefProjection(fileName string, v *spot.Volume) error {
	img := Projection(v)
	min, max := img.Min, img.Max
	if !(max > min) {
		max = min + 1
	}
	return img.WriteMonoTIFF16ToFile(fileName, min, max, 1)
}

// Returns n well separated colours, one per gene, with hues evenly spaced in HCL space
func GenePalette(n int) []color.RGBA {
	pal := make([]color.RGBA, n)
	for i := range pal {
		hue := 360 * float64(i) / float64(n)
		c := colorful.Hcl(hue, 0.5, 0.75).Clamped()
		r, g, b := c.RGB255()
		pal[i] = color.RGBA{r, g, b, 255}
	}
	return pal
}

// Draws spots as small crosses over a grayscale background and encodes the result as JPEG.
// The background is the first plane of bg, stretched to its range. A nil bg gives a black background
// of size ny x nx.
func SpotOverlay(w io.Writer, bg *fits.Image, ny, nx int, marks []Mark, numGenes int, quality int) error {
	if bg != nil {
		bnx, bny, _ := bg.Dims()
		if bnx != nx || bny != ny {
			return fmt.Errorf("background is %dx%d, expecting %dx%d", bnx, bny, nx, ny)
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, nx, ny))
	if bg != nil {
		min, max := bg.Min, bg.Max
		if !(max > min) {
			max = min + 1
		}
		draw.Draw(img, img.Bounds(), bg.ToGray(min, max, 2.2), image.Point{}, draw.Src)
	} else {
		draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	}

	pal := GenePalette(numGenes)
	for _, m := range marks {
		if m.Gene < 0 || m.Gene >= numGenes {
			return fmt.Errorf("spot at (%d,%d) has gene %d outside [0,%d)", m.Y, m.X, m.Gene, numGenes)
		}
		c := pal[m.Gene]
		for d := -2; d <= 2; d++ {
			setIfInside(img, m.X+d, m.Y, c)
			setIfInside(img, m.X, m.Y+d, c)
		}
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func setIfInside(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{x, y}).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

// Writes a spot overlay to the given file
func SpotOverlayToFile(fileName string, bg *fits.Image, ny, nx int, marks []Mark, numGenes int, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := SpotOverlay(writer, bg, ny, nx, marks, numGenes, quality); err != nil {
		return err
	}
	return writer.Flush()
}
