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

package export

import (
	"bytes"
	"image/jpeg"
	"io"
	"path/filepath"
	"testing"

	"github.com/mlnoga/genelight/internal/fits"
	"github.com/mlnoga/genelight/internal/spot"
)

func TestProjection(t *testing.T) {
	v := spot.NewVolume(3, 4, 2)
	v.Set(1, 2, 0, 0.25)
	v.Set(1, 2, 1, 0.5)
	v.Set(2, 3, 0, 0.75)
	img := Projection(v)
	if img.DimensionsToString() != "4x3" {
		t.Fatalf("got dimensions %s", img.DimensionsToString())
	}
	if img.At(2, 1, 0) != 0.5 || img.At(3, 2, 0) != 0.75 || img.At(0, 0, 0) != 0 {
		t.Errorf("wrong projection values %v", img.Data)
	}
}

func TestScoreProjectionFile(t *testing.T) {
	v := spot.NewVolume(5, 6, 3)
	v.Set(2, 3, 1, 1)
	fileName := filepath.Join(t.TempDir(), "score.tif")
	if err := ScoreProjection(fileName, v); err != nil {
		t.Fatal(err)
	}
	img, err := fits.NewImageFromFile(fileName, 0, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if img.At(3, 2, 0) < 65534 || img.At(0, 0, 0) != 0 {
		t.Errorf("unexpected pixel values max %g at spot, %g at corner", img.At(3, 2, 0), img.At(0, 0, 0))
	}
}

func TestGenePalette(t *testing.T) {
	pal := GenePalette(8)
	seen := map[[3]uint8]bool{}
	for _, c := range pal {
		key := [3]uint8{c.R, c.G, c.B}
		if seen[key] {
			t.Errorf("duplicate colour %v", c)
		}
		seen[key] = true
	}
}

func TestSpotOverlay(t *testing.T) {
	bg := fits.NewImageFromNaxisn([]int32{20, 10}, nil)
	marks := []Mark{{Y: 5, X: 5, Gene: 0}, {Y: 0, X: 19, Gene: 2}}
	var buf bytes.Buffer
	if err := SpotOverlay(&buf, bg, 10, 20, marks, 3, 95); err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 10 {
		t.Errorf("got bounds %v", img.Bounds())
	}
	r, g, b, _ := img.At(5, 5).RGBA()
	if r+g+b < 3*0x2000 {
		t.Errorf("spot centre is too dark: %d %d %d", r, g, b)
	}

	if err := SpotOverlay(&buf, bg, 10, 20, []Mark{{Y: 1, X: 1, Gene: 3}}, 3, 95); err == nil {
		t.Errorf("expected error for gene out of range")
	}
	if err := SpotOverlay(&buf, bg, 20, 10, nil, 3, 95); err == nil {
		t.Errorf("expected error for mismatched background")
	}
}
