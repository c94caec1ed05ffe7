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
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"image/jpeg"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valyala/fastrand"
)

func randomCube(nx, ny, nz int) *Image {
	rng := fastrand.RNG{}
	rng.Seed(7)
	data := make([]float32, nx*ny*nz)
	for i := range data {
		data[i] = float32(rng.Uint32n(1<<20))/1024 - 100
	}
	return NewImageFromNaxisn([]int32{int32(nx), int32(ny), int32(nz)}, data)
}

func equalData(t *testing.T, got, want []float32) {
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("value %d: got %g want %g", i, got[i], want[i])
		}
	}
}

func TestWriteReadCube(t *testing.T) {
	img := randomCube(13, 7, 5)
	img.Header.Strings["OBJECT"] = "tile 3"
	var buf bytes.Buffer
	if err := img.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len()%fitsBlockSize != 0 {
		t.Errorf("file size %d is not a multiple of %d", buf.Len(), fitsBlockSize)
	}

	var log strings.Builder
	res := NewImage()
	if err := res.Read(&buf, true, &log); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(log.String(), "Warning") {
		t.Errorf("unexpected warnings: %s", log.String())
	}
	if res.DimensionsToString() != "13x7x5" {
		t.Errorf("got dimensions %s", res.DimensionsToString())
	}
	if res.Bitpix != -32 {
		t.Errorf("got bitpix %d", res.Bitpix)
	}
	if res.Header.Strings["OBJECT"] != "tile 3" {
		t.Errorf("got OBJECT '%s'", res.Header.Strings["OBJECT"])
	}
	equalData(t, res.Data, img.Data)
	if res.Min != img.Min || res.Max != img.Max {
		t.Errorf("got range %g..%g want %g..%g", res.Min, res.Max, img.Min, img.Max)
	}
	if res.At(4, 3, 2) != img.Data[(2*7+3)*13+4] {
		t.Errorf("At does not index x fastest")
	}
}

func TestReadFileGzip(t *testing.T) {
	img := randomCube(4, 3, 2)
	fileName := filepath.Join(t.TempDir(), "cube.fits.gz")
	f, err := os.Create(fileName)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if err := img.Write(gz); err != nil {
		t.Fatal(err)
	}
	gz.Close()
	f.Close()

	res, err := NewImageFromFile(fileName, 1, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	equalData(t, res.Data, img.Data)
}

func TestReadInt16WithBzero(t *testing.T) {
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "")
	writeInt32(&sb, "BITPIX", 16, "")
	writeInt32(&sb, "NAXIS", 2, "")
	writeInt32(&sb, "NAXIS1", 3, "")
	writeInt32(&sb, "NAXIS2", 1, "")
	writeInt32(&sb, "BZERO", 32768, "")
	writeFloat32(&sb, "BSCALE", 2, "")
	writeEnd(&sb)
	padBlock(&sb, ' ')

	var buf bytes.Buffer
	buf.WriteString(sb.String())
	for _, v := range []int16{-32768, 0, 100} {
		binary.Write(&buf, binary.BigEndian, v)
	}

	res := NewImage()
	if err := res.Read(&buf, true, io.Discard); err != nil {
		t.Fatal(err)
	}
	want := []float32{-32768, 32768, 32968}
	equalData(t, res.Data, want)
	if res.Bzero != 0 || res.Bscale != 1 {
		t.Errorf("scaling not folded into data: bzero %g bscale %g", res.Bzero, res.Bscale)
	}
}

func TestReadErrors(t *testing.T) {
	img := randomCube(4, 4, 4)
	var buf bytes.Buffer
	if err := img.Write(&buf); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()

	// truncated data
	res := NewImage()
	if err := res.Read(bytes.NewReader(full[:fitsBlockSize+10]), true, io.Discard); err == nil {
		t.Errorf("expected error for truncated data")
	}

	// header only is fine without data
	res = NewImage()
	if err := res.Read(bytes.NewReader(full[:fitsBlockSize]), false, io.Discard); err != nil {
		t.Errorf("unexpected error reading header only: %s", err)
	}

	// not a FITS file
	res = NewImage()
	if err := res.Read(bytes.NewReader(make([]byte, fitsBlockSize)), true, io.Discard); err == nil {
		t.Errorf("expected error for missing header")
	}
}

func TestPlane(t *testing.T) {
	img := randomCube(5, 4, 3)
	p, err := img.Plane(2)
	if err != nil {
		t.Fatal(err)
	}
	if p.DimensionsToString() != "5x4" {
		t.Errorf("got %s", p.DimensionsToString())
	}
	if p.At(1, 2, 0) != img.At(1, 2, 2) {
		t.Errorf("plane value mismatch")
	}
	if _, err := img.Plane(3); err == nil {
		t.Errorf("expected error for plane out of range")
	}
}

func TestTIFF16RoundTrip(t *testing.T) {
	data := []float32{0, 1000, 65535, 32768, 7, float32(math.NaN())}
	img := NewImageFromNaxisn([]int32{3, 2}, data)
	fileName := filepath.Join(t.TempDir(), "plane.tif")
	if err := img.WriteMonoTIFF16ToFile(fileName, 0, 65535, 1); err != nil {
		t.Fatal(err)
	}
	res, err := NewImageFromFile(fileName, 0, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if res.DimensionsToString() != "3x2" {
		t.Fatalf("got %s", res.DimensionsToString())
	}
	for i, want := range data {
		if math.IsNaN(float64(want)) {
			want = 0
		}
		if d := res.Data[i] - want; d < -1 || d > 1 {
			t.Errorf("value %d: got %g want %g", i, res.Data[i], want)
		}
	}
}

func TestWriteMonoJPG(t *testing.T) {
	img := randomCube(16, 8, 1)
	var buf bytes.Buffer
	if err := img.WriteMonoJPG(&buf, img.Min, img.Max, 2.2, 90); err != nil {
		t.Fatal(err)
	}
	res, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Bounds().Dx() != 16 || res.Bounds().Dy() != 8 {
		t.Errorf("got bounds %v", res.Bounds())
	}
}
