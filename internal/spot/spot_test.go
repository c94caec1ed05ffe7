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
	"math"
	"testing"

	"github.com/valyala/fastrand"
)

func TestDetectSingleMaximum(t *testing.T) {
	field, err := NewVolumeFromData(3, 3, 1, []float32{0, 0, 0, 0, 5, 0, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	peaks := Detect(field, 1, 1, 0, true)
	if len(peaks) != 1 {
		t.Fatalf("got %d peaks, expect 1", len(peaks))
	}
	p := peaks[0]
	if p.Y != 1 || p.X != 1 || p.Z != 0 || p.Value != 5 || p.Index != 4 {
		t.Errorf("got peak %+v", p)
	}
}

func TestDetect(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name      string
		ny, nx    int
		data      []float32
		threshold float32
		radius    int
		dedup     bool
		expect    []int
	}{
		{"below threshold", 3, 3, []float32{0, 0, 0, 0, 1, 0, 0, 0, 0}, 1, 1, true, []int{}},
		{"two separated", 1, 5, []float32{3, 0, 0, 0, 4}, 1, 1, true, []int{0, 4}},
		{"neighbours suppress", 1, 5, []float32{3, 4, 0, 0, 0}, 1, 1, true, []int{1}},
		{"tie deduplicated", 1, 4, []float32{0, 2, 2, 0}, 1, 1, true, []int{1}},
		{"tie kept", 1, 4, []float32{0, 2, 2, 0}, 1, 1, false, []int{1, 2}},
		{"plateau deduplicated", 1, 5, []float32{0, 3, 3, 3, 0}, 1, 1, true, []int{1}},
		{"tie with a non-maximum", 1, 6, []float32{6, 5, 5, 0, 0, 0}, 1, 1, true, []int{0, 2}},
		{"tie with a non-maximum kept", 1, 6, []float32{6, 5, 5, 0, 0, 0}, 1, 1, false, []int{0, 2}},
		{"nan ignored", 3, 3, []float32{nan, nan, nan, nan, 2, nan, nan, nan, nan}, 1, 1, true, []int{4}},
		{"nan never max", 1, 3, []float32{nan, 0, 0}, -1, 1, true, []int{1}},
		{"all nan", 2, 2, []float32{nan, nan, nan, nan}, -10, 1, true, []int{}},
		{"radius reaches", 1, 5, []float32{3, 0, 4, 0, 0}, 1, 2, true, []int{2}},
		{"diagonal outside ellipse", 3, 3, []float32{4, 0, 0, 0, 0, 0, 0, 0, 5}, 1, 1, true, []int{0, 8}},
	}
	for _, test := range tests {
		field, err := NewVolumeFromData(test.ny, test.nx, 1, test.data)
		if err != nil {
			t.Fatal(err)
		}
		peaks := Detect(field, test.threshold, test.radius, 0, test.dedup)
		if len(peaks) != len(test.expect) {
			t.Errorf("%s: got %d peaks %+v, expect %v", test.name, len(peaks), peaks, test.expect)
			continue
		}
		for i, p := range peaks {
			if p.Index != test.expect[i] {
				t.Errorf("%s: peak %d at index %d, expect %d", test.name, i, p.Index, test.expect[i])
			}
		}
	}
}

func TestDetect3D(t *testing.T) {
	field := NewVolume(5, 5, 5)
	field.Set(2, 2, 1, 3)
	field.Set(2, 2, 3, 4)
	if peaks := Detect(field, 0, 1, 2, true); len(peaks) != 1 || peaks[0].Z != 3 {
		t.Errorf("radius z 2 got %+v", peaks)
	}
	if peaks := Detect(field, 0, 1, 1, true); len(peaks) != 2 {
		t.Errorf("radius z 1 got %+v", peaks)
	}
	if peaks := Detect(field, 0, 1, 0, true); len(peaks) != 2 {
		t.Errorf("radius z 0 got %+v", peaks)
	}
}

func TestDetectReproducible(t *testing.T) {
	rng := fastrand.RNG{}
	field := NewVolume(20, 20, 4)
	for i := range field.Data {
		field.Data[i] = float32(rng.Uint32n(4)) // many ties
	}
	a := Detect(field, 0, 2, 1, true)
	b := Detect(field, 0, 2, 1, true)
	if len(a) != len(b) {
		t.Fatalf("got %d and %d peaks", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("peak %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
	// with deduplication, no two peaks may be neighbours
	offsets := ellipsoidOffsets(2, 1)
	isPeak := map[int]bool{}
	for _, p := range a {
		isPeak[p.Index] = true
	}
	for _, p := range a {
		for _, o := range offsets {
			if field.Contains(p.Y+o.dy, p.X+o.dx, p.Z+o.dz) && isPeak[field.Index(p.Y+o.dy, p.X+o.dx, p.Z+o.dz)] {
				t.Errorf("peaks %+v and offset %+v are neighbours", p, o)
			}
		}
	}
}

func TestIsolated(t *testing.T) {
	peaks := []Peak{
		{Y: 0, X: 0, Z: 0},
		{Y: 0, X: 3, Z: 0},
		{Y: 20, X: 20, Z: 0},
		{Y: 40, X: 40, Z: 0},
		{Y: 40, X: 41, Z: 5},
	}
	iso := Isolated(peaks, 5, 2)
	expect := []bool{false, false, true, true, true}
	for i := range expect {
		if iso[i] != expect[i] {
			t.Errorf("peak %d isolated %v expect %v", i, iso[i], expect[i])
		}
	}
	iso = Isolated(peaks, 5, 0)
	if iso[3] || iso[4] {
		t.Errorf("ignoring z, peaks 3 and 4 must not be isolated")
	}
	if len(Isolated(nil, 5, 2)) != 0 {
		t.Errorf("expected empty result")
	}
}

func TestKDTree3(t *testing.T) {
	rng := fastrand.RNG{}
	points := make([]TilePoint, 50)
	for i := range points {
		points[i] = TilePoint{Y: float32(rng.Uint32n(100)), X: float32(rng.Uint32n(100)), Z: float32(rng.Uint32n(10)), Tile: i}
	}
	tree := make(KDTree3, len(points))
	copy(tree, points)
	tree.Make()
	for k := 0; k < 500; k++ {
		p := TilePoint{Y: float32(rng.Uint32n(100)), X: float32(rng.Uint32n(100)), Z: float32(rng.Uint32n(10))}
		best, bestDsq := points[0], distSquared(p, points[0])
		for _, q := range points[1:] {
			if dsq := distSquared(p, q); closer(dsq, q, bestDsq, best) {
				best, bestDsq = q, dsq
			}
		}
		got, gotDsq := tree.NearestNeighbor(p)
		if got.Tile != best.Tile || gotDsq != bestDsq {
			t.Errorf("nearest to %+v got tile %d dsq %f, expect tile %d dsq %f", p, got.Tile, gotDsq, best.Tile, bestDsq)
		}
	}
}

func TestDuplicates(t *testing.T) {
	// two tiles of size 10 overlapping by 2 pixels in x
	origins := [][3]float32{{0, 0, 0}, {0, 8, 0}}
	centres := TileCentres(10, 4, origins)
	if centres[1].X != 13 || centres[1].Z != 2 {
		t.Fatalf("centre of tile 1 %+v", centres[1])
	}
	d, err := NewDuplicateFilter(centres)
	if err != nil {
		t.Fatal(err)
	}

	if d.IsDuplicate([3]float32{5, 4, 1}, 0) {
		t.Errorf("spot near own centre flagged")
	}
	if !d.IsDuplicate([3]float32{5, 10, 1}, 0) {
		t.Errorf("spot nearer tile 1 not flagged")
	}
	if d.IsDuplicate([3]float32{5, 10, 1}, 1) {
		t.Errorf("spot nearer tile 1 flagged on tile 1")
	}
	// exactly equidistant at x=9, both tiles keep it
	tie := [3]float32{5, 9, 2}
	if centres[0].X+4 != tie[1] || d.IsDuplicate(tie, 0) || d.IsDuplicate(tie, 1) {
		t.Errorf("equidistant spot must be kept by its originating tile")
	}

	peaks := []Peak{{Y: 5, X: 2, Z: 1}, {Y: 5, X: 9, Z: 1}, {Y: 5, X: 1, Z: 1}}
	once, err := d.RemoveDuplicates(peaks, 1, origins[1])
	if err != nil {
		t.Fatal(err)
	}
	// on tile 1, local x 2 is global 10, x 9 is global 17, x 1 is global 9 which is a tie
	if len(once) != 3 {
		t.Errorf("got %d peaks after first pass: %+v", len(once), once)
	}
	peaks0 := []Peak{{Y: 5, X: 10, Z: 1}, {Y: 5, X: 3, Z: 1}}
	once, _ = d.RemoveDuplicates(peaks0, 0, origins[0])
	if len(once) != 1 || once[0].X != 3 {
		t.Fatalf("first pass got %+v", once)
	}
	twice, _ := d.RemoveDuplicates(append([]Peak{}, once...), 0, origins[0])
	if len(twice) != len(once) || twice[0] != once[0] {
		t.Errorf("second pass changed result: %+v vs %+v", twice, once)
	}
	if _, err := d.RemoveDuplicates(peaks0, 2, origins[0]); err == nil {
		t.Errorf("expected error for tile out of range")
	}
}

func TestVolume(t *testing.T) {
	v := NewVolume(2, 3, 4)
	for i := range v.Data {
		y, x, z := v.Coords(i)
		if v.Index(y, x, z) != i {
			t.Errorf("index %d coords %d %d %d round trip failed", i, y, x, z)
		}
	}
	if !v.IsZero() {
		t.Errorf("new volume not zero")
	}
	v.Set(1, 2, 3, 7)
	v.Set(0, 0, 1, float32(math.NaN()))
	proj := v.MaxProjectionZ()
	if proj[5] != 7 || proj[0] != 0 {
		t.Errorf("projection %v", proj)
	}
	if _, err := NewVolumeFromData(2, 2, 2, make([]float32, 7)); err == nil {
		t.Errorf("expected shape error")
	}
}
