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

package stats

import (
	"math"
	"testing"

	"github.com/valyala/fastrand"
)

func TestIntensity(t *testing.T) {
	tests := []struct {
		colour   []float32
		rounds   int
		channels int
		expect   float32
	}{
		{[]float32{0, 0, 0, 0}, 2, 2, 0},
		{[]float32{1, -3, 0.5, 0.25}, 2, 2, 0.5},
		{[]float32{2, 1, 4}, 3, 1, 1},
		{[]float32{-2, 1, 4, 0}, 1, 4, 4},
	}
	for _, test := range tests {
		res := Intensity(test.colour, test.rounds, test.channels)
		if res != test.expect {
			t.Errorf("intensity of %v got %f expect %f", test.colour, res, test.expect)
		}
	}
	all := Intensities([]float32{1, -3, 0.5, 0.25, 0, 0, 0, 0}, 2, 2)
	if len(all) != 2 || all[0] != 0.5 || all[1] != 0 {
		t.Errorf("intensities got %v", all)
	}
}

func TestSubsample(t *testing.T) {
	rng := fastrand.RNG{}
	data := make([]float32, 1000)
	for i := range data {
		data[i] = float32(i)
	}
	s := Subsample(data, 100, &rng)
	if len(s) != 100 {
		t.Fatalf("got %d samples", len(s))
	}
	for _, v := range s {
		if v < 0 || v >= 1000 || v != float32(int(v)) {
			t.Errorf("sample %f not drawn from data", v)
		}
	}
	s = Subsample(data[:10], 100, &rng)
	if len(s) != 10 {
		t.Errorf("short data got %d samples", len(s))
	}
}

// Box-Muller normal deviates from fastrand
func normal(rng *fastrand.RNG, mu, sigma float32) float32 {
	u1 := (float64(rng.Uint32n(1<<24)) + 1) / float64(1<<24)
	u2 := float64(rng.Uint32n(1<<24)) / float64(1<<24)
	return mu + sigma*float32(math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2))
}

func TestAutoThreshold(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(42)
	data := make([]float32, 20000)
	for i := range data {
		data[i] = normal(&rng, 10, 1)
	}
	for i := 0; i < 200; i++ {
		data[i] = 50 + float32(i) // bright outliers
	}
	th, err := AutoThreshold(data, 3, 10000, &rng)
	if err != nil {
		t.Fatal(err)
	}
	if th < 11.5 || th > 14.5 {
		t.Errorf("threshold %f, expected near 13", th)
	}

	if _, err := AutoThreshold(data[:5], 3, 10000, &rng); err == nil {
		t.Errorf("expected error for too few values")
	}
}
