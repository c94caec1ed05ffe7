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
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/genelight/internal/qsort"
	"github.com/valyala/fastrand"
)

// Intensity of a single colour with given rounds and channels, stored round-major:
// the minimum over rounds of the maximum absolute value over channels
func Intensity(colour []float32, rounds, channels int) float32 {
	res := float32(math.MaxFloat32)
	for r := 0; r < rounds; r++ {
		max := float32(0)
		for _, v := range colour[r*channels : (r+1)*channels] {
			if v < 0 {
				v = -v
			}
			if v > max {
				max = v
			}
		}
		if max < res {
			res = max
		}
	}
	return res
}

// Intensities of all colours in a flat array of n colours of rounds x channels each
func Intensities(colours []float32, rounds, channels int) []float32 {
	rc := rounds * channels
	n := len(colours) / rc
	res := make([]float32, n)
	for i := 0; i < n; i++ {
		res[i] = Intensity(colours[i*rc:(i+1)*rc], rounds, channels)
	}
	return res
}

// Returns a random subsample of at most maxSamples elements, drawn with replacement.
// Returns a copy of the data if it is short enough
func Subsample(data []float32, maxSamples int, rng *fastrand.RNG) []float32 {
	if len(data) <= maxSamples {
		res := make([]float32, len(data))
		copy(res, data)
		return res
	}
	res := make([]float32, maxSamples)
	for i := range res {
		res[i] = data[rng.Uint32n(uint32(len(data)))]
	}
	return res
}

// Derives a threshold separating background from signal, as mode plus the given multiple of the standard deviation
// of the histogram peak. Works on a random subsample of the data, NaNs are ignored
func AutoThreshold(data []float32, sigmas float32, maxSamples int, rng *fastrand.RNG) (threshold float32, err error) {
	samples := Subsample(data, maxSamples, rng)
	o := 0
	for _, v := range samples {
		if !math.IsNaN(float64(v)) {
			samples[o] = v
			o++
		}
	}
	samples = samples[:o]
	if len(samples) < 16 {
		return 0, errors.New(fmt.Sprintf("too few values (%d) to estimate a threshold", len(samples)))
	}

	min := qsort.QSelectPercentileFloat32(samples, 0.5)
	max := qsort.QSelectPercentileFloat32(samples, 99.5)
	if max-min < 1e-12 {
		return max, nil
	}
	bins := make([]int32, 256)
	Histogram(samples, min, max, bins)
	mode, stdDev, err := GetModeStdDevFromHistogram(bins, min, max)
	if err != nil {
		return 0, err
	}
	return mode + sigmas*stdDev, nil
}
