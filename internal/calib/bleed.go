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

// Package calib estimates the bleed matrix, the bled codes of all genes and the per tile, round and channel
// intensity normalisation from reference spots with putative gene assignments.
package calib

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Expected per-channel intensity of each dye, one row per dye
type BleedMatrix struct {
	Dyes     int
	Channels int
	Data     []float64 // Dyes x Channels, row-major
}

// Creates a bleed matrix from the given data, checking the shape
func NewBleedMatrix(dyes, channels int, data []float64) (*BleedMatrix, error) {
	if dyes <= 0 || channels <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid bleed matrix shape %dx%d", dyes, channels))
	}
	if len(data) != dyes*channels {
		return nil, errors.New(fmt.Sprintf("bleed matrix shape %dx%d does not match %d values", dyes, channels, len(data)))
	}
	return &BleedMatrix{Dyes: dyes, Channels: channels, Data: data}, nil
}

// Returns the row of dye d. Shares memory with the matrix
func (b *BleedMatrix) Row(d int) []float64 {
	return b.Data[d*b.Channels : (d+1)*b.Channels]
}

// Returns a deep copy
func (b *BleedMatrix) Clone() *BleedMatrix {
	data := make([]float64, len(b.Data))
	copy(data, b.Data)
	return &BleedMatrix{Dyes: b.Dyes, Channels: b.Channels, Data: data}
}

// Normalises every row to unit L2 norm. Returns an error for zero or non-finite rows
func (b *BleedMatrix) NormaliseRows() error {
	for d := 0; d < b.Dyes; d++ {
		row := b.Row(d)
		norm := floats.Norm(row, 2)
		if !(norm > 0) || math.IsInf(norm, 0) {
			return errors.New(fmt.Sprintf("bleed matrix row of dye %d has norm %g", d, norm))
		}
		floats.Scale(1/norm, row)
	}
	return nil
}

// For each channel, the dye with the largest bleed matrix entry
func (b *BleedMatrix) DominantDyes() []int {
	res := make([]int, b.Channels)
	for c := 0; c < b.Channels; c++ {
		best := math.Inf(-1)
		for d := 0; d < b.Dyes; d++ {
			if v := b.Data[d*b.Channels+c]; v > best {
				best, res[c] = v, d
			}
		}
	}
	return res
}

// Bad (tile, round, channel) combinations, excluded from bleed matrix estimation
type BadTRC map[[3]int]bool

// Creates a lookup set from a list of (tile, round, channel) triples
func NewBadTRC(list [][3]int) BadTRC {
	res := BadTRC{}
	for _, trc := range list {
		res[trc] = true
	}
	return res
}

// Estimates the bleed matrix from spot colours with their gene assignments. For each dye, gathers the round colours
// of all spots whose gene uses that dye in that round, zeroes bad tile/round/channel entries, keeps rows with a
// positive sum, and takes the first right singular vector, sign-fixed so its largest-magnitude entry is positive.
// Dyes without qualifying rows fall back to the corresponding row of the fallback matrix with a warning.
func ComputeBleedMatrix(sc *SpotColours, spots []int, genes []int, geneCodes [][]int, bad BadTRC,
	fallback *BleedMatrix, logWriter io.Writer) (*BleedMatrix, error) {
	if fallback.Channels != sc.Channels {
		return nil, errors.New(fmt.Sprintf("fallback bleed matrix has %d channels, spot colours %d", fallback.Channels, sc.Channels))
	}
	nDyes, nChannels := fallback.Dyes, sc.Channels
	res := &BleedMatrix{Dyes: nDyes, Channels: nChannels, Data: make([]float64, nDyes*nChannels)}

	for d := 0; d < nDyes; d++ {
		rows := []float64{}
		for i, s := range spots {
			code := geneCodes[genes[i]]
			for r := 0; r < sc.Rounds; r++ {
				if code[r] != d {
					continue
				}
				row := make([]float64, nChannels)
				copy(row, sc.Round(s, r))
				for c := range row {
					if bad[[3]int{sc.Tiles[s], r, c}] {
						row[c] = 0
					}
				}
				if floats.Sum(row) > 0 {
					rows = append(rows, row...)
				}
			}
		}
		if len(rows) == 0 {
			fmt.Fprintf(logWriter, "Warning: no spots with positive intensity for dye %d, using the raw bleed matrix row\n", d)
			copy(res.Row(d), fallback.Row(d))
			continue
		}

		m := mat.NewDense(len(rows)/nChannels, nChannels, rows)
		var svd mat.SVD
		if ok := svd.Factorize(m, mat.SVDThinV); !ok {
			fmt.Fprintf(logWriter, "Warning: singular value decomposition failed for dye %d, using the raw bleed matrix row\n", d)
			copy(res.Row(d), fallback.Row(d))
			continue
		}
		var v mat.Dense
		svd.VTo(&v)
		dir := res.Row(d)
		mat.Col(dir, 0, &v)
		maxAbs, sign := 0.0, 1.0
		for _, x := range dir {
			if math.Abs(x) > maxAbs {
				maxAbs = math.Abs(x)
				if x < 0 {
					sign = -1
				} else {
					sign = 1
				}
			}
		}
		floats.Scale(sign, dir)
	}
	return res, nil
}
