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

// Package omp assigns genes to pixel colours by orthogonal matching pursuit, and turns the resulting coefficient
// images into scores using an expected spot shape.
package omp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// Marks a pixel for which no gene was assigned in a given iteration. Numerically compatible with stored results
const NoGene int16 = -32768

// A set of codes, one per gene or background channel, each a rounds x channels matrix stored round-major
type Codes struct {
	N        int // number of codes
	Rounds   int
	Channels int
	Data     []float32 // N*Rounds*Channels values
}

// Creates a set of codes from the given data, checking the shape
func NewCodes(n, rounds, channels int, data []float32) (*Codes, error) {
	if n < 0 || rounds <= 0 || channels <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid code shape %dx%dx%d", n, rounds, channels))
	}
	if len(data) != n*rounds*channels {
		return nil, errors.New(fmt.Sprintf("code shape %dx%dx%d does not match %d values", n, rounds, channels, len(data)))
	}
	return &Codes{N: n, Rounds: rounds, Channels: channels, Data: data}, nil
}

// Length of a single code
func (c *Codes) Len() int { return c.Rounds * c.Channels }

// Returns the code with the given index. Shares memory with the set
func (c *Codes) Code(i int) []float32 {
	rc := c.Len()
	return c.Data[i*rc : (i+1)*rc]
}

// Creates one background code per channel, which is uniformly bright in that channel for all rounds.
// Normalised like gene bled codes
func BackgroundCodes(rounds, channels int) *Codes {
	rc := rounds * channels
	data := make([]float32, channels*rc)
	val := float32(1 / math.Sqrt(float64(rounds)))
	for c := 0; c < channels; c++ {
		for r := 0; r < rounds; r++ {
			data[c*rc+r*channels+c] = val
		}
	}
	return &Codes{N: channels, Rounds: rounds, Channels: channels, Data: data}
}

// Concatenates two sets of codes with identical shapes
func Concat(a, b *Codes) (*Codes, error) {
	if a.Rounds != b.Rounds || a.Channels != b.Channels {
		return nil, errors.New(fmt.Sprintf("cannot concatenate %dx%d codes with %dx%d codes", a.Rounds, a.Channels, b.Rounds, b.Channels))
	}
	data := make([]float32, 0, len(a.Data)+len(b.Data))
	data = append(data, a.Data...)
	data = append(data, b.Data...)
	return &Codes{N: a.N + b.N, Rounds: a.Rounds, Channels: a.Channels, Data: data}, nil
}

// Checks that every code has unit Frobenius norm, within float32 tolerance. NaN, infinite and zero codes fail
func (c *Codes) CheckNormalised(name string) error {
	rc := c.Len()
	for i := 0; i < c.N; i++ {
		norm := blas32.Nrm2(blas32.Vector{N: rc, Data: c.Code(i), Inc: 1})
		if !(math.Abs(float64(norm)-1) <= 1e-8+1e-5) {
			return errors.New(fmt.Sprintf("%s code %d has L2 norm %g, expected 1; codes must be normalised during calibration", name, i, norm))
		}
	}
	return nil
}

// Normalises every code to unit Frobenius norm in place. Zero codes are left unchanged
func (c *Codes) Normalise() {
	rc := c.Len()
	for i := 0; i < c.N; i++ {
		v := blas32.Vector{N: rc, Data: c.Code(i), Inc: 1}
		if norm := blas32.Nrm2(v); norm > 0 {
			blas32.Scal(1/norm, v)
		}
	}
}

// A batch of pixel colours, each a rounds x channels matrix stored round-major
type Colours struct {
	N        int
	Rounds   int
	Channels int
	Data     []float32
}

// Creates a batch of colours from the given data, checking the shape
func NewColours(n, rounds, channels int, data []float32) (*Colours, error) {
	if n < 0 || rounds <= 0 || channels <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid colour shape %dx%dx%d", n, rounds, channels))
	}
	if len(data) != n*rounds*channels {
		return nil, errors.New(fmt.Sprintf("colour shape %dx%dx%d does not match %d values", n, rounds, channels, len(data)))
	}
	return &Colours{N: n, Rounds: rounds, Channels: channels, Data: data}, nil
}

// Returns the colour of pixel i. Shares memory with the batch
func (c *Colours) Colour(i int) []float32 {
	rc := c.Rounds * c.Channels
	return c.Data[i*rc : (i+1)*rc]
}
