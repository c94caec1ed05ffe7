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

package omp

import (
	"errors"
	"fmt"
	"sort"
)

// Column-wise access to a tile's coefficients, one dense column per gene
type CoefficientColumns interface {
	Pixels() int
	Genes() int
	Column(gene int) []float32
}

// A chunk of consecutive pixels in compressed sparse row format
type csrChunk struct {
	start  int     // first pixel index of the chunk
	n      int     // number of pixels
	rowPtr []int32 // n+1 offsets into genes and values
	genes  []int16
	values []float32
}

// Sparse coefficients of all pixels of a tile, accumulated chunk by chunk while solving.
// Most pixels have at most a handful of nonzero genes, so rows are stored compressed
type Coefficients struct {
	genes  int
	pixels int
	chunks []csrChunk
}

// Creates empty sparse coefficients for the given number of genes
func NewCoefficients(genes int) *Coefficients {
	return &Coefficients{genes: genes}
}

// Number of pixels appended so far
func (c *Coefficients) Pixels() int { return c.pixels }

// Number of genes
func (c *Coefficients) Genes() int { return c.genes }

// Number of stored nonzero coefficients
func (c *Coefficients) NonZeros() int {
	res := 0
	for _, ch := range c.chunks {
		res += len(ch.values)
	}
	return res
}

// Appends a chunk of n consecutive pixels. Only the pixels listed in rows, relative to the chunk start, may have
// nonzero coefficients, given row by row in dense, which holds len(rows) x genes values. Rows must be ascending
func (c *Coefficients) AppendRows(n int, rows []int32, dense []float32) error {
	if len(dense) != len(rows)*c.genes {
		return errors.New(fmt.Sprintf("%d coefficient values do not match %d rows of %d genes", len(dense), len(rows), c.genes))
	}
	ch := csrChunk{start: c.pixels, n: n, rowPtr: make([]int32, n+1)}
	r := 0
	for p := 0; p < n; p++ {
		ch.rowPtr[p] = int32(len(ch.values))
		if r < len(rows) && int(rows[r]) == p {
			for g, v := range dense[r*c.genes : (r+1)*c.genes] {
				if v != 0 {
					ch.genes = append(ch.genes, int16(g))
					ch.values = append(ch.values, v)
				}
			}
			r++
		}
	}
	if r != len(rows) {
		return errors.New(fmt.Sprintf("coefficient rows must be ascending and within %d pixels", n))
	}
	ch.rowPtr[n] = int32(len(ch.values))
	c.chunks = append(c.chunks, ch)
	c.pixels += n
	return nil
}

// Appends n consecutive pixels with dense n x genes coefficients
func (c *Coefficients) AppendDense(dense []float32) error {
	if c.genes == 0 || len(dense)%c.genes != 0 {
		return errors.New(fmt.Sprintf("%d coefficient values are not a multiple of %d genes", len(dense), c.genes))
	}
	n := len(dense) / c.genes
	rows := make([]int32, n)
	for i := range rows {
		rows[i] = int32(i)
	}
	return c.AppendRows(n, rows, dense)
}

// Returns the dense coefficient column of a gene over all pixels
func (c *Coefficients) Column(gene int) []float32 {
	res := make([]float32, c.pixels)
	g16 := int16(gene)
	for _, ch := range c.chunks {
		for p := 0; p < ch.n; p++ {
			for k := ch.rowPtr[p]; k < ch.rowPtr[p+1]; k++ {
				if ch.genes[k] == g16 {
					res[ch.start+p] = ch.values[k]
				}
			}
		}
	}
	return res
}

// Returns the dense coefficient columns of several genes in one pass over the sparse rows
func (c *Coefficients) Columns(genes []int) [][]float32 {
	res := make([][]float32, len(genes))
	slot := make(map[int16]int, len(genes))
	for i, g := range genes {
		res[i] = make([]float32, c.pixels)
		slot[int16(g)] = i
	}
	for _, ch := range c.chunks {
		for p := 0; p < ch.n; p++ {
			for k := ch.rowPtr[p]; k < ch.rowPtr[p+1]; k++ {
				if i, ok := slot[ch.genes[k]]; ok {
					res[i][ch.start+p] = ch.values[k]
				}
			}
		}
	}
	return res
}

// Returns the nonzero genes and coefficients of a pixel. Shares memory with the coefficients
func (c *Coefficients) Row(pixel int) (genes []int16, values []float32) {
	i := sort.Search(len(c.chunks), func(i int) bool { return c.chunks[i].start+c.chunks[i].n > pixel })
	if i == len(c.chunks) || pixel < 0 {
		return nil, nil
	}
	ch := &c.chunks[i]
	p := pixel - ch.start
	lo, hi := ch.rowPtr[p], ch.rowPtr[p+1]
	return ch.genes[lo:hi], ch.values[lo:hi]
}
