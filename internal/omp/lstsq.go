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
	"gonum.org/v1/gonum/blas/blas32"
)

// Scratch space for float32 least squares with Householder QR
type lstsqWork struct {
	a    []float32 // column-major m x k matrix, overwritten
	b    []float32 // right hand side, overwritten
	diag []float32 // diagonal of R
}

func newLstsqWork(m, k int) *lstsqWork {
	return &lstsqWork{a: make([]float32, m*k), b: make([]float32, m), diag: make([]float32, k)}
}

func vec(d []float32) blas32.Vector { return blas32.Vector{N: len(d), Data: d, Inc: 1} }

// Solves min ||A x - b|| for the column-major m x k matrix in w.a and the vector in w.b, writing the k weights into x.
// Uses Householder QR in single precision, which agrees with gonum's float64 mat.QR and SolveVecTo on full rank
// input. Columns which are numerically dependent on earlier ones get weight zero, as do columns beyond m
func (w *lstsqWork) solve(m, k int, x []float32) {
	a, b := w.a[:m*k], w.b[:m]
	n := k
	if m < n {
		n = m
	}
	maxDiag := float32(0)
	for j := 0; j < n; j++ {
		col := a[j*m : (j+1)*m]
		v := col[j:]
		norm := blas32.Nrm2(vec(v))
		if norm == 0 {
			w.diag[j] = 0
			continue
		}
		alpha := -norm
		if v[0] < 0 {
			alpha = norm
		}
		v[0] -= alpha // v = col - alpha*e1
		vv := blas32.Dot(vec(v), vec(v))
		for c := j + 1; c < k; c++ {
			cc := a[c*m+j : (c+1)*m]
			s := 2 * blas32.Dot(vec(v), vec(cc)) / vv
			blas32.Axpy(-s, vec(v), vec(cc))
		}
		bb := b[j:]
		s := 2 * blas32.Dot(vec(v), vec(bb)) / vv
		blas32.Axpy(-s, vec(v), vec(bb))
		w.diag[j] = alpha
		if alpha < 0 {
			alpha = -alpha
		}
		if alpha > maxDiag {
			maxDiag = alpha
		}
	}

	// back substitution on R x = Q^T b
	tol := maxDiag * 1e-6
	for j := n - 1; j >= 0; j-- {
		d := w.diag[j]
		if d <= tol && d >= -tol {
			x[j] = 0
			continue
		}
		sum := b[j]
		for c := j + 1; c < n; c++ {
			sum -= a[c*m+j] * x[c]
		}
		x[j] = sum / d
	}
	for j := n; j < k; j++ {
		x[j] = 0
	}
}
