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

package calib

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Cosine similarity of a colour and a code. Zero vectors give zero
func cosine(colour, code []float64) float64 {
	nc, nb := floats.Norm(colour, 2), floats.Norm(code, 2)
	if nc == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(colour, code) / (nc * nb)
}

// Probability of each gene for each spot, as the softmax over genes of kappa times the cosine similarity
// between spot colour and bled code. Returns N x genes values. Codes holds genes x rounds x channels values.
func GeneProbScore(sc *SpotColours, codes []float64, kappa float64) []float64 {
	rc := sc.Rounds * sc.Channels
	nGenes := len(codes) / rc
	res := make([]float64, sc.N*nGenes)
	for i := 0; i < sc.N; i++ {
		colour := sc.Colour(i)
		probs := res[i*nGenes : (i+1)*nGenes]
		for g := range probs {
			probs[g] = kappa * cosine(colour, codes[g*rc:(g+1)*rc])
		}
		// subtract the maximum for numerical stability
		max := floats.Max(probs)
		sum := 0.0
		for g := range probs {
			probs[g] = math.Exp(probs[g] - max)
			sum += probs[g]
		}
		floats.Scale(1/sum, probs)
	}
	return res
}

// Dot product of each unit-normalised spot colour with each bled code. Returns the best gene and its score per spot
func DotProductScore(sc *SpotColours, codes []float64) (genes []int16, scores []float64) {
	rc := sc.Rounds * sc.Channels
	nGenes := len(codes) / rc
	genes, scores = make([]int16, sc.N), make([]float64, sc.N)
	for i := 0; i < sc.N; i++ {
		colour := sc.Colour(i)
		norm := floats.Norm(colour, 2)
		best, bestScore := 0, math.Inf(-1)
		for g := 0; g < nGenes; g++ {
			s := 0.0
			if norm > 0 {
				s = floats.Dot(colour, codes[g*rc:(g+1)*rc]) / norm
			}
			if s > bestScore {
				best, bestScore = g, s
			}
		}
		genes[i], scores[i] = int16(best), bestScore
	}
	return genes, scores
}

// Index and value of the largest entry of each row of an n x m matrix
func argMaxRows(data []float64, m int) (idx []int, vals []float64) {
	n := len(data) / m
	idx, vals = make([]int, n), make([]float64, n)
	for i := 0; i < n; i++ {
		idx[i] = floats.MaxIdx(data[i*m : (i+1)*m])
		vals[i] = data[i*m+idx[i]]
	}
	return idx, vals
}
