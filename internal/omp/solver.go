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
	"math"

	"github.com/mlnoga/genelight/internal/stats"
	"gonum.org/v1/gonum/blas/blas32"
)

// Orthogonal matching pursuit solver for gene coefficients. Reentrant, holds parameters only
type Solver struct {
	MaxIterations       int     // maximum number of genes assigned to one pixel
	DotProductThreshold float32 // a gene needs a score above this on the weighted residual to be assigned
	MinimumIntensity    float32 // residual intensity min_r max_c |residual| must reach this to continue
	Alpha               float32 // variance of the error scaling with the assigned genes' signal
	Beta                float32 // constant variance of the error
	Diagnostics         bool    // record per-iteration scores and final gene weights
}

// Result of solving a batch of pixels
type Solution struct {
	N             int
	Genes         int
	MaxIterations int
	Coefficients  []float32 // N x Genes
	Selections    []int16   // N x MaxIterations gene indices in selection order, padded with NoGene

	// Only with Diagnostics. Scores[it] holds N x (Genes+background) dot product scores of iteration it,
	// including the iteration in which a pixel stopped; zeros for pixels no longer active.
	Scores [][]float32
	// Only with Diagnostics. N x Genes final least squares weights, NaN for genes not assigned
	Weights []float32
}

// Coefficients of pixel i. Shares memory with the solution
func (s *Solution) Coefficient(i int) []float32 {
	return s.Coefficients[i*s.Genes : (i+1)*s.Genes]
}

// Gene selections of pixel i. Shares memory with the solution
func (s *Solution) Selection(i int) []int16 {
	return s.Selections[i*s.MaxIterations : (i+1)*s.MaxIterations]
}

// Checks solver parameters and the shapes and norms of the inputs
func (s *Solver) check(colours *Colours, bled, background *Codes) error {
	if s.MaxIterations <= 0 {
		return errors.New(fmt.Sprintf("maximum iterations must be positive, got %d", s.MaxIterations))
	}
	if s.MaxIterations > math.MaxInt16 {
		return errors.New(fmt.Sprintf("maximum iterations %d too large", s.MaxIterations))
	}
	if !(s.DotProductThreshold >= 0) {
		return errors.New(fmt.Sprintf("dot product threshold must be non-negative, got %g", s.DotProductThreshold))
	}
	if !(s.MinimumIntensity >= 0) {
		return errors.New(fmt.Sprintf("minimum intensity must be non-negative, got %g", s.MinimumIntensity))
	}
	if !(s.Alpha >= 0) {
		return errors.New(fmt.Sprintf("alpha must be non-negative, got %g", s.Alpha))
	}
	if !(s.Beta > 0) {
		return errors.New(fmt.Sprintf("beta must be positive, got %g; the residual weighting divides by beta squared where no gene contributes", s.Beta))
	}
	if colours == nil || colours.N == 0 {
		return errors.New("no pixel colours to solve")
	}
	if bled == nil || bled.N == 0 {
		return errors.New("no bled codes given")
	}
	if bled.N+1 > math.MaxInt16 {
		return errors.New(fmt.Sprintf("too many genes (%d)", bled.N))
	}
	if background == nil || background.N == 0 {
		return errors.New("no background codes given, at least one is required")
	}
	if colours.Rounds != bled.Rounds || colours.Channels != bled.Channels {
		return errors.New(fmt.Sprintf("pixel colours of %d rounds x %d channels do not match bled codes of %d rounds x %d channels",
			colours.Rounds, colours.Channels, bled.Rounds, bled.Channels))
	}
	if background.Rounds != bled.Rounds || background.Channels != bled.Channels {
		return errors.New(fmt.Sprintf("background codes of %d rounds x %d channels do not match bled codes of %d rounds x %d channels",
			background.Rounds, background.Channels, bled.Rounds, bled.Channels))
	}
	if len(colours.Data) != colours.N*colours.Rounds*colours.Channels {
		return errors.New(fmt.Sprintf("colour data length %d does not match %d pixels", len(colours.Data), colours.N))
	}
	if err := bled.CheckNormalised("bled"); err != nil {
		return err
	}
	return background.CheckNormalised("background")
}

// Per-pixel scratch space
type pixelWork struct {
	lstsq    *lstsqWork
	weights  []float32 // per selected gene
	sigmaInv []float32 // per round/channel
	recon    []float32 // sum of weighted codes
	tmp      []float32
}

func newPixelWork(rc, maxIter int) *pixelWork {
	return &pixelWork{
		lstsq:    newLstsqWork(rc, maxIter),
		weights:  make([]float32, maxIter),
		sigmaInv: make([]float32, rc),
		recon:    make([]float32, rc),
		tmp:      make([]float32, rc),
	}
}

// Computes OMP coefficients for all pixel colours. At each iteration, every still active pixel is scored against all
// bled and background codes on its weighted residual. A pixel stops if no score exceeds the threshold, if its best
// code is already selected or a background code, or if its residual is too dim. Stopped pixels keep their
// coefficients. Active pixels are refitted jointly on all selected genes, which gives new coefficients and the
// round/channel weighting of the residual for the next iteration.
// All arithmetic is single precision.
func (s *Solver) Solve(colours *Colours, bled, background *Codes) (*Solution, error) {
	if err := s.check(colours, bled, background); err != nil {
		return nil, err
	}
	all, err := Concat(bled, background)
	if err != nil {
		return nil, err
	}

	n, nGenes, maxIter := colours.N, bled.N, s.MaxIterations
	rc := colours.Rounds * colours.Channels
	sol := &Solution{
		N:             n,
		Genes:         nGenes,
		MaxIterations: maxIter,
		Coefficients:  make([]float32, n*nGenes),
		Selections:    make([]int16, n*maxIter),
	}
	for i := range sol.Selections {
		sol.Selections[i] = NoGene
	}
	if s.Diagnostics {
		sol.Weights = make([]float32, n*nGenes)
		for i := range sol.Weights {
			sol.Weights[i] = float32(math.NaN())
		}
	}

	residuals := make([]float32, len(colours.Data))
	copy(residuals, colours.Data)
	active := make([]int32, n)
	for i := range active {
		active[i] = int32(i)
	}
	scores := make([]float32, all.N)
	work := newPixelWork(rc, maxIter)

	for it := 0; it < maxIter && len(active) > 0; it++ {
		var itScores []float32
		if s.Diagnostics {
			itScores = make([]float32, n*all.N)
			sol.Scores = append(sol.Scores, itScores)
		}

		// find next gene assignments, narrowing the active set in place
		next := active[:0]
		for _, p := range active {
			residual := residuals[int(p)*rc : (int(p)+1)*rc]
			selected := sol.Selection(int(p))[:it]
			g := s.nextGene(residual, colours.Rounds, colours.Channels, all, nGenes, selected, scores)
			if itScores != nil {
				copy(itScores[int(p)*all.N:(int(p)+1)*all.N], scores)
			}
			if g == NoGene {
				continue
			}
			sol.Selection(int(p))[it] = g
			next = append(next, p)
		}
		active = next

		// refit active pixels on all selected genes
		for _, p := range active {
			colour := colours.Colour(int(p))
			residual := residuals[int(p)*rc : (int(p)+1)*rc]
			selected := sol.Selection(int(p))[:it+1]
			s.fit(colour, selected, bled, residual, sol.Coefficient(int(p)), work)
			if sol.Weights != nil {
				w := sol.Weights[int(p)*nGenes : (int(p)+1)*nGenes]
				for j, g := range selected {
					w[g] = work.weights[j]
				}
			}
		}
	}
	return sol, nil
}

// Scores the residual against all codes and returns the next gene, or NoGene if the pixel fails assignment.
// The scores slice receives the dot product score of every code
func (s *Solver) nextGene(residual []float32, rounds, channels int, all *Codes, nGenes int, selected []int16, scores []float32) int16 {
	intensity := stats.Intensity(residual, rounds, channels)

	best, bestScore, passed := 0, float32(math.Inf(-1)), false
	r := vec(residual)
	for g := 0; g < all.N; g++ {
		sc := blas32.Dot(r, vec(all.Code(g)))
		scores[g] = sc
		if sc > bestScore {
			best, bestScore = g, sc
		}
		if sc > s.DotProductThreshold {
			passed = true
		}
	}

	if !passed || intensity < s.MinimumIntensity || best >= nGenes {
		return NoGene
	}
	for _, g := range selected {
		if int(g) == best {
			return NoGene
		}
	}
	return int16(best)
}

// Fits the selected genes jointly to the colour by least squares, updates the weighted residual in place
// and writes the sign-corrected coefficients of the selected genes
func (s *Solver) fit(colour []float32, selected []int16, bled *Codes, residual, coefs []float32, work *pixelWork) {
	rc, k := len(colour), len(selected)

	// least squares weights against the original colour
	for j, g := range selected {
		copy(work.lstsq.a[j*rc:(j+1)*rc], bled.Code(int(g)))
	}
	copy(work.lstsq.b, colour)
	weights := work.weights[:k]
	work.lstsq.solve(rc, k, weights)

	// error variance per round/channel, inverted and normalised into the residual weighting
	recon := work.recon
	for i := range recon {
		recon[i] = 0
	}
	beta2 := s.Beta * s.Beta
	for i := range work.sigmaInv {
		work.sigmaInv[i] = 0
	}
	for j, g := range selected {
		code := bled.Code(int(g))
		w := weights[j]
		for i, c := range code {
			wc := w * c
			recon[i] += wc
			work.sigmaInv[i] += wc * wc
		}
	}
	sumInv := float32(0)
	for i := range work.sigmaInv {
		inv := 1 / (beta2 + s.Alpha*work.sigmaInv[i])
		work.sigmaInv[i] = inv
		sumInv += inv
	}
	epsScale := float32(rc) / sumInv
	for i := range residual {
		residual[i] = (colour[i] - recon[i]) * work.sigmaInv[i] * epsScale
	}

	// leave-one-out coefficients: dot(colour - other genes, own weighted code), with the sign of the weight
	for j, g := range selected {
		code := bled.Code(int(g))
		w := weights[j]
		tmp := work.tmp
		for i := range tmp {
			tmp[i] = colour[i] - recon[i] + w*code[i]
		}
		c := w * blas32.Dot(vec(tmp), vec(code))
		switch {
		case w < 0:
			c = -c
		case w == 0:
			c = 0
		}
		coefs[g] = c
	}
}
