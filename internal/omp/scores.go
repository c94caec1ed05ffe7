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

	"github.com/mlnoga/genelight/internal/spot"
)

// A weighted offset of the scoring kernel
type kernelCell struct {
	dy, dx, dz int
	weight     float32
}

// A scoring kernel built from the mean spot, restricted to the positive cells of the spot template.
// Shared read-only across tiles
type ScoreKernel struct {
	cells        []kernelCell
	sum          float32
	highCoefBias float32
}

// Builds the scoring kernel. Weights are the positive mean spot values where the template is set
func NewScoreKernel(meanSpot, template *spot.Volume, highCoefBias float32) (*ScoreKernel, error) {
	if meanSpot.NY != template.NY || meanSpot.NX != template.NX || meanSpot.NZ != template.NZ {
		return nil, errors.New(fmt.Sprintf("mean spot shape %v does not match template shape %v", meanSpot.Shape(), template.Shape()))
	}
	if err := checkSpotShape(meanSpot.Shape()); err != nil {
		return nil, err
	}
	if !(highCoefBias > 0) {
		return nil, errors.New(fmt.Sprintf("high_coef_bias must be positive, got %g", highCoefBias))
	}
	k := &ScoreKernel{highCoefBias: highCoefBias}
	cy, cx, cz := meanSpot.NY/2, meanSpot.NX/2, meanSpot.NZ/2
	for i, m := range meanSpot.Data {
		if template.Data[i] == 0 || m <= 0 {
			continue
		}
		y, x, z := meanSpot.Coords(i)
		k.cells = append(k.cells, kernelCell{y - cy, x - cx, z - cz, m})
		k.sum += m
	}
	if k.sum <= 0 {
		return nil, errors.New("spot template has no positive cells, cannot score coefficient images")
	}
	return k, nil
}

// Scores a gene's coefficient image against the spot template. Each coefficient is mapped to [0,1) via
// relu(c)/(relu(c)+highCoefBias), and the score of a pixel is the kernel-weighted mean of the mapped values around it,
// so scores are bounded in [0,1). Returns false and a zero score image if the coefficient image is entirely zero.
func (k *ScoreKernel) Score(coef *spot.Volume) (*spot.Volume, bool) {
	score := spot.NewVolume(coef.NY, coef.NX, coef.NZ)
	nonzero := false
	for _, c := range coef.Data {
		if c != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		return score, false
	}

	// scatter from the few positive coefficients rather than gathering at every pixel
	for i, c := range coef.Data {
		if !(c > 0) {
			continue
		}
		f := c / (c + k.highCoefBias) / k.sum
		y, x, z := coef.Coords(i)
		for _, cell := range k.cells {
			ty, tx, tz := y-cell.dy, x-cell.dx, z-cell.dz
			if !score.Contains(ty, tx, tz) {
				continue
			}
			score.Data[score.Index(ty, tx, tz)] += cell.weight * f
		}
	}
	return score, true
}

// Scores a coefficient image with a kernel built from the given mean spot and template
func ScoreCoefficientImage(coef, meanSpot, template *spot.Volume, highCoefBias float32) (*spot.Volume, bool, error) {
	k, err := NewScoreKernel(meanSpot, template, highCoefBias)
	if err != nil {
		return nil, false, err
	}
	score, ok := k.Score(coef)
	return score, ok, nil
}
