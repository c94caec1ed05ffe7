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
	"gonum.org/v1/gonum/floats"
)

// Bayesian shrinkage mean of the given colour vectors towards a prior direction. The component of the sum parallel to
// the prior is shrunk towards the unit prior with concentration concParallel, the perpendicular component towards zero
// with concentration concPerp. Without any colours the result is the unit prior direction.
// Colours holds n vectors of the prior's length, concatenated.
func BayesMean(colours []float64, prior []float64, concParallel, concPerp float64) []float64 {
	nc := len(prior)
	n := float64(len(colours) / nc)

	dir := make([]float64, nc)
	copy(dir, prior)
	if norm := floats.Norm(dir, 2); norm > 0 {
		floats.Scale(1/norm, dir)
	}

	sum := make([]float64, nc)
	for i := 0; i+nc <= len(colours); i += nc {
		floats.Add(sum, colours[i:i+nc])
	}
	sumParallel := floats.Dot(sum, dir)

	res := make([]float64, nc)
	floats.AddScaled(sum, -sumParallel, dir) // perpendicular part
	floats.AddScaled(res, (sumParallel+concParallel)/(n+concParallel), dir)
	floats.AddScaled(res, 1/(n+concPerp), sum)
	return res
}
