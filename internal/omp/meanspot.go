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
	"io"
	"sort"

	"github.com/mlnoga/genelight/internal/spot"
)

// A spot template needs at least this many positive cells, else the sign threshold is likely misconfigured
const MinTemplatePositives = 5

// Checks that every axis of a spot shape is a positive odd number, so the shape has a centre
func checkSpotShape(spotShape [3]int) error {
	for _, s := range spotShape {
		if s <= 0 || s%2 == 0 {
			return errors.New(fmt.Sprintf("spot shape %v must be odd and positive in every dimension", spotShape))
		}
	}
	return nil
}

// Computes the mean spot from the signs of the coefficient images in a cuboid of the given spot shape centred on
// each position, using the coefficient column of the position's gene. Out of bounds cells count as zero.
// Returns a zero mean spot if no positions are given
func ComputeMeanSpot(coefs CoefficientColumns, positions [][3]int, genes []int, tileShape, spotShape [3]int) (*spot.Volume, error) {
	if err := checkSpotShape(spotShape); err != nil {
		return nil, err
	}
	if len(positions) != len(genes) {
		return nil, errors.New(fmt.Sprintf("%d spot positions but %d gene numbers", len(positions), len(genes)))
	}
	if coefs.Pixels() != tileShape[0]*tileShape[1]*tileShape[2] {
		return nil, errors.New(fmt.Sprintf("%d coefficient pixels do not match tile shape %v", coefs.Pixels(), tileShape))
	}
	meanSpot := spot.NewVolume(spotShape[0], spotShape[1], spotShape[2])
	if len(positions) == 0 {
		return meanSpot, nil
	}

	// visit genes in ascending order, loading each coefficient column once
	order := make([]int, len(positions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return genes[order[i]] < genes[order[j]] })

	cy, cx, cz := spotShape[0]/2, spotShape[1]/2, spotShape[2]/2
	sums := make([]int32, len(meanSpot.Data))
	var image *spot.Volume
	currentGene := -1
	for _, i := range order {
		g := genes[i]
		if g < 0 || g >= coefs.Genes() {
			return nil, errors.New(fmt.Sprintf("gene number %d out of range for %d genes", g, coefs.Genes()))
		}
		if g != currentGene {
			image = &spot.Volume{NY: tileShape[0], NX: tileShape[1], NZ: tileShape[2], Data: coefs.Column(g)}
			currentGene = g
		}
		p := positions[i]
		for dy := -cy; dy <= cy; dy++ {
			for dx := -cx; dx <= cx; dx++ {
				for dz := -cz; dz <= cz; dz++ {
					y, x, z := p[0]+dy, p[1]+dx, p[2]+dz
					if !image.Contains(y, x, z) {
						continue
					}
					v := image.At(y, x, z)
					cell := meanSpot.Index(dy+cy, dx+cx, dz+cz)
					if v > 0 {
						sums[cell]++
					} else if v < 0 {
						sums[cell]--
					}
				}
			}
		}
	}
	for i, s := range sums {
		meanSpot.Data[i] = float32(s) / float32(len(positions))
	}
	return meanSpot, nil
}

// Binarises the mean spot into a spot template: cells with a mean sign of at least the threshold become 1, else 0
func SpotTemplate(meanSpot *spot.Volume, signThreshold float32) *spot.Volume {
	template := spot.NewVolume(meanSpot.NY, meanSpot.NX, meanSpot.NZ)
	for i, v := range meanSpot.Data {
		if v >= signThreshold {
			template.Data[i] = 1
		}
	}
	return template
}

// Counts the ones on the y and x edges of every z plane of the template
func CountEdgeOnes(template *spot.Volume) int {
	count := 0
	for y := 0; y < template.NY; y++ {
		for x := 0; x < template.NX; x++ {
			if y != 0 && x != 0 && y != template.NY-1 && x != template.NX-1 {
				continue
			}
			for z := 0; z < template.NZ; z++ {
				if template.At(y, x, z) != 0 {
					count++
				}
			}
		}
	}
	return count
}

// Checks a spot template. Too few positive cells is an error; positive cells on the xy edge only warn,
// as the spot shape is likely too small and truncates the spot
func CheckSpotTemplate(template *spot.Volume, signThreshold float32, logWriter io.Writer) error {
	positives := 0
	for _, v := range template.Data {
		if v != 0 {
			positives++
		}
	}
	if positives < MinTemplatePositives {
		return errors.New(fmt.Sprintf("spot template has only %d positive cells, need at least %d; try lowering shape_sign_thresh (currently %g)",
			positives, MinTemplatePositives, signThreshold))
	}
	if edge := CountEdgeOnes(template); edge > 0 {
		fmt.Fprintf(logWriter, "Warning: spot template has %d positive cells on its xy edge, consider a larger spot_shape\n", edge)
	}
	return nil
}

// Finds isolated, confidently assigned spots on the coefficient images of a tile for building the mean spot.
// Candidates are local maxima above the coefficient threshold of every gene's image. A candidate is isolated if no
// other candidate of any gene lies within the isolation distances. At most maxSpots spots are returned, preferring
// larger coefficients, with ties in ascending gene and position order
func FindIsolatedSpots(coefs CoefficientColumns, tileShape [3]int, coefThreshold float32, radiusXY, radiusZ int,
	isolationYX, isolationZ float32, maxSpots int) (positions [][3]int, genes []int) {
	candidates := []spot.Peak{}
	candidateGenes := []int{}
	for g := 0; g < coefs.Genes(); g++ {
		image := &spot.Volume{NY: tileShape[0], NX: tileShape[1], NZ: tileShape[2], Data: coefs.Column(g)}
		peaks := spot.Detect(image, coefThreshold, radiusXY, radiusZ, true)
		for _, p := range peaks {
			candidates = append(candidates, p)
			candidateGenes = append(candidateGenes, g)
		}
	}
	isolated := spot.Isolated(candidates, isolationYX, isolationZ)

	keep := []int{}
	for i, iso := range isolated {
		if iso {
			keep = append(keep, i)
		}
	}
	sort.SliceStable(keep, func(i, j int) bool { return candidates[keep[i]].Value > candidates[keep[j]].Value })
	if maxSpots > 0 && len(keep) > maxSpots {
		keep = keep[:maxSpots]
	}
	for _, i := range keep {
		p := candidates[i]
		positions = append(positions, [3]int{p.Y, p.X, p.Z})
		genes = append(genes, candidateGenes[i])
	}
	return positions, genes
}
