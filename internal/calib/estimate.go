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
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/genelight/internal/config"
	"gonum.org/v1/gonum/floats"
)

// State of one calibration pass
type estimator struct {
	in          *Input
	cfg         *config.CallSpots
	sc          *SpotColours
	useTiles    []int
	spotsOnTile [][]int
	mode        []int // best gene per spot
	good        []int // confidently assigned spots
	bleed       *BleedMatrix
	targets     []float64
	log         io.Writer

	free      []float64 // genes x tiles x rounds x channels
	freeIndep []float64 // genes x rounds x channels
	rcScale   []float64 // rounds x channels
	bled      []float64 // genes x rounds x channels
	tileScale []float64 // tiles x rounds x channels
	goodCount []int     // genes x tiles, confident spots per gene and tile
}

// Estimates the free bled codes of every gene, tile independent and per tile, by Bayesian shrinkage of the
// confidently assigned spot colours towards the bleed matrix row of each round's dye, then normalises them per gene
func (e *estimator) freeBledCodes() {
	nGenes, nTiles, nRounds, nChannels := len(e.in.GeneCodes), e.in.NumTiles, e.sc.Rounds, e.sc.Channels
	rc := nRounds * nChannels

	byGene := make([][]int, nGenes)
	e.goodCount = make([]int, nGenes*nTiles)
	for _, i := range e.good {
		g := e.mode[i]
		byGene[g] = append(byGene[g], i)
		e.goodCount[g*nTiles+e.sc.Tiles[i]]++
	}

	e.free = make([]float64, nGenes*nTiles*rc)
	e.freeIndep = make([]float64, nGenes*rc)
	gather := func(spots []int, r int, tile int) []float64 {
		res := []float64{}
		for _, i := range spots {
			if tile < 0 || e.sc.Tiles[i] == tile {
				res = append(res, e.sc.Round(i, r)...)
			}
		}
		return res
	}
	for g := 0; g < nGenes; g++ {
		if len(byGene[g]) == 0 {
			fmt.Fprintf(e.log, "Warning: gene %d has no confidently assigned spots, its bled code follows the bleed matrix\n", g)
		}
		for r := 0; r < nRounds; r++ {
			prior := e.bleed.Row(e.in.GeneCodes[g][r])
			mean := BayesMean(gather(byGene[g], r, -1), prior, e.cfg.ConcentrationParallel, e.cfg.ConcentrationPerpendicular)
			copy(e.freeIndep[g*rc+r*nChannels:], mean)
			for _, t := range e.useTiles {
				mean := BayesMean(gather(byGene[g], r, t), prior, e.cfg.ConcentrationParallel, e.cfg.ConcentrationPerpendicular)
				copy(e.free[(g*nTiles+t)*rc+r*nChannels:], mean)
			}
		}
		normalise(e.freeIndep[g*rc : (g+1)*rc])
		for _, t := range e.useTiles {
			normalise(e.free[(g*nTiles+t)*rc : (g*nTiles+t+1)*rc])
		}
	}
}

// Computes the round/channel scale which best maps the free codes onto the dye target values, the bled codes,
// and the tile scales which best map the per tile free codes onto the bled codes. Regressions are weighted by the
// square root of the spot count of each gene; entries without any relevant spots keep scale 1
func (e *estimator) scales() {
	nGenes, nTiles, nRounds, nChannels := len(e.in.GeneCodes), e.in.NumTiles, e.sc.Rounds, e.sc.Channels
	rc := nRounds * nChannels
	dMax := e.bleed.DominantDyes()

	geneCount := make([]int, nGenes)
	for g := 0; g < nGenes; g++ {
		for t := 0; t < nTiles; t++ {
			geneCount[g] += e.goodCount[g*nTiles+t]
		}
	}

	e.rcScale = ones(rc)
	for r := 0; r < nRounds; r++ {
		for c := 0; c < nChannels; c++ {
			num, den := 0.0, 0.0
			for g := 0; g < nGenes; g++ {
				if e.in.GeneCodes[g][r] != dMax[c] || geneCount[g] == 0 {
					continue
				}
				w := math.Sqrt(float64(geneCount[g]))
				f := e.freeIndep[g*rc+r*nChannels+c]
				num += w * f * e.targets[dMax[c]]
				den += w * f * f
			}
			if den > 0 {
				e.rcScale[r*nChannels+c] = num / den
			}
		}
	}

	e.bled = make([]float64, nGenes*rc)
	for g := 0; g < nGenes; g++ {
		code := e.bled[g*rc : (g+1)*rc]
		floats.MulTo(code, e.freeIndep[g*rc:(g+1)*rc], e.rcScale)
		normalise(code)
	}

	e.tileScale = ones(nTiles * rc)
	for _, t := range e.useTiles {
		for r := 0; r < nRounds; r++ {
			for c := 0; c < nChannels; c++ {
				k := r*nChannels + c
				num, den := 0.0, 0.0
				for g := 0; g < nGenes; g++ {
					n := e.goodCount[g*nTiles+t]
					if e.in.GeneCodes[g][r] != dMax[c] || n == 0 {
						continue
					}
					w := math.Sqrt(float64(n))
					f := e.free[(g*nTiles+t)*rc+k]
					num += w * e.bled[g*rc+k] * f
					den += w * f * f
				}
				if den > 0 {
					e.tileScale[t*rc+k] = num / den
				}
			}
		}
	}
}

// Scales a vector to unit L2 norm. Zero vectors are left unchanged
func normalise(v []float64) {
	if norm := floats.Norm(v, 2); norm > 0 {
		floats.Scale(1/norm, v)
	}
}
