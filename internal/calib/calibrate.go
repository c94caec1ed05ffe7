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
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/omp"
	"github.com/mlnoga/genelight/internal/qsort"
	"gonum.org/v1/gonum/floats"
)

// Inputs of the calibration
type Input struct {
	Spots     *SpotColours
	NumTiles  int
	UseTiles  []int   // tiles to calibrate; nil means all tiles
	GeneCodes [][]int // genes x rounds, the dye of each gene in each round
	NumDyes   int

	// Raw bleed matrix, rows are normalised on entry. If nil, it is derived from the spots by k-means
	RawBleedMatrix *BleedMatrix
}

// Results of the calibration. Arrays are flat and row-major in the documented index order
type Result struct {
	Genes, Tiles, Rounds, Channels, Dyes int

	BleedMatrixRaw     *BleedMatrix
	BleedMatrixInitial *BleedMatrix
	BleedMatrix        *BleedMatrix

	FreeBledCodes                []float64 // genes x tiles x rounds x channels, unit norm per gene and used tile
	FreeBledCodesTileIndependent []float64 // genes x rounds x channels, unit norm per gene
	BledCodes                    []float64 // genes x rounds x channels, unit norm per gene
	RCScale                      []float64 // rounds x channels
	TileScale                    []float64 // tiles x rounds x channels
	ColourNormFactor             []float64 // tiles x rounds x channels
	GeneEfficiency               []float64 // genes x rounds

	ProbThreshold            float64
	GeneProbabilitiesInitial []float64 // spots x genes
	GeneProbabilities        []float64 // spots x genes
	DotProductGene           []int16   // per spot
	DotProductScore          []float64 // per spot
	Intensity                []float64 // per spot, median over rounds of the maximum over channels
}

// Bled codes in single precision for the OMP solver, renormalised after conversion
func (res *Result) Codes() (*omp.Codes, error) {
	data := make([]float32, len(res.BledCodes))
	for i, v := range res.BledCodes {
		data[i] = float32(v)
	}
	codes, err := omp.NewCodes(res.Genes, res.Rounds, res.Channels, data)
	if err != nil {
		return nil, err
	}
	codes.Normalise()
	return codes, nil
}

// Colour normalisation factors of tile t in single precision, rounds x channels
func (res *Result) NormFactor(t int) []float32 {
	rc := res.Rounds * res.Channels
	out := make([]float32, rc)
	for i, v := range res.ColourNormFactor[t*rc : (t+1)*rc] {
		out[i] = float32(v)
	}
	return out
}

// Checks the input shapes and returns the effective list of tiles
func (in *Input) check() ([]int, error) {
	sc := in.Spots
	if sc == nil || sc.N == 0 {
		return nil, errors.New("no reference spots to calibrate on")
	}
	if len(in.GeneCodes) == 0 {
		return nil, errors.New("no gene codes given")
	}
	if in.NumDyes <= 0 {
		return nil, errors.New(fmt.Sprintf("number of dyes must be positive, got %d", in.NumDyes))
	}
	for g, code := range in.GeneCodes {
		if len(code) != sc.Rounds {
			return nil, errors.New(fmt.Sprintf("gene %d has a code of %d rounds, spots have %d", g, len(code), sc.Rounds))
		}
		for r, d := range code {
			if d < 0 || d >= in.NumDyes {
				return nil, errors.New(fmt.Sprintf("gene %d round %d uses dye %d, only %d dyes", g, r, d, in.NumDyes))
			}
		}
	}
	if in.RawBleedMatrix != nil && (in.RawBleedMatrix.Dyes != in.NumDyes || in.RawBleedMatrix.Channels != sc.Channels) {
		return nil, errors.New(fmt.Sprintf("raw bleed matrix is %dx%d, expected %dx%d",
			in.RawBleedMatrix.Dyes, in.RawBleedMatrix.Channels, in.NumDyes, sc.Channels))
	}
	useTiles := in.UseTiles
	if useTiles == nil {
		for t := 0; t < in.NumTiles; t++ {
			useTiles = append(useTiles, t)
		}
	}
	inUse := make([]bool, in.NumTiles)
	for _, t := range useTiles {
		if t < 0 || t >= in.NumTiles {
			return nil, errors.New(fmt.Sprintf("tile %d out of range for %d tiles", t, in.NumTiles))
		}
		inUse[t] = true
	}
	for i, t := range sc.Tiles {
		if t < 0 || t >= in.NumTiles || !inUse[t] {
			return nil, errors.New(fmt.Sprintf("spot %d lies on tile %d, which is not in use", i, t))
		}
	}
	return useTiles, nil
}

// Calibrates bleed matrix, bled codes and intensity normalisation from reference spots.
// Spot colours are normalised per tile by the 95th percentile of absolute intensity, and background is removed
// as the 25th percentile over rounds. Spots are classified against the raw bled codes, and confident spots give the
// initial bleed matrix. Each further pass estimates free bled codes by Bayesian shrinkage towards the current
// bleed matrix, scales them to the dye target values and the tiles to the bled codes, then reclassifies the
// rescaled spots and re-estimates the bleed matrix. The number of passes is fixed.
func Calibrate(in *Input, cfg *config.CallSpots, logWriter io.Writer) (*Result, error) {
	useTiles, err := in.check()
	if err != nil {
		return nil, err
	}
	if cfg.CalibrationPasses < 2 {
		return nil, errors.New(fmt.Sprintf("need at least 2 calibration passes, got %d", cfg.CalibrationPasses))
	}
	targets := cfg.TargetValues
	if len(targets) == 0 {
		targets = make([]float64, in.NumDyes)
		for i := range targets {
			targets[i] = 1
		}
	} else if len(targets) != in.NumDyes {
		return nil, errors.New(fmt.Sprintf("%d target values for %d dyes", len(targets), in.NumDyes))
	}

	sc := in.Spots.Clone()
	nGenes, nTiles, nRounds, nChannels := len(in.GeneCodes), in.NumTiles, sc.Rounds, sc.Channels
	rc := nRounds * nChannels
	res := &Result{Genes: nGenes, Tiles: nTiles, Rounds: nRounds, Channels: nChannels, Dyes: in.NumDyes}
	fmt.Fprintf(logWriter, "Calibrating on %d spots, %d genes, %d tiles, %d rounds, %d channels, %d dyes\n",
		sc.N, nGenes, len(useTiles), nRounds, nChannels, in.NumDyes)

	// raw bleed matrix
	var raw *BleedMatrix
	if in.RawBleedMatrix != nil {
		raw = in.RawBleedMatrix.Clone()
	} else {
		fmt.Fprintf(logWriter, "No raw bleed matrix given, clustering spot colours into %d dyes\n", in.NumDyes)
		if raw, err = InitialBleedMatrix(sc, in.NumDyes); err != nil {
			return nil, err
		}
	}
	if err := raw.NormaliseRows(); err != nil {
		return nil, err
	}
	res.BleedMatrixRaw = raw

	// 1. per-tile normalisation and background removal
	initialNorm := ones(nTiles * rc)
	spotsOnTile := make([][]int, nTiles)
	for i, t := range sc.Tiles {
		spotsOnTile[t] = append(spotsOnTile[t], i)
	}
	for _, t := range useTiles {
		if len(spotsOnTile[t]) == 0 {
			fmt.Fprintf(logWriter, "%d: Warning: no reference spots on tile, keeping normalisation factor 1\n", t)
			continue
		}
		vals := make([]float64, len(spotsOnTile[t]))
		for k := 0; k < rc; k++ {
			for j, i := range spotsOnTile[t] {
				vals[j] = math.Abs(sc.Colour(i)[k])
			}
			p95 := qsort.PercentileFloat64(vals, 95)
			if !(p95 > 0) {
				fmt.Fprintf(logWriter, "%d: Warning: 95th percentile of round %d channel %d is %g, keeping normalisation factor 1\n",
					t, k/nChannels, k%nChannels, p95)
				continue
			}
			initialNorm[t*rc+k] = 1 / p95
		}
		for _, i := range spotsOnTile[t] {
			floats.Mul(sc.Colour(i), initialNorm[t*rc:(t+1)*rc])
		}
	}
	removeBackground(sc)

	// 2. initial classification with the raw bled codes
	rawBled := make([]float64, nGenes*rc)
	for g, code := range in.GeneCodes {
		for r, d := range code {
			copy(rawBled[g*rc+r*nChannels:g*rc+(r+1)*nChannels], raw.Row(d))
		}
	}
	res.GeneProbabilitiesInitial = GeneProbScore(sc, rawBled, cfg.Kappa)
	mode, score := argMaxRows(res.GeneProbabilitiesInitial, nGenes)
	res.ProbThreshold = math.Min(cfg.GeneProbThreshold, qsort.PercentileFloat64(score, 90))
	good := goodSpots(score, res.ProbThreshold)
	fmt.Fprintf(logWriter, "Gene probability threshold %.3f, %d of %d spots confidently assigned\n", res.ProbThreshold, len(good), sc.N)

	bad := NewBadTRC(cfg.BadTRC)
	bleed, err := ComputeBleedMatrix(sc, good, pick(mode, good), in.GeneCodes, bad, raw, logWriter)
	if err != nil {
		return nil, err
	}
	res.BleedMatrixInitial = bleed

	tileScaleTotal := ones(nTiles * rc)
	for pass := 1; pass < cfg.CalibrationPasses; pass++ {
		fmt.Fprintf(logWriter, "Calibration pass %d of %d\n", pass+1, cfg.CalibrationPasses)
		est := &estimator{
			in: in, cfg: cfg, sc: sc, useTiles: useTiles, spotsOnTile: spotsOnTile,
			mode: mode, good: good, bleed: bleed, targets: targets, log: logWriter,
		}
		est.freeBledCodes()
		est.scales()
		res.FreeBledCodes, res.FreeBledCodesTileIndependent = est.free, est.freeIndep
		res.RCScale, res.BledCodes, res.TileScale = est.rcScale, est.bled, est.tileScale

		// rescale spot colours per tile, reclassify and re-estimate the bleed matrix
		for i, t := range sc.Tiles {
			floats.Mul(sc.Colour(i), est.tileScale[t*rc:(t+1)*rc])
		}
		floats.Mul(tileScaleTotal, est.tileScale)
		res.GeneProbabilities = GeneProbScore(sc, est.bled, cfg.Kappa)
		mode, score = argMaxRows(res.GeneProbabilities, nGenes)
		good = goodSpots(score, res.ProbThreshold)
		fmt.Fprintf(logWriter, "%d of %d spots confidently assigned with bled codes\n", len(good), sc.N)
		if bleed, err = ComputeBleedMatrix(sc, good, pick(mode, good), in.GeneCodes, bad, raw, logWriter); err != nil {
			return nil, err
		}
	}
	res.BleedMatrix = bleed
	res.TileScale = tileScaleTotal

	res.ColourNormFactor = make([]float64, nTiles*rc)
	floats.MulTo(res.ColourNormFactor, initialNorm, tileScaleTotal)

	// gene efficiency from the tile independent free codes
	res.GeneEfficiency = make([]float64, nGenes*nRounds)
	sqrtR := math.Sqrt(float64(nRounds))
	for g := 0; g < nGenes; g++ {
		for r := 0; r < nRounds; r++ {
			start := g*rc + r*nChannels
			res.GeneEfficiency[g*nRounds+r] = floats.Norm(res.FreeBledCodesTileIndependent[start:start+nChannels], 2) * sqrtR
		}
	}

	res.DotProductGene, res.DotProductScore = DotProductScore(sc, res.BledCodes)
	res.Intensity = make([]float64, sc.N)
	maxima := make([]float64, nRounds)
	for i := 0; i < sc.N; i++ {
		for r := 0; r < nRounds; r++ {
			maxima[r] = floats.Max(sc.Round(i, r))
		}
		res.Intensity[i] = qsort.PercentileFloat64(maxima, 50)
	}
	return res, nil
}

// Subtracts the 25th percentile over rounds from each spot and channel
func removeBackground(sc *SpotColours) {
	vals := make([]float64, sc.Rounds)
	for i := 0; i < sc.N; i++ {
		colour := sc.Colour(i)
		for c := 0; c < sc.Channels; c++ {
			for r := 0; r < sc.Rounds; r++ {
				vals[r] = colour[r*sc.Channels+c]
			}
			p25 := qsort.PercentileFloat64(vals, 25)
			for r := 0; r < sc.Rounds; r++ {
				colour[r*sc.Channels+c] -= p25
			}
		}
	}
}

// Indices of spots with a score above the threshold
func goodSpots(score []float64, threshold float64) []int {
	res := []int{}
	for i, s := range score {
		if s > threshold {
			res = append(res, i)
		}
	}
	return res
}

// Values at the given indices
func pick(values []int, indices []int) []int {
	res := make([]int, len(indices))
	for i, j := range indices {
		res[i] = values[j]
	}
	return res
}

func ones(n int) []float64 {
	res := make([]float64, n)
	for i := range res {
		res[i] = 1
	}
	return res
}
