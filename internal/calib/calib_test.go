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
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/mlnoga/genelight/internal/config"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/floats"
)

// true bleed matrix of the synthetic experiment, rows not normalised
var trueBleed = []float64{
	1, 0.2, 0,
	0.1, 1, 0.2,
	0, 0.15, 1,
}

var trueCodes = [][]int{{0, 1, 2}, {1, 2, 0}, {2, 0, 1}, {0, 2, 1}, {1, 0, 2}, {2, 1, 0}}

func randFloat(rng *fastrand.RNG) float64 {
	return float64(rng.Uint32n(1<<24)) / (1 << 24)
}

// Synthetic reference spots of all genes on two tiles. Tile 1 is twice as bright as tile 0
func syntheticSpots(rng *fastrand.RNG, spotsPerGeneTile int) (*SpotColours, []int) {
	rounds, channels := 3, 3
	data, tiles, genes := []float64{}, []int{}, []int{}
	for t := 0; t < 2; t++ {
		brightness := float64(1 + t)
		for g, code := range trueCodes {
			for s := 0; s < spotsPerGeneTile; s++ {
				amp := 0.5 + randFloat(rng)
				for r := 0; r < rounds; r++ {
					for c := 0; c < channels; c++ {
						v := amp*trueBleed[code[r]*channels+c] + 0.1 + 0.04*(randFloat(rng)-0.5)
						data = append(data, brightness*v)
					}
				}
				tiles = append(tiles, t)
				genes = append(genes, g)
			}
		}
	}
	sc, _ := NewSpotColours(len(tiles), rounds, channels, data, tiles)
	return sc, genes
}

func testInput(sc *SpotColours) *Input {
	raw, _ := NewBleedMatrix(3, 3, []float64{1, 0.3, 0.05, 0.2, 1, 0.3, 0.05, 0.2, 1})
	return &Input{Spots: sc, NumTiles: 2, GeneCodes: trueCodes, NumDyes: 3, RawBleedMatrix: raw}
}

func TestBayesMean(t *testing.T) {
	prior := []float64{2, 0}
	res := BayesMean(nil, prior, 10, 50)
	if res[0] != 1 || res[1] != 0 {
		t.Errorf("empty mean got %v expect unit prior", res)
	}

	colours := []float64{}
	for i := 0; i < 10000; i++ {
		colours = append(colours, 2, 1)
	}
	res = BayesMean(colours, prior, 10, 50)
	if math.Abs(res[0]-2) > 0.01 || math.Abs(res[1]-1) > 0.01 {
		t.Errorf("large sample mean got %v expect [2 1]", res)
	}

	// few spots are pulled towards the prior, perpendicular component more strongly
	res = BayesMean([]float64{2, 1}, prior, 10, 50)
	if !(res[0] < 2 && res[0] > 1) || !(res[1] > 0 && res[1] < 0.05) {
		t.Errorf("single spot mean got %v", res)
	}
}

func TestGeneProbScore(t *testing.T) {
	sc, _ := NewSpotColours(2, 1, 2, []float64{1, 0, 0, 0}, []int{0, 0})
	probs := GeneProbScore(sc, []float64{1, 0, 0, 1}, 2)
	if math.Abs(probs[0]+probs[1]-1) > 1e-12 || !(probs[0] > probs[1]) {
		t.Errorf("spot 0 probabilities %v", probs[:2])
	}
	expect := math.Exp(2) / (math.Exp(2) + 1)
	if math.Abs(probs[0]-expect) > 1e-12 {
		t.Errorf("got %f expect %f", probs[0], expect)
	}
	// zero colour gives uniform probabilities
	if probs[2] != 0.5 || probs[3] != 0.5 {
		t.Errorf("zero colour probabilities %v", probs[2:])
	}

	genes, scores := DotProductScore(sc, []float64{1, 0, 0, 1})
	if genes[0] != 0 || scores[0] != 1 || scores[1] != 0 {
		t.Errorf("dot product got %v %v", genes, scores)
	}
}

func TestComputeBleedMatrix(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(3)
	dir := []float64{-0.2, 1, 0.1}
	normalise(dir)
	n := 50
	data := []float64{}
	for i := 0; i < n; i++ {
		amp := 0.5 + randFloat(&rng)
		for _, d := range dir {
			data = append(data, amp*d)
		}
	}
	sc, _ := NewSpotColours(n, 1, 3, data, make([]int, n))
	spots, genes := make([]int, n), make([]int, n)
	for i := range spots {
		spots[i] = i
	}
	fallback, _ := NewBleedMatrix(2, 3, []float64{1, 0, 0, 0, 0, 1})
	var log bytes.Buffer
	b, err := ComputeBleedMatrix(sc, spots, genes, [][]int{{0}}, nil, fallback, &log)
	if err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(b.Row(0), dir, 1e-9) {
		t.Errorf("dye 0 got %v expect %v", b.Row(0), dir)
	}
	if !floats.Equal(b.Row(1), fallback.Row(1)) {
		t.Errorf("dye 1 got %v expect fallback %v", b.Row(1), fallback.Row(1))
	}
	if !strings.Contains(log.String(), "Warning") {
		t.Errorf("expected fallback warning")
	}
	if dyes := b.DominantDyes(); dyes[0] != 1 || dyes[1] != 0 || dyes[2] != 1 {
		t.Errorf("dominant dyes got %v", dyes)
	}

	// bad channel entries are zeroed before decomposition
	bad := NewBadTRC([][3]int{{0, 0, 0}})
	b, _ = ComputeBleedMatrix(sc, spots, genes, [][]int{{0}}, bad, fallback, &log)
	if math.Abs(b.Row(0)[0]) > 1e-12 {
		t.Errorf("bad channel got %f expect 0", b.Row(0)[0])
	}
}

func TestCalibrate(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(5)
	sc, genes := syntheticSpots(&rng, 60)
	cfg := &config.DefaultConfig().CallSpots
	var log bytes.Buffer
	res, err := Calibrate(testInput(sc), cfg, &log)
	if err != nil {
		t.Fatal(err)
	}

	rc := res.Rounds * res.Channels
	for g := 0; g < res.Genes; g++ {
		if norm := floats.Norm(res.BledCodes[g*rc:(g+1)*rc], 2); math.Abs(norm-1) > 1e-9 {
			t.Errorf("bled code %d has norm %f", g, norm)
		}
		if norm := floats.Norm(res.FreeBledCodesTileIndependent[g*rc:(g+1)*rc], 2); math.Abs(norm-1) > 1e-9 {
			t.Errorf("free bled code %d has norm %f", g, norm)
		}
	}
	for d := 0; d < res.Dyes; d++ {
		row := res.BleedMatrix.Row(d)
		if math.Abs(floats.Norm(row, 2)-1) > 1e-9 || row[floats.MaxIdx(row)] < -floats.Min(row) {
			t.Errorf("bleed matrix row %d not unit or not sign-fixed: %v", d, row)
		}
		truth := append([]float64{}, trueBleed[d*3:(d+1)*3]...)
		normalise(truth)
		if cos := floats.Dot(row, truth); cos < 0.95 {
			t.Errorf("dye %d got %v, cosine %f to truth", d, row, cos)
		}
	}
	if dyes := res.BleedMatrix.DominantDyes(); dyes[0] != 0 || dyes[1] != 1 || dyes[2] != 2 {
		t.Errorf("dominant dyes got %v", dyes)
	}

	correct := 0
	for i, g := range res.DotProductGene {
		if int(g) == genes[i] {
			correct++
		}
	}
	if correct < 9*sc.N/10 {
		t.Errorf("only %d of %d spots classified correctly", correct, sc.N)
	}

	for i := 0; i < sc.N; i++ {
		if sum := floats.Sum(res.GeneProbabilities[i*res.Genes : (i+1)*res.Genes]); math.Abs(sum-1) > 1e-9 {
			t.Errorf("spot %d probabilities sum to %f", i, sum)
		}
	}

	// the brighter tile gets about half the normalisation
	ratio := floats.Sum(res.ColourNormFactor[:rc]) / floats.Sum(res.ColourNormFactor[rc:])
	if ratio < 1.6 || ratio > 2.4 {
		t.Errorf("colour norm factor ratio of tiles got %f expect about 2", ratio)
	}

	for i, e := range res.GeneEfficiency {
		if !(e > 0) || math.IsInf(e, 0) {
			t.Errorf("gene efficiency %d got %f", i, e)
		}
	}

	codes, err := res.Codes()
	if err != nil {
		t.Fatal(err)
	}
	if err := codes.CheckNormalised("bled"); err != nil {
		t.Error(err)
	}
	if len(res.NormFactor(1)) != rc {
		t.Errorf("norm factor length %d", len(res.NormFactor(1)))
	}
}

func TestCalibrateInvalid(t *testing.T) {
	rng := fastrand.RNG{}
	sc, _ := syntheticSpots(&rng, 2)
	cfg := &config.DefaultConfig().CallSpots
	var log bytes.Buffer

	in := testInput(sc)
	in.GeneCodes = [][]int{{0, 1}}
	if _, err := Calibrate(in, cfg, &log); err == nil {
		t.Errorf("expected error for short gene code")
	}
	in = testInput(sc)
	in.GeneCodes = [][]int{{0, 1, 3}}
	if _, err := Calibrate(in, cfg, &log); err == nil {
		t.Errorf("expected error for dye out of range")
	}
	in = testInput(sc)
	in.UseTiles = []int{0}
	if _, err := Calibrate(in, cfg, &log); err == nil {
		t.Errorf("expected error for spots on unused tile")
	}
	in = testInput(sc)
	in.RawBleedMatrix, _ = NewBleedMatrix(3, 3, make([]float64, 9))
	if _, err := Calibrate(in, cfg, &log); err == nil {
		t.Errorf("expected error for zero raw bleed matrix")
	}
	bad := *cfg
	bad.TargetValues = []float64{1, 1}
	if _, err := Calibrate(testInput(sc), &bad, &log); err == nil {
		t.Errorf("expected error for wrong number of target values")
	}
}

func TestInitialBleedMatrix(t *testing.T) {
	rng := fastrand.RNG{}
	rng.Seed(9)
	sc, _ := syntheticSpots(&rng, 30)
	b, err := InitialBleedMatrix(sc, 3)
	if err != nil {
		t.Fatal(err)
	}
	for d := 0; d < 3; d++ {
		row := b.Row(d)
		if floats.MaxIdx(row) != d {
			t.Errorf("dye %d peaks in channel %d: %v", d, floats.MaxIdx(row), row)
		}
		if math.Abs(floats.Norm(row, 2)-1) > 1e-9 {
			t.Errorf("dye %d not normalised", d)
		}
	}

	// random restarts converge to the same partition, which yields the same matrix
	for i := 0; i < 3; i++ {
		again, err := InitialBleedMatrix(sc, 3)
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range b.Data {
			if again.Data[k] != v {
				t.Fatalf("run %d: bleed matrix entry %d got %v, first run %v", i, k, again.Data[k], v)
			}
		}
	}

	small, _ := NewSpotColours(1, 1, 3, []float64{1, 0, 0}, []int{0})
	if _, err := InitialBleedMatrix(small, 3); err == nil {
		t.Errorf("expected error for too few colours")
	}
}

func TestReadCodeBook(t *testing.T) {
	cb, err := ReadCodeBook(strings.NewReader("# genes\nSnap25 0123\n\nGad1  3210\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cb.Names) != 2 || cb.Names[1] != "Gad1" || cb.Codes[0][3] != 3 || cb.NumDyes() != 4 {
		t.Errorf("got %+v", cb)
	}
	for _, text := range []string{"", "Snap25 01x3\n", "Snap25 0123\nGad1 321\n", "Snap25\n"} {
		if _, err := ReadCodeBook(strings.NewReader(text)); err == nil {
			t.Errorf("expected error for %q", text)
		}
	}
}
