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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/mlnoga/genelight/internal/calib"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/export"
	"github.com/mlnoga/genelight/internal/omp"
	"github.com/mlnoga/genelight/internal/ops"
	"github.com/mlnoga/genelight/internal/spot"
	"github.com/mlnoga/genelight/internal/stats"
	"github.com/mlnoga/genelight/internal/store"
	"github.com/valyala/fastrand"
)

const ompGroup = "omp"

// Standard deviations above the background mode for the automatic minimum intensity
const autoIntensitySigmas = 3

// Pixels sampled per tile for the automatic minimum intensity
const autoIntensitySamples = 100000

// A gene call at a local maximum of the gene's score image
type Spot struct {
	Tile   int       `json:"tile"`
	Y      int       `json:"y"` // tile-local position
	X      int       `json:"x"`
	Z      int       `json:"z"`
	Gene   int       `json:"gene"`
	Score  float32   `json:"score"`
	Colour []float32 `json:"colour"` // rounds x channels, as read from the colour source without normalisation

	Global      [3]int32 `json:"global"`      // position in the stitched image, rounded
	Coefficient float32  `json:"coefficient"` // OMP coefficient of the gene at the spot pixel
}

// Results of OMP gene calling over all processed tiles
type Results struct {
	Genes, Rounds, Channels int
	MeanSpot         *spot.Volume
	SpotTemplate     *spot.Volume
	Spots            []Spot // grouped by tile in processing order, then by gene
}

// Number of spots per gene
func (r *Results) GeneCounts() []int {
	counts := make([]int, r.Genes)
	for _, s := range r.Spots {
		if s.Gene >= 0 && s.Gene < r.Genes {
			counts[s.Gene]++
		}
	}
	return counts
}

func tileGroupName(t int) string { return fmt.Sprintf("tile_%d", t) }

// Shared, read-only state of an OMP run across tile workers
type ompRun struct {
	c           *ops.Context
	src         ColourSource
	cal         *calib.Result
	cfg         *config.OMP
	st          *store.Store

	meanSpotFingerprint string // set once the template tile is known
	fingerprint         string // of tile results, set once the mean spot is known

	shape             [3]int
	solver            omp.Solver
	codes, background *omp.Codes
	dup               *spot.DuplicateFilter
	kernel            *omp.ScoreKernel
}

// Calls genes on all configured tiles. The mean spot is estimated on the template tile first, unless it is given as a
// file or already stored. All other tiles then run in parallel. Tiles whose results are stored with the current
// fingerprint are loaded instead of recomputed. The fingerprint covers the OMP configuration, the calibration
// outputs and the mean spot in use. Stale tiles are recomputed. The context is checked before each tile.
func RunOMP(ctx context.Context, c *ops.Context, src ColourSource, cal *calib.Result, cfg *config.Config, st *store.Store) (*Results, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	run, tiles, err := newOMPRun(c, src, cal, cfg, st)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Log, "OMP on %d tiles of %dx%dx%d pixels, %d genes, %d rounds, %d channels\n",
		len(tiles), run.shape[0], run.shape[1], run.shape[2], cal.Genes, cal.Rounds, cal.Channels)

	templateTile := cfg.OMP.TemplateTile
	if templateTile < 0 {
		templateTile = tiles[0]
	}
	found := false
	for _, t := range tiles {
		found = found || t == templateTile
	}
	if !found {
		return nil, errors.New(fmt.Sprintf("template tile %d is not among the tiles in use %v", templateTile, tiles))
	}

	run.meanSpotFingerprint = ompFingerprint(cfg, cal, templateTile)
	meanSpot, templateCoefs, err := run.meanSpot(ctx, templateTile)
	if err != nil {
		return nil, err
	}
	run.fingerprint = tileFingerprint(run.meanSpotFingerprint, meanSpot)
	template := omp.SpotTemplate(meanSpot, cfg.OMP.ShapeSignThresh)
	if err := omp.CheckSpotTemplate(template, cfg.OMP.ShapeSignThresh, c.Log); err != nil {
		return nil, err
	}
	if run.kernel, err = omp.NewScoreKernel(meanSpot, template, cfg.OMP.HighCoefBias); err != nil {
		return nil, err
	}
	if st != nil {
		if err := saveMeanSpot(st, meanSpot, template, run.meanSpotFingerprint); err != nil {
			return nil, err
		}
	}

	perTile := make(map[int][]Spot, len(tiles))
	spots, err := run.tile(ctx, templateTile, templateCoefs)
	if err != nil {
		return nil, err
	}
	perTile[templateTile] = spots

	rest := []int{}
	for _, t := range tiles {
		if t != templateTile {
			rest = append(rest, t)
		}
	}
	promises := make([]ops.Promise[[]Spot], len(rest))
	for i, t := range rest {
		promises[i] = run.tilePromise(ctx, t)
	}
	outs, err := ops.MaterializeAll(promises, c.MaxThreads, false)
	if err != nil {
		return nil, err
	}
	for i, t := range rest {
		perTile[t] = outs[i]
	}

	res := &Results{Genes: cal.Genes, Rounds: cal.Rounds, Channels: cal.Channels, MeanSpot: meanSpot, SpotTemplate: template}
	for _, t := range tiles {
		res.Spots = append(res.Spots, perTile[t]...)
	}
	fmt.Fprintf(c.Log, "OMP found %d spots on %d tiles\n", len(res.Spots), len(tiles))
	return res, nil
}

// Checks inputs against each other and prepares the shared state
func newOMPRun(c *ops.Context, src ColourSource, cal *calib.Result, cfg *config.Config, st *store.Store) (*ompRun, []int, error) {
	if cal.Rounds != src.Rounds() || cal.Channels != src.Channels() {
		return nil, nil, errors.New(fmt.Sprintf("calibration has %d rounds x %d channels, colour source %d x %d",
			cal.Rounds, cal.Channels, src.Rounds(), src.Channels()))
	}
	if cal.Tiles < src.NumTiles() {
		return nil, nil, errors.New(fmt.Sprintf("calibration covers %d tiles, colour source has %d", cal.Tiles, src.NumTiles()))
	}
	shape := src.TileShape()
	if shape[0] != shape[1] {
		return nil, nil, errors.New(fmt.Sprintf("tiles must be square in y and x, got %dx%d", shape[0], shape[1]))
	}
	if len(src.TileOrigins()) != src.NumTiles() {
		return nil, nil, errors.New(fmt.Sprintf("%d tile origins for %d tiles", len(src.TileOrigins()), src.NumTiles()))
	}

	tiles := cfg.Basic.UseTiles
	if len(tiles) == 0 {
		tiles = make([]int, src.NumTiles())
		for t := range tiles {
			tiles[t] = t
		}
	}
	seen := map[int]bool{}
	for _, t := range tiles {
		if err := checkTile(src, t); err != nil {
			return nil, nil, err
		}
		if seen[t] {
			return nil, nil, errors.New(fmt.Sprintf("tile %d listed twice", t))
		}
		seen[t] = true
	}

	codes, err := cal.Codes()
	if err != nil {
		return nil, nil, err
	}
	dup, err := spot.NewDuplicateFilter(spot.TileCentres(shape[0], shape[2], src.TileOrigins()))
	if err != nil {
		return nil, nil, err
	}
	o := &cfg.OMP
	run := &ompRun{
		c:           c,
		src:         src,
		cal:         cal,
		cfg:         o,
		st:          st,
		shape:       shape,
		solver: omp.Solver{
			MaxIterations:       o.MaxGenes,
			DotProductThreshold: o.DotProductThreshold,
			MinimumIntensity:    o.MinimumIntensity,
			Alpha:               o.Alpha,
			Beta:                o.Beta,
		},
		codes:      codes,
		background: omp.BackgroundCodes(cal.Rounds, cal.Channels),
		dup:        dup,
	}
	return run, tiles, nil
}

func (run *ompRun) tilePromise(ctx context.Context, t int) ops.Promise[[]Spot] {
	return func() ([]Spot, error) {
		return run.tile(ctx, t, nil)
	}
}

// Returns the mean spot from file, from the store, or estimated on the given tile. In the latter case,
// the coefficients of the tile are returned for reuse
func (run *ompRun) meanSpot(ctx context.Context, t int) (*spot.Volume, *omp.Coefficients, error) {
	if run.cfg.MeanSpotFile != "" {
		meanSpot, err := LoadMeanSpot(run.cfg.MeanSpotFile)
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(run.c.Log, "Using mean spot of shape %v from %s\n", meanSpot.Shape(), run.cfg.MeanSpotFile)
		return meanSpot, nil, nil
	}
	if run.st != nil && resultsValid(run.st, ompGroup, "mean_spot", run.meanSpotFingerprint) {
		if meanSpot, err := loadMeanSpot(run.st); err == nil {
			fmt.Fprintf(run.c.Log, "Using stored mean spot of shape %v\n", meanSpot.Shape())
			return meanSpot, nil, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	coefs, err := run.coefficients(t)
	if err != nil {
		return nil, nil, err
	}
	o := run.cfg
	positions, genes := omp.FindIsolatedSpots(coefs, run.shape, o.ShapeCoefficientThreshold, o.RadiusXY, o.RadiusZ,
		o.ShapeIsolationDistanceYX, o.ShapeIsolationDistanceZ, o.SpotShapeMaxSpots)
	if len(positions) == 0 {
		return nil, nil, errors.New(fmt.Sprintf("%d: No isolated spots found to compute the mean spot. "+
			"Consider lowering omp.shape_coefficient_threshold (%g) or the isolation distances (%g, %g)",
			t, o.ShapeCoefficientThreshold, o.ShapeIsolationDistanceYX, o.ShapeIsolationDistanceZ))
	}
	fmt.Fprintf(run.c.Log, "%d: Computing mean spot of shape %v from %d isolated spots\n", t, o.SpotShape, len(positions))
	meanSpot, err := omp.ComputeMeanSpot(coefs, positions, genes, run.shape, o.SpotShape)
	if err != nil {
		return nil, nil, err
	}
	return meanSpot, coefs, nil
}

// Processes one tile, or loads its stored results. Coefficients are computed unless given
func (run *ompRun) tile(ctx context.Context, t int, coefs *omp.Coefficients) ([]Spot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := tileGroupName(t)
	if run.st != nil {
		if resultsValid(run.st, name, "colours", run.fingerprint) {
			spots, err := LoadTileSpots(run.st, t)
			if err == nil {
				fmt.Fprintf(run.c.Log, "%d: Skipping tile, %d spots already stored\n", t, len(spots))
				return spots, nil
			}
			fmt.Fprintf(run.c.Log, "%d: Warning: cannot load stored results, recomputing: %s\n", t, err.Error())
		}
		if err := run.st.RemoveGroup(name); err != nil {
			return nil, err
		}
	}
	if r, ok := run.src.(Releaser); ok {
		defer r.Release(t)
	}

	var err error
	if coefs == nil {
		if coefs, err = run.coefficients(t); err != nil {
			return nil, err
		}
	}
	spots, err := run.extract(t, coefs)
	if err != nil {
		return nil, err
	}
	if len(spots) == 0 {
		return nil, errors.New(fmt.Sprintf("%d: No OMP spots found on tile %d. Please check that registration and "+
			"calibration are working. If so, consider adjusting OMP config parameters such as omp.score_threshold (%g) "+
			"or omp.dot_product_threshold (%g)", t, t, run.cfg.ScoreThreshold, run.cfg.DotProductThreshold))
	}

	// colours of the final spots, for diagnostics
	yxz := make([][3]int, len(spots))
	for i, s := range spots {
		yxz[i] = [3]int{s.Y, s.X, s.Z}
	}
	colours, err := run.src.Colours(t, yxz)
	if err != nil {
		return nil, err
	}
	rc := run.cal.Rounds * run.cal.Channels
	for i := range spots {
		spots[i].Colour = colours[i*rc : (i+1)*rc]
	}

	if run.st != nil {
		if err := SaveTileSpots(run.st, t, spots, run.cal.Rounds, run.cal.Channels, run.fingerprint); err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(run.c.Log, "%d: Found %d spots\n", t, len(spots))
	return spots, nil
}

// Solves the coefficients of all pixels of a tile, in subsets of pixels sized to the memory budget
func (run *ompRun) coefficients(t int) (*omp.Coefficients, error) {
	ny, nx, nz := run.shape[0], run.shape[1], run.shape[2]
	vol := &spot.Volume{NY: ny, NX: nx, NZ: nz}
	nPix := ny * nx * nz
	rounds, channels := run.cal.Rounds, run.cal.Channels
	rc := rounds * channels
	norm := run.cal.NormFactor(t)

	subset := run.cfg.SubsetPixels
	if subset <= 0 {
		subset = int(float64(run.c.MemoryPerThreadMB()) * 1e7 / float64(run.cal.Genes*rc))
	}
	subset = max(1, min(subset, nPix))

	solver := run.solver
	if solver.MinimumIntensity < 0 {
		threshold, err := run.autoMinimumIntensity(t, norm)
		if err != nil {
			return nil, err
		}
		solver.MinimumIntensity = threshold
	}
	fmt.Fprintf(run.c.Log, "%d: Solving %d pixels in subsets of %d, minimum intensity %g\n", t, nPix, subset, solver.MinimumIntensity)

	coefs := omp.NewCoefficients(run.cal.Genes)
	yxz := make([][3]int, 0, subset)
	solved := 0
	for lo := 0; lo < nPix; lo += subset {
		hi := min(lo+subset, nPix)
		yxz = yxz[:0]
		for i := lo; i < hi; i++ {
			y, x, z := vol.Coords(i)
			yxz = append(yxz, [3]int{y, x, z})
		}
		colours, err := run.src.Colours(t, yxz)
		if err != nil {
			return nil, err
		}
		scaleColours(colours, norm)

		// only pixels bright enough can hold a gene
		rows := []int32{}
		for i := 0; i < hi-lo; i++ {
			if stats.Intensity(colours[i*rc:(i+1)*rc], rounds, channels) >= solver.MinimumIntensity {
				rows = append(rows, int32(i))
			}
		}
		if len(rows) == 0 {
			if err := coefs.AppendRows(hi-lo, nil, nil); err != nil {
				return nil, err
			}
			continue
		}
		intense := make([]float32, len(rows)*rc)
		for j, i := range rows {
			copy(intense[j*rc:(j+1)*rc], colours[int(i)*rc:(int(i)+1)*rc])
		}
		pixels, err := omp.NewColours(len(rows), rounds, channels, intense)
		if err != nil {
			return nil, err
		}
		sol, err := solver.Solve(pixels, run.codes, run.background)
		if err != nil {
			return nil, err
		}
		if err := coefs.AppendRows(hi-lo, rows, sol.Coefficients); err != nil {
			return nil, err
		}
		solved += len(rows)
	}
	fmt.Fprintf(run.c.Log, "%d: Solved %d of %d pixels, %d nonzero coefficients\n", t, solved, nPix, coefs.NonZeros())
	return coefs, nil
}

// Multiplies each colour by the per round and channel normalisation factors
func scaleColours(colours []float32, norm []float32) {
	rc := len(norm)
	for i := range colours {
		colours[i] *= norm[i%rc]
	}
}

// Derives the minimum intensity of a tile from the histogram of a random subsample of pixel intensities
func (run *ompRun) autoMinimumIntensity(t int, norm []float32) (float32, error) {
	ny, nx, nz := run.shape[0], run.shape[1], run.shape[2]
	nPix := ny * nx * nz
	rng := fastrand.RNG{}
	rng.Seed(uint32(t) + 1)
	n := min(nPix, autoIntensitySamples)
	yxz := make([][3]int, n)
	vol := &spot.Volume{NY: ny, NX: nx, NZ: nz}
	for i := range yxz {
		p := i
		if n < nPix {
			p = int(rng.Uint32n(uint32(nPix)))
		}
		y, x, z := vol.Coords(p)
		yxz[i] = [3]int{y, x, z}
	}
	colours, err := run.src.Colours(t, yxz)
	if err != nil {
		return 0, err
	}
	scaleColours(colours, norm)
	intensities := stats.Intensities(colours, run.cal.Rounds, run.cal.Channels)
	threshold, err := stats.AutoThreshold(intensities, autoIntensitySigmas, autoIntensitySamples, &rng)
	if err != nil {
		return 0, fmt.Errorf("%d: automatic minimum intensity: %w", t, err)
	}
	if threshold < 0 {
		threshold = 0
	}
	fmt.Fprintf(run.c.Log, "%d: Automatic minimum intensity %g\n", t, threshold)
	return threshold, nil
}

// Scores each gene's coefficient image, detects spots as score maxima and drops spots closer to another tile's
// centre. Genes are processed in batches sized to the memory budget
func (run *ompRun) extract(t int, coefs *omp.Coefficients) ([]Spot, error) {
	ny, nx, nz := run.shape[0], run.shape[1], run.shape[2]
	nPix := ny * nx * nz
	nGenes := run.cal.Genes
	batch := max(1, int(2e6*float64(run.c.MemoryPerThreadMB())/float64(nPix)))
	origin := run.src.TileOrigins()[t]
	o := run.cfg

	var coefMax *spot.Volume
	if run.c.ExportDir != "" {
		coefMax = spot.NewVolume(ny, nx, nz)
	}

	spots := []Spot{}
	zeroGenes := []int{}
	for g0 := 0; g0 < nGenes; g0 += batch {
		genes := make([]int, 0, batch)
		for g := g0; g < min(g0+batch, nGenes); g++ {
			genes = append(genes, g)
		}
		columns := coefs.Columns(genes)
		for i, g := range genes {
			image := &spot.Volume{NY: ny, NX: nx, NZ: nz, Data: columns[i]}
			if coefMax != nil {
				for j, v := range image.Data {
					if v > coefMax.Data[j] {
						coefMax.Data[j] = v
					}
				}
			}
			score, ok := run.kernel.Score(image)
			if !ok {
				zeroGenes = append(zeroGenes, g)
				continue
			}
			peaks := spot.Detect(score, o.ScoreThreshold, o.RadiusXY, o.RadiusZ, true)
			peaks, err := run.dup.RemoveDuplicates(peaks, t, origin)
			if err != nil {
				return nil, err
			}
			if len(peaks) > 0 && run.c.ExportDir != "" && run.c.ExportTIFF {
				fileName := filepath.Join(run.c.ExportDir, fmt.Sprintf("tile%d_gene%d_score.tif", t, g))
				if err := export.ScoreProjection(fileName, score); err != nil {
					return nil, err
				}
			}
			for _, p := range peaks {
				spots = append(spots, Spot{Tile: t, Y: p.Y, X: p.X, Z: p.Z, Gene: g, Score: p.Value,
					Global:      globalPosition(p, origin),
					Coefficient: coefficientAt(coefs, p.Index, g),
				})
			}
		}
	}
	if len(zeroGenes) > 0 {
		fmt.Fprintf(run.c.Log, "%d: Warning: %d of %d genes have an all zero coefficient image, no spots for genes %v\n",
			t, len(zeroGenes), nGenes, zeroGenes)
	}
	if coefMax != nil {
		if err := run.exportTile(t, coefMax, spots); err != nil {
			return nil, err
		}
	}
	return spots, nil
}

// Position of a peak in the stitched image, given the origin of its tile
func globalPosition(p spot.Peak, origin [3]float32) [3]int32 {
	return [3]int32{
		int32(math.Round(float64(float32(p.Y) + origin[0]))),
		int32(math.Round(float64(float32(p.X) + origin[1]))),
		int32(math.Round(float64(float32(p.Z) + origin[2]))),
	}
}

// Coefficient of gene g at a pixel, zero if OMP did not select the gene there
func coefficientAt(coefs *omp.Coefficients, pixel, g int) float32 {
	genes, values := coefs.Row(pixel)
	for i, gi := range genes {
		if int(gi) == g {
			return values[i]
		}
	}
	return 0
}

// Writes the coefficient projection and the spot overlay of a tile
func (run *ompRun) exportTile(t int, coefMax *spot.Volume, spots []Spot) error {
	if run.c.ExportTIFF {
		fileName := filepath.Join(run.c.ExportDir, fmt.Sprintf("tile%d_coef.tif", t))
		if err := export.CoefProjection(fileName, coefMax); err != nil {
			return err
		}
	}
	if run.c.ExportJPG {
		marks := make([]export.Mark, len(spots))
		for i, s := range spots {
			marks[i] = export.Mark{Y: s.Y, X: s.X, Gene: s.Gene}
		}
		fileName := filepath.Join(run.c.ExportDir, fmt.Sprintf("tile%d_spots.jpg", t))
		bg := export.Projection(coefMax)
		if err := export.SpotOverlayToFile(fileName, bg, coefMax.NY, coefMax.NX, marks, run.cal.Genes, 90); err != nil {
			return err
		}
	}
	return nil
}
