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
	"fmt"
	"os"

	"github.com/mlnoga/genelight/internal/calib"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/ops"
	"github.com/mlnoga/genelight/internal/store"
)

// Reads a code book file
func LoadCodeBook(path string) (*calib.CodeBook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading code book: %w", err)
	}
	defer f.Close()
	cb, err := calib.ReadCodeBook(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cb, nil
}

// Calibrates on the reference spots, code book and optional raw bleed matrix named by the configuration.
// The number of tiles is taken from the tile layout of the data directory
func CalibrateFromFiles(c *ops.Context, cfg *config.Config, dataDir string, st *store.Store) (*calib.Result, error) {
	layout, err := ReadFITSLayout(dataDir)
	if err != nil {
		return nil, err
	}
	codeBook, err := LoadCodeBook(cfg.Basic.CodeBook)
	if err != nil {
		return nil, err
	}
	spots, err := LoadRefSpots(cfg.Basic.ReferenceSpots)
	if err != nil {
		return nil, err
	}
	var raw *calib.BleedMatrix
	if cfg.Basic.InitialBleedMatrix != "" {
		if raw, err = LoadBleedMatrix(cfg.Basic.InitialBleedMatrix); err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(c.Log, "Loaded %d genes from %s and %d reference spots from %s\n",
		len(codeBook.Names), cfg.Basic.CodeBook, spots.N, cfg.Basic.ReferenceSpots)
	return RunCalibration(c, spots, codeBook, raw, layout.NumTiles, cfg, st)
}

// Calls genes on the FITS tiles of the data directory with the stored calibration
func CallGenesFromFiles(ctx context.Context, c *ops.Context, cfg *config.Config, dataDir string, st *store.Store) (*Results, error) {
	src, err := OpenFITSSource(dataDir, c.Log)
	if err != nil {
		return nil, err
	}
	cal, err := LoadCalibration(st)
	if err != nil {
		return nil, err
	}
	return RunOMP(ctx, c, src, cal, cfg, st)
}

// Logs the number of spots per gene, with gene names if known
func LogGeneCounts(c *ops.Context, res *Results, names []string) {
	for g, n := range res.GeneCounts() {
		name := fmt.Sprintf("gene%d", g)
		if g < len(names) && names[g] != "" {
			name = names[g]
		}
		fmt.Fprintf(c.Log, "%-16s %6d\n", name, n)
	}
}
