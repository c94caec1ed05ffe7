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
	"errors"
	"fmt"

	"github.com/mlnoga/genelight/internal/calib"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/ops"
	"github.com/mlnoga/genelight/internal/store"
)

const callSpotsGroup = "call_spots"

// Calibrates bleed matrix and bled codes on the reference spots, or loads the stored calibration if it was computed
// from the same inputs with the same basic and call spots configuration and software version. A nil raw bleed matrix is derived by clustering.
// Results are stored if a store is given
func RunCalibration(c *ops.Context, spots *calib.SpotColours, codeBook *calib.CodeBook, raw *calib.BleedMatrix,
	numTiles int, cfg *config.Config, st *store.Store) (*calib.Result, error) {
	fingerprint := calibrationFingerprint(cfg, spots, codeBook, raw, numTiles)
	if st != nil && resultsValid(st, callSpotsGroup, "bled_codes", fingerprint) {
		res, err := LoadCalibration(st)
		if err == nil {
			fmt.Fprintf(c.Log, "Stored calibration matches inputs and configuration, skipping\n")
			return res, nil
		}
		fmt.Fprintf(c.Log, "Warning: cannot load stored calibration, recomputing: %s\n", err.Error())
	}

	numDyes := codeBook.NumDyes()
	if len(cfg.Basic.DyeNames) > 0 {
		numDyes = len(cfg.Basic.DyeNames)
	} else if raw != nil {
		numDyes = raw.Dyes
	}
	in := &calib.Input{
		Spots:          spots,
		NumTiles:       numTiles,
		GeneCodes:      codeBook.Codes,
		NumDyes:        numDyes,
		RawBleedMatrix: raw,
	}
	if len(cfg.Basic.UseTiles) > 0 {
		in.UseTiles = cfg.Basic.UseTiles
	}
	res, err := calib.Calibrate(in, &cfg.CallSpots, c.Log)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if err := SaveCalibration(st, res, codeBook.Names, fingerprint); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Checks whether a result group holds the given array and was written with the given fingerprint
// by this software version
func resultsValid(st *store.Store, group, array, fingerprint string) bool {
	if !st.HasGroup(group) {
		return false
	}
	g, err := st.Group(group)
	if err != nil || !g.Exists(array) {
		return false
	}
	return g.StringAttr("fingerprint") == fingerprint && g.StringAttr("software_version") == config.SoftwareVersion
}

type float64Array struct {
	name  string
	shape []int
	data  *[]float64
}

func calibrationArrays(res *calib.Result) []float64Array {
	g, t, r, c := res.Genes, res.Tiles, res.Rounds, res.Channels
	n := len(res.DotProductGene)
	return []float64Array{
		{"free_bled_codes", []int{g, t, r, c}, &res.FreeBledCodes},
		{"free_bled_codes_tile_independent", []int{g, r, c}, &res.FreeBledCodesTileIndependent},
		{"bled_codes", []int{g, r, c}, &res.BledCodes},
		{"rc_scale", []int{r, c}, &res.RCScale},
		{"tile_scale", []int{t, r, c}, &res.TileScale},
		{"colour_norm_factor", []int{t, r, c}, &res.ColourNormFactor},
		{"gene_efficiency", []int{g, r}, &res.GeneEfficiency},
		{"gene_probabilities_initial", []int{n, g}, &res.GeneProbabilitiesInitial},
		{"gene_probabilities", []int{n, g}, &res.GeneProbabilities},
		{"dot_product_score", []int{n}, &res.DotProductScore},
		{"intensity", []int{n}, &res.Intensity},
	}
}

// Stores all calibration artifacts in the call spots group, replacing previous ones.
// The fingerprint is written last, so an interrupted write never validates
func SaveCalibration(st *store.Store, res *calib.Result, geneNames []string, fingerprint string) error {
	if err := st.RemoveGroup(callSpotsGroup); err != nil {
		return err
	}
	g, err := st.Group(callSpotsGroup)
	if err != nil {
		return err
	}
	for _, a := range calibrationArrays(res) {
		if err := g.WriteFloat64(a.name, a.shape, *a.data); err != nil {
			return err
		}
	}
	bleed := map[string]*calib.BleedMatrix{
		"bleed_matrix_raw":     res.BleedMatrixRaw,
		"bleed_matrix_initial": res.BleedMatrixInitial,
		"bleed_matrix":         res.BleedMatrix,
	}
	for name, b := range bleed {
		if err := g.WriteFloat64(name, []int{b.Dyes, b.Channels}, b.Data); err != nil {
			return err
		}
	}
	if err := g.WriteInt16("dot_product_gene_no", []int{len(res.DotProductGene)}, res.DotProductGene); err != nil {
		return err
	}
	names := make([]interface{}, len(geneNames))
	for i, n := range geneNames {
		names[i] = n
	}
	return g.SetAttrs(map[string]interface{}{
		"genes":            res.Genes,
		"tiles":            res.Tiles,
		"rounds":           res.Rounds,
		"channels":         res.Channels,
		"dyes":             res.Dyes,
		"prob_threshold":   res.ProbThreshold,
		"gene_names":       names,
		"fingerprint":      fingerprint,
		"software_version": config.SoftwareVersion,
	})
}

func intAttr(attrs map[string]interface{}, key string) (int, error) {
	v, ok := attrs[key].(float64)
	if !ok {
		return 0, errors.New(fmt.Sprintf("attribute %s missing or not a number", key))
	}
	return int(v), nil
}

// Loads calibration artifacts from the call spots group
func LoadCalibration(st *store.Store) (*calib.Result, error) {
	if !st.HasGroup(callSpotsGroup) {
		return nil, errors.New("no stored calibration, run calibrate first")
	}
	g, err := st.Group(callSpotsGroup)
	if err != nil {
		return nil, err
	}
	attrs, err := g.Attrs()
	if err != nil {
		return nil, err
	}
	res := &calib.Result{}
	for key, dst := range map[string]*int{"genes": &res.Genes, "tiles": &res.Tiles, "rounds": &res.Rounds,
		"channels": &res.Channels, "dyes": &res.Dyes} {
		if *dst, err = intAttr(attrs, key); err != nil {
			return nil, err
		}
	}
	res.ProbThreshold, _ = attrs["prob_threshold"].(float64)

	for _, a := range calibrationArrays(res) {
		data, shape, err := g.ReadFloat64(a.name)
		if err != nil {
			return nil, err
		}
		if a.name == "gene_probabilities" || a.name == "gene_probabilities_initial" ||
			a.name == "dot_product_score" || a.name == "intensity" {
			a.shape[0] = shape[0] // spot count is not an attribute
		}
		if fmt.Sprint(shape) != fmt.Sprint(a.shape) {
			return nil, errors.New(fmt.Sprintf("stored %s has shape %v, expecting %v", a.name, shape, a.shape))
		}
		*a.data = data
	}
	for name, dst := range map[string]**calib.BleedMatrix{"bleed_matrix_raw": &res.BleedMatrixRaw,
		"bleed_matrix_initial": &res.BleedMatrixInitial, "bleed_matrix": &res.BleedMatrix} {
		data, shape, err := g.ReadFloat64(name)
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 {
			return nil, errors.New(fmt.Sprintf("stored %s has shape %v, expecting 2 dimensions", name, shape))
		}
		if *dst, err = calib.NewBleedMatrix(shape[0], shape[1], data); err != nil {
			return nil, err
		}
	}
	if res.DotProductGene, _, err = g.ReadInt16("dot_product_gene_no"); err != nil {
		return nil, err
	}
	return res, nil
}

// Gene names stored with the calibration, if any
func LoadGeneNames(st *store.Store) []string {
	if !st.HasGroup(callSpotsGroup) {
		return nil
	}
	g, err := st.Group(callSpotsGroup)
	if err != nil {
		return nil
	}
	attrs, err := g.Attrs()
	if err != nil {
		return nil
	}
	list, _ := attrs["gene_names"].([]interface{})
	names := make([]string, len(list))
	for i, v := range list {
		names[i], _ = v.(string)
	}
	return names
}
