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

// Package config loads, validates and fingerprints the YAML configuration of genelight.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Version of the gene calling software, stored with results. Results of other versions are recomputed
const SoftwareVersion = "0.4.0"

// Config represents the configuration of a genelight run
type Config struct {
	Basic     Basic     `yaml:"basic"`
	CallSpots CallSpots `yaml:"call_spots"`
	OMP       OMP       `yaml:"omp"`
}

// Experiment layout and inputs
type Basic struct {
	// Tiles to process. Empty means all tiles of the colour source
	UseTiles []int `yaml:"use_tiles"`

	// Dye names, one per dye. Gene codes refer to dyes by their index
	DyeNames []string `yaml:"dye_names"`

	// Code book file with one gene per line: name followed by one dye digit per round
	CodeBook string `yaml:"code_book"`

	// Optional YAML file with the raw bleed matrix, one row of channel intensities per dye.
	// If empty, an initial bleed matrix is derived from the reference spots by k-means
	InitialBleedMatrix string `yaml:"initial_bleed_matrix"`

	// Reference spot colours and tiles, as written by the spot finding stage
	ReferenceSpots string `yaml:"reference_spots"`
}

// Parameters of the bleed matrix and bled code calibration
type CallSpots struct {
	// Spots with a best gene probability above this are used for calibration.
	// Lowered to the 90th percentile of probabilities if that is smaller
	GeneProbThreshold float64 `yaml:"gene_prob_threshold"`

	// Softmax sharpness of the gene probability score
	Kappa float64 `yaml:"kappa"`

	// Target intensity of each dye in its dominant channel, one per dye
	TargetValues []float64 `yaml:"target_values"`

	// Bayesian mean concentration along and across the prior dye direction
	ConcentrationParallel      float64 `yaml:"concentration_parameter_parallel"`
	ConcentrationPerpendicular float64 `yaml:"concentration_parameter_perpendicular"`

	// Number of classification and bleed matrix estimation passes
	CalibrationPasses int `yaml:"calibration_passes"`

	// Bad (tile, round, channel) combinations excluded from bleed matrix estimation
	BadTRC [][3]int `yaml:"bad_trc"`
}

// Parameters of the OMP solver, spot shape estimation and spot extraction
type OMP struct {
	MaxGenes            int     `yaml:"max_genes"`
	DotProductThreshold float32 `yaml:"dot_product_threshold"`
	// Negative values derive the minimum intensity from the intensity histogram of each tile
	MinimumIntensity float32 `yaml:"minimum_intensity"`
	Alpha            float32 `yaml:"alpha"`
	Beta             float32 `yaml:"beta"`

	// Pixels solved at once. Zero sizes subsets from available memory
	SubsetPixels int `yaml:"subset_pixels"`

	RadiusXY int `yaml:"radius_xy"`
	RadiusZ  int `yaml:"radius_z"`

	SpotShape                 [3]int  `yaml:"spot_shape"`
	SpotShapeMaxSpots         int     `yaml:"spot_shape_max_spots"`
	ShapeIsolationDistanceYX  float32 `yaml:"shape_isolation_distance_yx"`
	ShapeIsolationDistanceZ   float32 `yaml:"shape_isolation_distance_z"`
	ShapeCoefficientThreshold float32 `yaml:"shape_coefficient_threshold"`
	ShapeSignThresh           float32 `yaml:"shape_sign_thresh"`

	// Tile used to estimate the mean spot. Negative means the first processed tile
	TemplateTile int `yaml:"template_tile"`
	// Optional YAML file holding a precomputed mean spot, skips estimation
	MeanSpotFile string `yaml:"mean_spot_file"`

	HighCoefBias   float32 `yaml:"high_coef_bias"`
	ScoreThreshold float32 `yaml:"score_threshold"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Basic.CodeBook = "codebook.txt"
	cfg.Basic.ReferenceSpots = "ref_spots.yaml"

	cfg.CallSpots.GeneProbThreshold = 0.7
	cfg.CallSpots.Kappa = 2
	cfg.CallSpots.ConcentrationParallel = 10
	cfg.CallSpots.ConcentrationPerpendicular = 50
	cfg.CallSpots.CalibrationPasses = 2

	cfg.OMP.MaxGenes = 10
	cfg.OMP.DotProductThreshold = 0.5
	cfg.OMP.MinimumIntensity = 0.05
	cfg.OMP.Alpha = 120
	cfg.OMP.Beta = 1
	cfg.OMP.RadiusXY = 3
	cfg.OMP.RadiusZ = 2
	cfg.OMP.SpotShape = [3]int{9, 9, 5}
	cfg.OMP.SpotShapeMaxSpots = 5000
	cfg.OMP.ShapeIsolationDistanceYX = 10
	cfg.OMP.ShapeIsolationDistanceZ = 2
	cfg.OMP.ShapeCoefficientThreshold = 0.8
	cfg.OMP.ShapeSignThresh = 0.1
	cfg.OMP.TemplateTile = -1
	cfg.OMP.HighCoefBias = 0.35
	cfg.OMP.ScoreThreshold = 0.1

	return cfg
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Checks parameter ranges which do not depend on the data
func (cfg *Config) Validate() error {
	cs, o := &cfg.CallSpots, &cfg.OMP
	switch {
	case !(cs.GeneProbThreshold >= 0 && cs.GeneProbThreshold <= 1):
		return errors.New(fmt.Sprintf("call_spots.gene_prob_threshold must be in [0,1], got %g", cs.GeneProbThreshold))
	case !(cs.Kappa > 0):
		return errors.New(fmt.Sprintf("call_spots.kappa must be positive, got %g", cs.Kappa))
	case !(cs.ConcentrationParallel > 0) || !(cs.ConcentrationPerpendicular > 0):
		return errors.New("call_spots concentration parameters must be positive")
	case cs.CalibrationPasses < 2:
		return errors.New(fmt.Sprintf("call_spots.calibration_passes must be at least 2, got %d", cs.CalibrationPasses))
	case len(cs.TargetValues) != 0 && len(cfg.Basic.DyeNames) != 0 && len(cs.TargetValues) != len(cfg.Basic.DyeNames):
		return errors.New(fmt.Sprintf("call_spots.target_values has %d entries for %d dyes", len(cs.TargetValues), len(cfg.Basic.DyeNames)))
	case o.MaxGenes <= 0:
		return errors.New(fmt.Sprintf("omp.max_genes must be positive, got %d", o.MaxGenes))
	case !(o.DotProductThreshold >= 0):
		return errors.New(fmt.Sprintf("omp.dot_product_threshold must be non-negative, got %g", o.DotProductThreshold))
	case !(o.Alpha >= 0):
		return errors.New(fmt.Sprintf("omp.alpha must be non-negative, got %g", o.Alpha))
	case !(o.Beta > 0):
		return errors.New(fmt.Sprintf("omp.beta must be positive, got %g", o.Beta))
	case o.SubsetPixels < 0:
		return errors.New(fmt.Sprintf("omp.subset_pixels must not be negative, got %d", o.SubsetPixels))
	case o.RadiusXY <= 0 || o.RadiusZ < 0:
		return errors.New(fmt.Sprintf("omp radii must be positive, got %d and %d", o.RadiusXY, o.RadiusZ))
	case !(o.HighCoefBias > 0):
		return errors.New(fmt.Sprintf("omp.high_coef_bias must be positive, got %g", o.HighCoefBias))
	case !(o.ShapeSignThresh > 0 && o.ShapeSignThresh <= 1):
		return errors.New(fmt.Sprintf("omp.shape_sign_thresh must be in (0,1], got %g", o.ShapeSignThresh))
	case !(o.ScoreThreshold >= 0):
		return errors.New(fmt.Sprintf("omp.score_threshold must be non-negative, got %g", o.ScoreThreshold))
	}
	for _, s := range o.SpotShape {
		if s <= 0 || s%2 == 0 {
			return errors.New(fmt.Sprintf("omp.spot_shape %v must be odd and positive in every dimension", o.SpotShape))
		}
	}
	return nil
}

// Hash of the canonical YAML form of a value, with the software version
func fingerprint(v interface{}) string {
	data, err := yaml.Marshal(v)
	if err != nil {
		panic(err) // plain structs always marshal
	}
	h := sha256.New()
	h.Write([]byte(SoftwareVersion))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint of the OMP parameters. Stored results with a different fingerprint are stale
func (o *OMP) Fingerprint() string { return fingerprint(o) }

// Fingerprint of the calibration parameters
func (cs *CallSpots) Fingerprint() string { return fingerprint(cs) }

// Fingerprint of the experiment layout and input file names
func (b *Basic) Fingerprint() string { return fingerprint(b) }
