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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OMP.MaxGenes != DefaultConfig().OMP.MaxGenes {
		t.Errorf("expected defaults, got max_genes %d", cfg.OMP.MaxGenes)
	}
}

func TestSaveLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "genelight.yaml")
	cfg := DefaultConfig()
	cfg.OMP.MaxGenes = 4
	cfg.OMP.SpotShape = [3]int{7, 7, 3}
	cfg.CallSpots.BadTRC = [][3]int{{0, 1, 2}}
	cfg.Basic.DyeNames = []string{"a", "b"}
	cfg.CallSpots.TargetValues = []float64{1, 0.8}
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.OMP.MaxGenes != 4 || loaded.OMP.SpotShape != [3]int{7, 7, 3} || len(loaded.CallSpots.BadTRC) != 1 ||
		loaded.CallSpots.BadTRC[0] != [3]int{0, 1, 2} || loaded.CallSpots.TargetValues[1] != 0.8 {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
	if loaded.OMP.Fingerprint() != cfg.OMP.Fingerprint() {
		t.Errorf("fingerprint changed by round trip")
	}
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("omp:\n  alpha: 50\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OMP.Alpha != 50 || cfg.OMP.Beta != 1 || cfg.CallSpots.Kappa != 2 {
		t.Errorf("got alpha %g beta %g kappa %g", cfg.OMP.Alpha, cfg.OMP.Beta, cfg.CallSpots.Kappa)
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []func(c *Config){
		func(c *Config) { c.OMP.MaxGenes = 0 },
		func(c *Config) { c.OMP.Beta = 0 },
		func(c *Config) { c.OMP.Alpha = -1 },
		func(c *Config) { c.OMP.SpotShape = [3]int{9, 8, 5} },
		func(c *Config) { c.OMP.HighCoefBias = 0 },
		func(c *Config) { c.OMP.ShapeSignThresh = 0 },
		func(c *Config) { c.CallSpots.CalibrationPasses = 1 },
		func(c *Config) { c.CallSpots.GeneProbThreshold = 1.5 },
		func(c *Config) { c.Basic.DyeNames = []string{"a"}; c.CallSpots.TargetValues = []float64{1, 1} },
	}
	for i, modify := range tests {
		cfg := DefaultConfig()
		modify(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("omp:\n  beta: 0\n"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("expected error loading invalid config")
	}
}

func TestFingerprint(t *testing.T) {
	a, b := DefaultConfig(), DefaultConfig()
	if a.OMP.Fingerprint() != b.OMP.Fingerprint() {
		t.Errorf("equal configs have different fingerprints")
	}
	b.OMP.ScoreThreshold = 0.2
	if a.OMP.Fingerprint() == b.OMP.Fingerprint() {
		t.Errorf("fingerprint unchanged by score threshold")
	}
	b = DefaultConfig()
	b.CallSpots.Kappa = 3
	if a.OMP.Fingerprint() != b.OMP.Fingerprint() {
		t.Errorf("omp fingerprint depends on call spots section")
	}
	if a.CallSpots.Fingerprint() == b.CallSpots.Fingerprint() {
		t.Errorf("call spots fingerprint unchanged by kappa")
	}
	b = DefaultConfig()
	b.Basic.CodeBook = "other_codebook.txt"
	if a.Basic.Fingerprint() == b.Basic.Fingerprint() {
		t.Errorf("basic fingerprint unchanged by code book")
	}
	if a.CallSpots.Fingerprint() != b.CallSpots.Fingerprint() {
		t.Errorf("call spots fingerprint depends on basic section")
	}
}
