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
	"os"

	"github.com/mlnoga/genelight/internal/calib"
	"github.com/mlnoga/genelight/internal/spot"
	"gopkg.in/yaml.v3"
)

// A reference spot with its colour, rounds x channels
type RefSpot struct {
	Tile     int         `yaml:"tile"`
	LocalYXZ [3]int      `yaml:"local_yxz"`
	Colour   [][]float64 `yaml:"colour"`
}

// File of reference spots found on the anchor round
type RefSpotsFile struct {
	Rounds   int       `yaml:"rounds"`
	Channels int       `yaml:"channels"`
	Spots    []RefSpot `yaml:"spots"`
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Loads reference spot colours from a YAML file
func LoadRefSpots(path string) (*calib.SpotColours, error) {
	var f RefSpotsFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	rc := f.Rounds * f.Channels
	data := make([]float64, 0, len(f.Spots)*rc)
	tiles := make([]int, len(f.Spots))
	for i, s := range f.Spots {
		if len(s.Colour) != f.Rounds {
			return nil, errors.New(fmt.Sprintf("%s: spot %d has %d rounds, expecting %d", path, i, len(s.Colour), f.Rounds))
		}
		for r, ch := range s.Colour {
			if len(ch) != f.Channels {
				return nil, errors.New(fmt.Sprintf("%s: spot %d round %d has %d channels, expecting %d", path, i, r, len(ch), f.Channels))
			}
			data = append(data, ch...)
		}
		tiles[i] = s.Tile
	}
	return calib.NewSpotColours(len(f.Spots), f.Rounds, f.Channels, data, tiles)
}

// Writes reference spot colours to a YAML file. Positions are optional
func SaveRefSpots(path string, sc *calib.SpotColours, positions [][3]int) error {
	f := RefSpotsFile{Rounds: sc.Rounds, Channels: sc.Channels, Spots: make([]RefSpot, sc.N)}
	for i := range f.Spots {
		s := &f.Spots[i]
		s.Tile = sc.Tiles[i]
		if positions != nil {
			s.LocalYXZ = positions[i]
		}
		s.Colour = make([][]float64, sc.Rounds)
		for r := range s.Colour {
			s.Colour[r] = append([]float64(nil), sc.Round(i, r)...)
		}
	}
	return writeYAML(path, &f)
}

// Loads a bleed matrix from a YAML file holding one row of channel intensities per dye
func LoadBleedMatrix(path string) (*calib.BleedMatrix, error) {
	var rows [][]float64
	if err := readYAML(path, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(fmt.Sprintf("%s: bleed matrix is empty", path))
	}
	data := []float64{}
	for d, row := range rows {
		if len(row) != len(rows[0]) {
			return nil, errors.New(fmt.Sprintf("%s: dye %d has %d channels, expecting %d", path, d, len(row), len(rows[0])))
		}
		data = append(data, row...)
	}
	return calib.NewBleedMatrix(len(rows), len(rows[0]), data)
}

// File holding a precomputed mean spot, flat in y, x, z order with z varying fastest
type MeanSpotFile struct {
	Shape [3]int    `yaml:"shape"`
	Data  []float32 `yaml:"data"`
}

// Loads a mean spot from a YAML file. All dimensions must be odd
func LoadMeanSpot(path string) (*spot.Volume, error) {
	var f MeanSpotFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	for _, n := range f.Shape {
		if n <= 0 || n%2 == 0 {
			return nil, errors.New(fmt.Sprintf("%s: mean spot must have odd positive dimensions, got %v", path, f.Shape))
		}
	}
	return spot.NewVolumeFromData(f.Shape[0], f.Shape[1], f.Shape[2], f.Data)
}

// Writes a mean spot to a YAML file
func SaveMeanSpot(path string, meanSpot *spot.Volume) error {
	return writeYAML(path, &MeanSpotFile{Shape: meanSpot.Shape(), Data: meanSpot.Data})
}
