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

// Package pipeline drives calibration and OMP gene calling over the tiles of an experiment,
// persisting per-tile results in a fingerprinted store so interrupted runs resume where they stopped.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mlnoga/genelight/internal/fits"
	"github.com/mlnoga/genelight/internal/spot"
	"gopkg.in/yaml.v3"
)

// Supplies registered pixel colours of the tiles of an experiment
type ColourSource interface {
	NumTiles() int
	TileShape() [3]int // ny, nx, nz
	Rounds() int
	Channels() int
	TileOrigins() [][3]float32 // global y, x, z origin of each tile

	// Colours at the given tile-local positions, len(yxz) x rounds x channels.
	// Positions outside the tile read as zero
	Colours(tile int, yxz [][3]int) ([]float32, error)
}

// A colour source which can drop cached data of a tile once it is processed
type Releaser interface {
	Release(tile int)
}

func checkTile(src ColourSource, tile int) error {
	if tile < 0 || tile >= src.NumTiles() {
		return errors.New(fmt.Sprintf("tile %d out of range for %d tiles", tile, src.NumTiles()))
	}
	return nil
}

// Reads the colours of the given positions from per round and channel volumes of one tile
func gatherColours(images []*spot.Volume, yxz [][3]int) []float32 {
	nrc := len(images)
	res := make([]float32, len(yxz)*nrc)
	for i, p := range yxz {
		for k, img := range images {
			if img.Contains(p[0], p[1], p[2]) {
				res[i*nrc+k] = img.At(p[0], p[1], p[2])
			}
		}
	}
	return res
}

// An in-memory colour source. Images[t][r*channels+c] is the volume of tile t, round r and channel c
type MemorySource struct {
	Shape     [3]int
	NRounds   int
	NChannels int
	Origins   [][3]float32
	Images    [][]*spot.Volume
}

// Creates an in-memory source of zero volumes
func NewMemorySource(numTiles, rounds, channels int, shape [3]int, origins [][3]float32) (*MemorySource, error) {
	if len(origins) != numTiles {
		return nil, errors.New(fmt.Sprintf("%d tile origins for %d tiles", len(origins), numTiles))
	}
	if rounds <= 0 || channels <= 0 {
		return nil, errors.New(fmt.Sprintf("need positive rounds and channels, got %d and %d", rounds, channels))
	}
	m := &MemorySource{Shape: shape, NRounds: rounds, NChannels: channels, Origins: origins}
	m.Images = make([][]*spot.Volume, numTiles)
	for t := range m.Images {
		m.Images[t] = make([]*spot.Volume, rounds*channels)
		for k := range m.Images[t] {
			m.Images[t][k] = spot.NewVolume(shape[0], shape[1], shape[2])
		}
	}
	return m, nil
}

func (m *MemorySource) NumTiles() int             { return len(m.Images) }
func (m *MemorySource) TileShape() [3]int         { return m.Shape }
func (m *MemorySource) Rounds() int               { return m.NRounds }
func (m *MemorySource) Channels() int             { return m.NChannels }
func (m *MemorySource) TileOrigins() [][3]float32 { return m.Origins }

// Volume of the given tile, round and channel
func (m *MemorySource) Image(tile, round, channel int) *spot.Volume {
	return m.Images[tile][round*m.NChannels+channel]
}

func (m *MemorySource) Colours(tile int, yxz [][3]int) ([]float32, error) {
	if err := checkTile(m, tile); err != nil {
		return nil, err
	}
	return gatherColours(m.Images[tile], yxz), nil
}

// File name pattern of FITS tiles unless the layout names one
const DefaultFITSPattern = "tile%d_r%d_c%d.fits"

// Layout of a directory of FITS tiles, read from tiles.yaml
type FITSLayout struct {
	NumTiles int          `yaml:"num_tiles"`
	Rounds   int          `yaml:"rounds"`
	Channels int          `yaml:"channels"`
	Origins  [][3]float32 `yaml:"tile_origins"`
	// File name pattern with verbs for tile, round and channel
	Pattern string `yaml:"pattern"`
}

// Reads colours from registered FITS cubes, one per tile, round and channel, with x varying fastest, then y, then z.
// Cubes of a tile are loaded on first use and kept until released
type FITSSource struct {
	dir    string
	layout FITSLayout
	shape  [3]int
	log    io.Writer

	mu    sync.Mutex
	cache map[int][]*spot.Volume
}

// Reads the tile layout from dir/tiles.yaml
func ReadFITSLayout(dir string) (FITSLayout, error) {
	var layout FITSLayout
	data, err := os.ReadFile(filepath.Join(dir, "tiles.yaml"))
	if err != nil {
		return layout, fmt.Errorf("reading tile layout: %w", err)
	}
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return layout, fmt.Errorf("parsing tile layout: %w", err)
	}
	return layout, nil
}

// Opens the FITS tiles in dir described by dir/tiles.yaml. Reads the header of the first cube for the tile shape
func OpenFITSSource(dir string, logWriter io.Writer) (*FITSSource, error) {
	layout, err := ReadFITSLayout(dir)
	if err != nil {
		return nil, err
	}
	return NewFITSSource(dir, layout, logWriter)
}

// Creates a FITS source for the given layout
func NewFITSSource(dir string, layout FITSLayout, logWriter io.Writer) (*FITSSource, error) {
	if layout.NumTiles <= 0 || layout.Rounds <= 0 || layout.Channels <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid tile layout: %d tiles, %d rounds, %d channels",
			layout.NumTiles, layout.Rounds, layout.Channels))
	}
	if len(layout.Origins) != layout.NumTiles {
		return nil, errors.New(fmt.Sprintf("%d tile origins for %d tiles", len(layout.Origins), layout.NumTiles))
	}
	if layout.Pattern == "" {
		layout.Pattern = DefaultFITSPattern
	}
	s := &FITSSource{dir: dir, layout: layout, log: logWriter, cache: map[int][]*spot.Volume{}}

	img := fits.NewImage()
	if err := img.ReadFile(s.fileName(0, 0, 0), false, logWriter); err != nil {
		return nil, err
	}
	nx, ny, nz := img.Dims()
	if len(img.Naxisn) < 2 || len(img.Naxisn) > 3 {
		return nil, errors.New(fmt.Sprintf("%s: expecting a 2D or 3D image, got %s", img.FileName, img.DimensionsToString()))
	}
	s.shape = [3]int{ny, nx, nz}
	return s, nil
}

func (s *FITSSource) fileName(tile, round, channel int) string {
	return filepath.Join(s.dir, fmt.Sprintf(s.layout.Pattern, tile, round, channel))
}

func (s *FITSSource) NumTiles() int             { return s.layout.NumTiles }
func (s *FITSSource) TileShape() [3]int         { return s.shape }
func (s *FITSSource) Rounds() int               { return s.layout.Rounds }
func (s *FITSSource) Channels() int             { return s.layout.Channels }
func (s *FITSSource) TileOrigins() [][3]float32 { return s.layout.Origins }

// Loads all cubes of a tile, converting them to the volume layout
func (s *FITSSource) load(tile int) ([]*spot.Volume, error) {
	s.mu.Lock()
	images, ok := s.cache[tile]
	s.mu.Unlock()
	if ok {
		return images, nil
	}

	images = make([]*spot.Volume, s.layout.Rounds*s.layout.Channels)
	for r := 0; r < s.layout.Rounds; r++ {
		for c := 0; c < s.layout.Channels; c++ {
			img, err := fits.NewImageFromFile(s.fileName(tile, r, c), tile, s.log)
			if err != nil {
				return nil, err
			}
			nx, ny, nz := img.Dims()
			if [3]int{ny, nx, nz} != s.shape {
				return nil, errors.New(fmt.Sprintf("%d: %s has shape %s, expecting %dx%dx%d", tile, img.FileName,
					img.DimensionsToString(), s.shape[1], s.shape[0], s.shape[2]))
			}
			vol := spot.NewVolume(ny, nx, nz)
			for z := 0; z < nz; z++ {
				for y := 0; y < ny; y++ {
					for x := 0; x < nx; x++ {
						vol.Set(y, x, z, img.At(x, y, z))
					}
				}
			}
			images[r*s.layout.Channels+c] = vol
		}
	}

	s.mu.Lock()
	s.cache[tile] = images
	s.mu.Unlock()
	return images, nil
}

func (s *FITSSource) Colours(tile int, yxz [][3]int) ([]float32, error) {
	if err := checkTile(s, tile); err != nil {
		return nil, err
	}
	images, err := s.load(tile)
	if err != nil {
		return nil, err
	}
	return gatherColours(images, yxz), nil
}

// Drops the cached cubes of a tile
func (s *FITSSource) Release(tile int) {
	s.mu.Lock()
	delete(s.cache, tile)
	s.mu.Unlock()
}

// Writes a tile volume as a FITS cube, for preparing inputs and tests
func WriteFITSVolume(fileName string, vol *spot.Volume) error {
	img := fits.NewImageFromNaxisn([]int32{int32(vol.NX), int32(vol.NY), int32(vol.NZ)}, nil)
	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				img.Data[(z*vol.NY+y)*vol.NX+x] = vol.At(y, x, z)
			}
		}
	}
	return img.WriteFile(fileName)
}
