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

	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/spot"
	"github.com/mlnoga/genelight/internal/store"
)

// Stores the spots of a tile in its own group, replacing arrays of the same name. Attributes are written last, so an interrupted write never validates
func SaveTileSpots(st *store.Store, t int, spots []Spot, rounds, channels int, fingerprint string) error {
	g, err := st.Group(tileGroupName(t))
	if err != nil {
		return err
	}
	n, rc := len(spots), rounds*channels
	yxz := make([]int16, 3*n)
	tiles := make([]int16, n)
	genes := make([]int16, n)
	scores := make([]float32, n)
	colours := make([]float32, n*rc)
	global := make([]int32, 3*n)
	coefs := make([]float32, n)
	for i, s := range spots {
		yxz[3*i], yxz[3*i+1], yxz[3*i+2] = int16(s.Y), int16(s.X), int16(s.Z)
		copy(global[3*i:3*i+3], s.Global[:])
		coefs[i] = s.Coefficient
		tiles[i] = int16(s.Tile)
		genes[i] = int16(s.Gene)
		scores[i] = s.Score
		copy(colours[i*rc:(i+1)*rc], s.Colour)
	}
	if err := g.WriteInt16("local_yxz", []int{n, 3}, yxz); err != nil {
		return err
	}
	if err := g.WriteInt16("tile", []int{n}, tiles); err != nil {
		return err
	}
	if err := g.WriteInt16("gene_no", []int{n}, genes); err != nil {
		return err
	}
	if err := g.WriteFloat32("scores", []int{n}, scores); err != nil {
		return err
	}
	if err := g.WriteFloat32("colours", []int{n, rounds, channels}, colours); err != nil {
		return err
	}
	if err := g.WriteInt32("global_yxz", []int{n, 3}, global); err != nil {
		return err
	}
	if err := g.WriteFloat32("coefficients", []int{n}, coefs); err != nil {
		return err
	}
	return g.SetAttrs(map[string]interface{}{
		"tile":             t,
		"fingerprint":      fingerprint,
		"software_version": config.SoftwareVersion,
	})
}

// Loads the stored spots of a tile
func LoadTileSpots(st *store.Store, t int) ([]Spot, error) {
	name := tileGroupName(t)
	if !st.HasGroup(name) {
		return nil, errors.New(fmt.Sprintf("%d: no stored results for tile", t))
	}
	g, err := st.Group(name)
	if err != nil {
		return nil, err
	}
	yxz, shape, err := g.ReadInt16("local_yxz")
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[1] != 3 {
		return nil, errors.New(fmt.Sprintf("%d: local_yxz has shape %v, expecting n x 3", t, shape))
	}
	n := shape[0]
	tiles, _, err := g.ReadInt16("tile")
	if err != nil {
		return nil, err
	}
	genes, _, err := g.ReadInt16("gene_no")
	if err != nil {
		return nil, err
	}
	scores, _, err := g.ReadFloat32("scores")
	if err != nil {
		return nil, err
	}
	colours, cshape, err := g.ReadFloat32("colours")
	if err != nil {
		return nil, err
	}
	global, _, err := g.ReadInt32("global_yxz")
	if err != nil {
		return nil, err
	}
	coefs, _, err := g.ReadFloat32("coefficients")
	if err != nil {
		return nil, err
	}
	if len(tiles) != n || len(genes) != n || len(scores) != n || len(cshape) != 3 || cshape[0] != n ||
		len(global) != 3*n || len(coefs) != n {
		return nil, errors.New(fmt.Sprintf("%d: stored spot arrays have inconsistent lengths", t))
	}
	rc := cshape[1] * cshape[2]
	spots := make([]Spot, n)
	for i := range spots {
		spots[i] = Spot{
			Tile:   int(tiles[i]),
			Y:      int(yxz[3*i]),
			X:      int(yxz[3*i+1]),
			Z:      int(yxz[3*i+2]),
			Gene:   int(genes[i]),
			Score:  scores[i],
			Colour: colours[i*rc : (i+1)*rc],

			Global:      [3]int32{global[3*i], global[3*i+1], global[3*i+2]},
			Coefficient: coefs[i],
		}
	}
	return spots, nil
}

// Stores the mean spot and its template
func saveMeanSpot(st *store.Store, meanSpot, template *spot.Volume, fingerprint string) error {
	g, err := st.Group(ompGroup)
	if err != nil {
		return err
	}
	shape := meanSpot.Shape()
	if err := g.WriteFloat32("mean_spot", shape[:], meanSpot.Data); err != nil {
		return err
	}
	if err := g.WriteFloat32("spot_template", shape[:], template.Data); err != nil {
		return err
	}
	return g.SetAttrs(map[string]interface{}{
		"fingerprint":      fingerprint,
		"software_version": config.SoftwareVersion,
	})
}

func loadMeanSpot(st *store.Store) (*spot.Volume, error) {
	g, err := st.Group(ompGroup)
	if err != nil {
		return nil, err
	}
	data, shape, err := g.ReadFloat32("mean_spot")
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, errors.New(fmt.Sprintf("stored mean spot has shape %v, expecting 3 dimensions", shape))
	}
	return spot.NewVolumeFromData(shape[0], shape[1], shape[2], data)
}
