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
)

// Colours of reference spots, each a rounds x channels matrix, with the tile each spot was found on
type SpotColours struct {
	N        int
	Rounds   int
	Channels int
	Data     []float64 // N x Rounds x Channels
	Tiles    []int     // N tile indices
}

// Creates spot colours from the given data, checking the shape
func NewSpotColours(n, rounds, channels int, data []float64, tiles []int) (*SpotColours, error) {
	if n < 0 || rounds <= 0 || channels <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid spot colour shape %dx%dx%d", n, rounds, channels))
	}
	if len(data) != n*rounds*channels {
		return nil, errors.New(fmt.Sprintf("spot colour shape %dx%dx%d does not match %d values", n, rounds, channels, len(data)))
	}
	if len(tiles) != n {
		return nil, errors.New(fmt.Sprintf("%d spots but %d tile indices", n, len(tiles)))
	}
	return &SpotColours{N: n, Rounds: rounds, Channels: channels, Data: data, Tiles: tiles}, nil
}

// Returns a deep copy
func (s *SpotColours) Clone() *SpotColours {
	data := make([]float64, len(s.Data))
	copy(data, s.Data)
	return &SpotColours{N: s.N, Rounds: s.Rounds, Channels: s.Channels, Data: data, Tiles: s.Tiles}
}

// Returns the colour of spot i. Shares memory
func (s *SpotColours) Colour(i int) []float64 {
	rc := s.Rounds * s.Channels
	return s.Data[i*rc : (i+1)*rc]
}

// Returns the channel vector of spot i in round r. Shares memory
func (s *SpotColours) Round(i, r int) []float64 {
	start := (i*s.Rounds + r) * s.Channels
	return s.Data[start : start+s.Channels]
}
