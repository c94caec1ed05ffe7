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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"

	"github.com/mlnoga/genelight/internal/calib"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/spot"
)

// Accumulates the inputs of a stage into a fingerprint. Lengths are hashed before contents,
// so concatenations of different splits never collide
type contentHash struct {
	h   hash.Hash
	buf [8]byte
}

func newContentHash() *contentHash {
	ch := &contentHash{h: sha256.New()}
	ch.strings(config.SoftwareVersion)
	return ch
}

func (ch *contentHash) word(v uint64) {
	binary.LittleEndian.PutUint64(ch.buf[:], v)
	ch.h.Write(ch.buf[:])
}

func (ch *contentHash) ints(vs ...int) *contentHash {
	ch.word(uint64(len(vs)))
	for _, v := range vs {
		ch.word(uint64(int64(v)))
	}
	return ch
}

func (ch *contentHash) float64s(vs []float64) *contentHash {
	ch.word(uint64(len(vs)))
	for _, v := range vs {
		ch.word(math.Float64bits(v))
	}
	return ch
}

func (ch *contentHash) float32s(vs []float32) *contentHash {
	ch.word(uint64(len(vs)))
	for _, v := range vs {
		ch.word(uint64(math.Float32bits(v)))
	}
	return ch
}

func (ch *contentHash) strings(vs ...string) *contentHash {
	ch.word(uint64(len(vs)))
	for _, v := range vs {
		ch.word(uint64(len(v)))
		ch.h.Write([]byte(v))
	}
	return ch
}

func (ch *contentHash) sum() string {
	return hex.EncodeToString(ch.h.Sum(nil))
}

// Fingerprint of a calibration run: the basic and call spots configuration, and the contents of
// reference spots, code book and raw bleed matrix
func calibrationFingerprint(cfg *config.Config, spots *calib.SpotColours, codeBook *calib.CodeBook,
	raw *calib.BleedMatrix, numTiles int) string {
	h := newContentHash().ints(numTiles)
	if spots != nil {
		h.ints(spots.N, spots.Rounds, spots.Channels).float64s(spots.Data).ints(spots.Tiles...)
	}
	h.strings(codeBook.Names...)
	for _, code := range codeBook.Codes {
		h.ints(code...)
	}
	if raw != nil {
		h.ints(raw.Dyes, raw.Channels).float64s(raw.Data)
	} else {
		h.ints()
	}
	return "basic:" + cfg.Basic.Fingerprint() + " call_spots:" + cfg.CallSpots.Fingerprint() + " inputs:" + h.sum()
}

// Hash of the calibration outputs gene calling depends on
func calibrationHash(cal *calib.Result) string {
	return newContentHash().ints(cal.Genes, cal.Tiles, cal.Rounds, cal.Channels).
		float64s(cal.BledCodes).float64s(cal.ColourNormFactor).sum()
}

// Fingerprint of everything the mean spot depends on
func ompFingerprint(cfg *config.Config, cal *calib.Result, templateTile int) string {
	return fmt.Sprintf("omp:%s calibration:%s template_tile:%d", cfg.OMP.Fingerprint(), calibrationHash(cal), templateTile)
}

// Fingerprint of everything tile results depend on: the mean spot fingerprint and the mean spot in use,
// whether estimated, stored or loaded from file
func tileFingerprint(meanSpotFingerprint string, meanSpot *spot.Volume) string {
	shape := meanSpot.Shape()
	return meanSpotFingerprint + " mean_spot:" + newContentHash().ints(shape[:]...).float32s(meanSpot.Data).sum()
}
