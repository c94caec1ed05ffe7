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

package spot

import "math"

// Flags which peaks are isolated, i.e. have no other peak within the ellipsoid of the given radii.
// A non-positive distZ ignores z offsets, so peaks on any plane at close xy distance count.
func Isolated(peaks []Peak, distYX, distZ float32) []bool {
	res := make([]bool, len(peaks))
	if len(peaks) == 0 {
		return res
	}

	// To avoid quadratic search effort, we bin the peaks into a 2D grid in yx
	binSize := int(math.Ceil(float64(distYX)))
	if binSize < 1 {
		binSize = 1
	}
	maxY, maxX := 0, 0
	for _, p := range peaks {
		if p.Y > maxY {
			maxY = p.Y
		}
		if p.X > maxX {
			maxX = p.X
		}
	}
	yBins, xBins := maxY/binSize+1, maxX/binSize+1
	bins := make([][]int32, yBins*xBins)
	for i, p := range peaks {
		cell := (p.Y/binSize)*xBins + p.X/binSize
		bins[cell] = append(bins[cell], int32(i))
	}

	distYXSq := distYX * distYX
	distZSq := distZ * distZ
forAllPeaks:
	for i, p := range peaks {
		yCell, xCell := p.Y/binSize, p.X/binSize
		for dy := -1; dy <= 1; dy++ {
			if yCell+dy < 0 || yCell+dy >= yBins {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				if xCell+dx < 0 || xCell+dx >= xBins {
					continue
				}
				for _, j := range bins[(yCell+dy)*xBins+xCell+dx] {
					if int(j) == i {
						continue
					}
					q := peaks[j]
					yd, xd, zd := float32(p.Y-q.Y), float32(p.X-q.X), float32(p.Z-q.Z)
					dist := float32(0)
					if distYXSq > 0 {
						dist += (yd*yd + xd*xd) / distYXSq
					} else if yd != 0 || xd != 0 {
						continue
					}
					if distZSq > 0 {
						dist += zd * zd / distZSq
					}
					if dist <= 1 {
						continue forAllPeaks
					}
				}
			}
		}
		res[i] = true
	}
	return res
}
