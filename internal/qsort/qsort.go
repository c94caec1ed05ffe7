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

package qsort

import (
	"math"
	"sort"
)

// Sort an array of float32 in ascending order.
// Array must not contain IEEE NaN
func QSortFloat32(a []float32) {
	if len(a) > 1 {
		index := QPartitionFloat32(a)
		QSortFloat32(a[:index+1])
		QSortFloat32(a[index+1:])
	}
}

// Partitions an array of float32 with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN
func QPartitionFloat32(a []float32) int {
	left, right := 0, len(a)-1
	mid := (left + right) >> 1
	pivot := a[mid]
	l := left - 1
	r := right + 1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Select kth lowest element from an array of float32, with k starting at 1. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectFloat32(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		// partition
		mid := (left + right) >> 1
		pivot := a[mid]
		l, r := left-1, right+1
		for {
			for {
				l++
				if a[l] >= pivot {
					break
				}
			}
			for {
				r--
				if a[r] <= pivot {
					break
				}
			}
			if l >= r {
				break
			} // index in r
			a[l], a[r] = a[r], a[l]
		}
		index := r

		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k = k - offset
		}
	}
	return a[left]
}

// Select median of an array of float32. Averages the two middle elements for even lengths.
// Partially reorders the array. Array must not contain IEEE NaN
func QSelectMedianFloat32(a []float32) float32 {
	return QSelectPercentileFloat32(a, 50)
}

// Select the p-th percentile of an array of float32, with p in [0,100].
// Interpolates linearly between the closest ranks, i.e. rank p/100*(n-1).
// Partially reorders the array. Array must not contain IEEE NaN
func QSelectPercentileFloat32(a []float32, p float32) float32 {
	if len(a) == 0 {
		return float32(math.NaN())
	}
	if p <= 0 {
		p = 0
	} else if p >= 100 {
		p = 100
	}
	rank := float64(p) / 100 * float64(len(a)-1)
	lo := int(math.Floor(rank))
	frac := float32(rank - float64(lo))
	low := QSelectFloat32(a, lo+1)
	if frac == 0 || lo+1 >= len(a) {
		return low
	}
	// after selecting rank lo, everything right of it is >= low; the next rank is their minimum
	high := a[lo+1]
	for _, v := range a[lo+2:] {
		if v < high {
			high = v
		}
	}
	return low + frac*(high-low)
}

// Select the p-th percentile of a float64 slice without modifying it. Same interpolation as the float32 variant.
func PercentileFloat64(a []float64, p float64) float64 {
	if len(a) == 0 {
		return math.NaN()
	}
	tmp := make([]float64, len(a))
	copy(tmp, a)
	sort.Float64s(tmp)
	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(tmp)-1)
	lo := int(math.Floor(rank))
	if lo+1 >= len(tmp) {
		return tmp[lo]
	}
	frac := rank - float64(lo)
	return tmp[lo] + frac*(tmp[lo+1]-tmp[lo])
}
