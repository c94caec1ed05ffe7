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
	"math"
	"sort"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/floats"
)

// Upper bound on the channel vectors clustered for the initial bleed matrix
const maxKMeansSamples = 20000

// Clustering starts from random centres, so the best of several runs is kept
const kmeansRestarts = 16

// Upper bound on the assignment passes when refining a partition to convergence
const maxRefinePasses = 100

// Derives a raw bleed matrix from spot colours when none is given. Every round of every spot with positive total
// intensity contributes its unit-normalised channel vector; these are clustered into one cluster per dye.
// Cluster centres become the rows, ordered by the channel of their peak response
func InitialBleedMatrix(sc *SpotColours, nDyes int) (*BleedMatrix, error) {
	total := sc.N * sc.Rounds
	step := 1
	if total > maxKMeansSamples {
		step = int(math.Ceil(float64(total) / maxKMeansSamples))
	}

	dataset := make(clusters.Observations, 0, total/step+1)
	for k := 0; k < total; k += step {
		v := sc.Round(k/sc.Rounds, k%sc.Rounds)
		if floats.Sum(v) <= 0 {
			continue
		}
		norm := floats.Norm(v, 2)
		coords := make(clusters.Coordinates, len(v))
		for c, x := range v {
			coords[c] = x / norm
		}
		dataset = append(dataset, coords)
	}
	if len(dataset) < nDyes {
		return nil, errors.New(fmt.Sprintf("only %d positive spot round colours, cannot cluster into %d dyes", len(dataset), nDyes))
	}

	km := kmeans.New()
	var cc clusters.Clusters
	bestSSE := math.Inf(1)
	for run := 0; run < kmeansRestarts; run++ {
		candidate, err := km.Partition(dataset, nDyes)
		if err != nil {
			return nil, fmt.Errorf("clustering spot colours: %w", err)
		}
		if len(candidate) != nDyes {
			continue
		}
		refineClusters(candidate, dataset)
		sse := sumSquaredErrors(candidate)
		if sse < bestSSE {
			cc, bestSSE = candidate, sse
		}
	}
	if cc == nil {
		return nil, errors.New(fmt.Sprintf("clustering did not return %d clusters", nDyes))
	}

	rows := make([][]float64, 0, nDyes)
	for _, c := range cc {
		if len(c.Observations) == 0 {
			return nil, errors.New("clustering returned an empty cluster, supply an initial bleed matrix")
		}
		rows = append(rows, []float64(c.Center))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		mi, mj := floats.MaxIdx(rows[i]), floats.MaxIdx(rows[j])
		if mi != mj {
			return mi < mj
		}
		return rows[i][mi] > rows[j][mj]
	})

	data := make([]float64, 0, nDyes*sc.Channels)
	for _, row := range rows {
		data = append(data, row...)
	}
	b, err := NewBleedMatrix(nDyes, sc.Channels, data)
	if err != nil {
		return nil, err
	}
	return b, b.NormaliseRows()
}

// Reassigns observations to their nearest centre and recenters until no assignment changes, then orders the
// clusters by their centres. Partition stops once few points move and starts from random centres, so partitions
// of different runs only become bitwise identical after this
func refineClusters(cc clusters.Clusters, dataset clusters.Observations) {
	sortClusters(cc)
	assigned := make([]int, len(dataset))
	for i := range assigned {
		assigned[i] = -1
	}
	for pass := 0; pass < maxRefinePasses; pass++ {
		cc.Reset()
		changes := 0
		for i, o := range dataset {
			ci := cc.Nearest(o)
			cc[ci].Append(o)
			if assigned[i] != ci {
				assigned[i] = ci
				changes++
			}
		}
		cc.Recenter()
		if changes == 0 {
			break
		}
	}
	sortClusters(cc)
}

// Orders clusters lexicographically by their centres
func sortClusters(cc clusters.Clusters) {
	sort.SliceStable(cc, func(i, j int) bool {
		a, b := cc[i].Center, cc[j].Center
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

// Sum of squared distances of all observations to their cluster centre
func sumSquaredErrors(cc clusters.Clusters) float64 {
	sse := 0.0
	for _, c := range cc {
		for _, o := range c.Observations {
			sse += o.Distance(c.Center)
		}
	}
	return sse
}
