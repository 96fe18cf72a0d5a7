// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// Package plot renders per-run pattern matrices as heatmaps and holds
// the small numeric helpers the displays need.
package plot

import "fmt"

// ExtendMesh converts cell-center coordinates to cell-edge
// coordinates: interior edges are midpoints of adjacent centers, the
// outer edges extrapolate by the neighboring interval's half-width.
// The result has one more element than centers.
func ExtendMesh(centers []float64) ([]float64, error) {
	if len(centers) < 2 {
		return nil, fmt.Errorf("plot: need at least 2 centers, got %d", len(centers))
	}
	n := len(centers)
	edges := make([]float64, n+1)
	edges[0] = centers[0] - (centers[1]-centers[0])/2
	for i := 1; i < n; i++ {
		edges[i] = (centers[i-1] + centers[i]) / 2
	}
	edges[n] = centers[n-1] + (centers[n-1]-centers[n-2])/2
	return edges, nil
}

// MakeSmoother returns an exponentially weighted moving average with
// smoothing factor alpha, seeded with init. The monitor uses it for
// its frame-rate display.
func MakeSmoother(alpha, init float64) func(float64) float64 {
	inv_alpha := 1.0 - alpha
	val := init
	return func(newVal float64) float64 {
		val = inv_alpha*val + alpha*newVal
		return val
	}
}
