// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package plot

import "math"

// FuncScale normalizes values through an arbitrary monotonic function.
// It satisfies gonum plot's Normalizer and is also used directly for
// color normalization in PatternMap.
type FuncScale struct {
	Func func(float64) float64
}

func (s *FuncScale) Normalize(min, max, x float64) float64 {
	if s.Func == nil {
		panic("s.Func is nil")
	}
	fMin := s.Func(min)
	return (s.Func(x) - fMin) / (s.Func(max) - fMin)
}

// Log10Min3 is a log10 floored at 1e-3, so zero and negative
// intensities stay drawable on a log color scale.
func Log10Min3(x float64) float64 {
	if x <= 0.001 {
		return -3
	}
	return math.Log10(x)
}
