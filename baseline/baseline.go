// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// Package baseline estimates the slowly varying background of an
// intensity curve by asymmetric least squares (ALS) smoothing, after
// Eilers & Boelens. Peaks above the running estimate are down-weighted
// so the fit hugs the lower envelope of the signal.
package baseline

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// DefaultIterations is the number of reweighting rounds used by the
// integration pipeline.
const DefaultIterations = 10

// SingularError reports that the penalized system could not be
// factorized. The affected curve keeps no usable baseline and the
// caller must not treat it as missing data.
type SingularError struct {
	Iteration int
}

func (e *SingularError) Error() string {
	return fmt.Sprintf("baseline: singular system in iteration %d", e.Iteration)
}

// Estimate fits a baseline to y by iteratively reweighted sparse least
// squares. lam scales the second-order curvature penalty, p in (0,1) is
// the asymmetry: samples above the current estimate get weight p,
// samples on or below it 1-p. Exactly iterations rounds are run; there
// is no convergence check, so identical inputs give identical output.
// y must have at least 3 samples and contain only finite values.
func Estimate(y []float64, lam, p float64, iterations int) ([]float64, error) {
	n := len(y)
	if n < 3 {
		return nil, fmt.Errorf("baseline: need at least 3 samples, got %d", n)
	}

	penalty := curvaturePenalty(n, lam)

	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}

	a := mat.NewSymBandDense(n, 2, nil)
	rhs := mat.NewVecDense(n, nil)
	z := mat.NewVecDense(n, nil)
	var chol mat.BandCholesky

	for iter := 0; iter < iterations; iter++ {
		for i := 0; i < n; i++ {
			a.SetSymBand(i, i, w[i]+penalty[i][0])
			if i+1 < n {
				a.SetSymBand(i, i+1, penalty[i][1])
			}
			if i+2 < n {
				a.SetSymBand(i, i+2, penalty[i][2])
			}
			rhs.SetVec(i, w[i]*y[i])
		}

		if ok := chol.Factorize(a); !ok {
			return nil, &SingularError{Iteration: iter}
		}
		if err := chol.SolveVecTo(z, rhs); err != nil {
			return nil, &SingularError{Iteration: iter}
		}

		for i := 0; i < n; i++ {
			if y[i] > z.AtVec(i) {
				w[i] = p
			} else {
				w[i] = 1 - p
			}
		}
	}

	out := make([]float64, n)
	copy(out, z.RawVector().Data)
	return out, nil
}

// curvaturePenalty returns the upper band of lam*D*Dᵀ, where D is the
// n x (n-2) second-order difference operator with coefficients
// (1, -2, 1). Row i holds the diagonal and the two superdiagonal
// entries of the symmetric pentadiagonal penalty.
func curvaturePenalty(n int, lam float64) [][3]float64 {
	c := [3]float64{1, -2, 1}
	band := make([][3]float64, n)
	for i := 0; i < n; i++ {
		for k := i; k <= i+2 && k < n; k++ {
			var s float64
			for j := k - 2; j <= i; j++ {
				if j < 0 || j > n-3 {
					continue
				}
				s += c[i-j] * c[k-j]
			}
			band[i][k-i] = lam * s
		}
	}
	return band
}
