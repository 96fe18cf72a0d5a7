// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package integrate

// RowStatus records what happened to one image of a run.
type RowStatus int

const (
	// RowOK - the frame was decoded, integrated and corrected.
	RowOK RowStatus = iota
	// RowMissing - the frame file was absent from the archive.
	RowMissing
	// RowFailed - the frame failed with a classified error; see the
	// result's FrameErrors.
	RowFailed
)

// PatternMatrix holds the integrated intensity curves of one run.
// Rows follow the run's table order; every populated row shares the
// same q-axis Q. Missing or failed rows are nil.
type PatternMatrix struct {
	Q      []float64
	Rows   [][]float64
	Status []RowStatus
}

// Counts returns how many rows ended up in each state.
func (m *PatternMatrix) Counts() (ok, missing, failed int) {
	for _, s := range m.Status {
		switch s {
		case RowOK:
			ok++
		case RowMissing:
			missing++
		case RowFailed:
			failed++
		}
	}
	return ok, missing, failed
}
