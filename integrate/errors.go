// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package integrate

import "fmt"

// ErrorKind classifies a per-frame failure. Only Missing may be folded
// into the "no data" row state; every other kind points at equipment,
// calibration or numeric trouble and is kept distinct so systematic
// problems stay visible.
type ErrorKind int

const (
	// KindMissing - the frame file does not exist in the archive.
	KindMissing ErrorKind = iota
	// KindDecode - the frame file exists but could not be decoded.
	KindDecode
	// KindIntegrate - the azimuthal integrator rejected the frame.
	KindIntegrate
	// KindBaseline - the baseline system was singular for this curve.
	KindBaseline
	// KindAxisMismatch - the frame's q-axis differs from the run's
	// committed axis.
	KindAxisMismatch
	// KindTimeout - decode or integrate exceeded the frame deadline.
	KindTimeout
	// KindBadRecord - the scan table row could not be resolved to a
	// frame path.
	KindBadRecord
)

var kindNames = map[ErrorKind]string{
	KindMissing:      "missing",
	KindDecode:       "decode",
	KindIntegrate:    "integrate",
	KindBaseline:     "baseline",
	KindAxisMismatch: "axis mismatch",
	KindTimeout:      "timeout",
	KindBadRecord:    "bad record",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// FrameError is one classified per-frame failure. Run and Image are
// zero-based indices into the parsed scan list and the run's table.
type FrameError struct {
	Run   int
	Image int
	Kind  ErrorKind
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("run %d image %d: %s: %v", e.Run, e.Image, e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
