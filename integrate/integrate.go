// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// Package integrate drives per-frame azimuthal integration of a
// measurement: it walks the runs of the measurement's SPEC file,
// decodes each Eiger frame, hands it to the azimuthal-integration
// collaborator and assembles the baseline-corrected curves into one
// pattern matrix per run.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hampusnasstrom/myspot-analysis/baseline"
	"github.com/hampusnasstrom/myspot-analysis/specfile"
)

// Measurement layout and integration constants. The frame path
// convention must never change: it is what the archive uses.
const (
	DefaultPoints    = 3000
	DefaultUnit      = "q_nm^-1"
	DefaultLambda    = 1e6
	DefaultAsymmetry = 0.01
	DefaultFrameExt  = ".h5"

	// FilenameColumn marks a run as an image run; IndexColumn gives
	// the first frame number of each row.
	FilenameColumn = "eiger_data_filename"
	IndexColumn    = "first_image_Nr"

	frameDir      = "eiger"
	flatfieldClip = 1000
	pixelOverflow = 1e5
)

// Geometry is the detector geometry calibration for one measurement.
// The payload is opaque here; only the integrator collaborator
// understands it.
type Geometry struct {
	Path string
	Raw  []byte
}

// LoadGeometry reads the .poni calibration descriptor.
func LoadGeometry(path string) (Geometry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{Path: path, Raw: raw}, nil
}

// Request carries the per-frame integration parameters.
type Request struct {
	Points          int
	Unit            string
	Mask, Flatfield *Image
}

// Integrator is the azimuthal-integration collaborator: it converts
// one detector image into a (q, intensity) curve using the geometry it
// was opened with. Implementations are not assumed thread-safe; see
// Config.ConcurrentIntegrator.
type Integrator interface {
	Integrate(img *Image, req Request) (q, intensity []float64, err error)
}

// Observer receives progress events. Frame completion is reported as a
// count of finished frames, so progress is monotonic per run no matter
// in which order workers finish. All methods may be called from
// multiple goroutines.
type Observer interface {
	RunStart(run, images int)
	FrameDone(run, done, total int, status RowStatus)
	RunDone(run int, m *PatternMatrix)
}

// BaselinePolicy decides when the ALS baseline is subtracted from an
// integrated curve.
type BaselinePolicy int

const (
	// BaselineAuto subtracts only when no flatfield is loaded. A
	// flatfield-corrected curve keeps its background; this pairing is
	// deliberate and must be preserved.
	BaselineAuto BaselinePolicy = iota
	// BaselineAlways subtracts regardless of the flatfield.
	BaselineAlways
	// BaselineNever skips subtraction entirely.
	BaselineNever
)

// Config configures one measurement integration. Zero values fall back
// to the defaults above; only Root, Measurement and OpenIntegrator are
// required.
type Config struct {
	Root        string
	Measurement string

	// Decoder decodes detector frame containers. Defaults to the
	// in-repo TIFF decoder; the Eiger HDF5 decoder plugs in here.
	Decoder Decoder
	// CorrectionDecoder decodes the optional mask and flatfield
	// images. Defaults to the TIFF decoder; point it at an external
	// decoder when the corrections live in a format like EDF.
	CorrectionDecoder Decoder
	// OpenIntegrator binds the integration collaborator to the
	// measurement's geometry.
	OpenIntegrator func(Geometry) (Integrator, error)

	Mode      specfile.Mode
	Baseline  BaselinePolicy
	Lambda    float64
	Asymmetry float64
	Points    int
	Unit      string
	FrameExt  string

	// Workers bounds frame-level parallelism within a run. 0 or 1
	// keeps the historical sequential behavior.
	Workers int
	// ConcurrentIntegrator declares the collaborator thread-safe.
	// When false, calls into it are serialized.
	ConcurrentIntegrator bool
	// FrameTimeout bounds one decode+integrate; 0 disables. Frames
	// live on network storage, so a stuck read should fail the frame,
	// not the run.
	FrameTimeout time.Duration
	// KeepNonFinite passes non-finite intensities into the baseline
	// fit unchanged. By default they are zeroed first, since the
	// solver is undefined for them.
	KeepNonFinite bool

	Observer Observer
}

func (cfg *Config) setDefaults() {
	if cfg.Decoder == nil {
		cfg.Decoder = TIFFDecoder{}
	}
	if cfg.CorrectionDecoder == nil {
		cfg.CorrectionDecoder = TIFFDecoder{}
	}
	if cfg.Lambda == 0 {
		cfg.Lambda = DefaultLambda
	}
	if cfg.Asymmetry == 0 {
		cfg.Asymmetry = DefaultAsymmetry
	}
	if cfg.Points == 0 {
		cfg.Points = DefaultPoints
	}
	if cfg.Unit == "" {
		cfg.Unit = DefaultUnit
	}
	if cfg.FrameExt == "" {
		cfg.FrameExt = DefaultFrameExt
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
}

type noopObserver struct{}

func (noopObserver) RunStart(int, int)                  {}
func (noopObserver) FrameDone(int, int, int, RowStatus) {}
func (noopObserver) RunDone(int, *PatternMatrix)        {}

// Result is everything one measurement integration produced.
// Patterns is index-aligned with Scans; runs without an image column
// have a nil pattern.
type Result struct {
	File        *specfile.FileInfo
	Scans       []*specfile.ScanRecord
	Patterns    []*PatternMatrix
	FrameErrors []*FrameError
}

// Run integrates every image run of the measurement under
// cfg.Root/cfg.Measurement. Per-frame failures never abort a run; they
// are classified, logged and collected in the result.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg.setDefaults()
	if cfg.OpenIntegrator == nil {
		return nil, errors.New("integrate: no integrator configured")
	}
	measDir := filepath.Join(cfg.Root, cfg.Measurement)

	geom, err := LoadGeometry(filepath.Join(measDir, cfg.Measurement+".poni"))
	if err != nil {
		return nil, fmt.Errorf("integrate: loading geometry: %w", err)
	}
	ai, err := cfg.OpenIntegrator(geom)
	if err != nil {
		return nil, fmt.Errorf("integrate: opening integrator: %w", err)
	}
	if !cfg.ConcurrentIntegrator {
		ai = &lockedIntegrator{next: ai}
	}

	mask := loadCorrection(cfg.CorrectionDecoder, filepath.Join(measDir, cfg.Measurement+"_mask"))
	if mask == nil {
		log.Printf("integrate: no mask for %s, integrating without one", cfg.Measurement)
	}
	flat := loadCorrection(cfg.CorrectionDecoder, filepath.Join(measDir, cfg.Measurement+"_flatfield"))
	if flat == nil {
		log.Printf("integrate: no flatfield for %s, integrating without one", cfg.Measurement)
	} else {
		flat.ClampAbove(flatfieldClip, 1)
	}

	parser := specfile.Parser{Mode: cfg.Mode}
	info, scans, err := parser.ParseFile(filepath.Join(measDir, cfg.Measurement+".spec"))
	if err != nil {
		return nil, fmt.Errorf("integrate: reading spec file: %w", err)
	}

	res := &Result{File: info, Scans: scans, Patterns: make([]*PatternMatrix, len(scans))}
	for i, scan := range scans {
		if !scan.HasColumn(FilenameColumn) {
			continue
		}
		if !scan.HasColumn(IndexColumn) {
			log.Printf("integrate: run %d has %s but no %s column, skipping images",
				i, FilenameColumn, IndexColumn)
			continue
		}
		m, frameErrs := integrateRun(ctx, &cfg, ai, measDir, mask, flat, i, scan)
		res.Patterns[i] = m
		res.FrameErrors = append(res.FrameErrors, frameErrs...)
		cfg.Observer.RunDone(i, m)
	}
	return res, nil
}

// lockedIntegrator serializes calls into a collaborator that is not
// known to be thread-safe.
type lockedIntegrator struct {
	mu   sync.Mutex
	next Integrator
}

func (l *lockedIntegrator) Integrate(img *Image, req Request) ([]float64, []float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next.Integrate(img, req)
}

// loadCorrection probes for an optional correction image next to the
// measurement. Absence is silent; a present but undecodable file is
// logged and skipped rather than failing the measurement.
func loadCorrection(dec Decoder, base string) *Image {
	for _, ext := range []string{".tiff", ".tif", ".png", ".edf"} {
		img, err := dec.Decode(base + ext)
		if err == nil {
			return img
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		log.Printf("integrate: correction %s%s unreadable, ignoring: %v", base, ext, err)
	}
	return nil
}

type frameResult struct {
	q, curve []float64
	status   RowStatus
	err      *FrameError
}

func integrateRun(ctx context.Context, cfg *Config, ai Integrator, measDir string,
	mask, flat *Image, runIdx int, scan *specfile.ScanRecord) (*PatternMatrix, []*FrameError) {

	names, _ := scan.Column(FilenameColumn)
	indices, _ := scan.Column(IndexColumn)
	total := len(scan.Rows)
	cfg.Observer.RunStart(runIdx, total)

	results := make([]frameResult, total)
	var done int64

	rows := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rows {
				results[i] = integrateFrame(ctx, cfg, ai, measDir, mask, flat,
					runIdx, i, names[i], indices[i])
				n := int(atomic.AddInt64(&done, 1))
				cfg.Observer.FrameDone(runIdx, n, total, results[i].status)
			}
		}()
	}
	for i := 0; i < total; i++ {
		rows <- i
	}
	close(rows)
	wg.Wait()

	// Commit the q-axis from the first successful frame in row order,
	// then hold every other frame to it.
	m := &PatternMatrix{Rows: make([][]float64, total), Status: make([]RowStatus, total)}
	var frameErrs []*FrameError
	for i := range results {
		if results[i].status == RowOK && m.Q == nil {
			m.Q = results[i].q
		}
	}
	for i, r := range results {
		m.Status[i] = r.status
		if r.err != nil {
			log.Print(r.err)
			frameErrs = append(frameErrs, r.err)
		}
		if r.status != RowOK {
			continue
		}
		if !equalAxes(m.Q, r.q) {
			ferr := &FrameError{Run: runIdx, Image: i, Kind: KindAxisMismatch,
				Err: fmt.Errorf("%d points against %d committed", len(r.q), len(m.Q))}
			log.Print(ferr)
			frameErrs = append(frameErrs, ferr)
			m.Status[i] = RowFailed
			continue
		}
		m.Rows[i] = r.curve
	}
	return m, frameErrs
}

func equalAxes(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FramePath resolves one frame container in the measurement archive.
// The convention is fixed: <dir>/eiger/<name>_data_<%06d index><ext>.
func FramePath(measDir, name string, index int, ext string) string {
	return filepath.Join(measDir, frameDir, fmt.Sprintf("%s_data_%06d%s", name, index, ext))
}

func integrateFrame(ctx context.Context, cfg *Config, ai Integrator, measDir string,
	mask, flat *Image, runIdx, rowIdx int, name, indexTok string) frameResult {

	index, err := parseFrameIndex(indexTok)
	if err != nil {
		return failed(runIdx, rowIdx, KindBadRecord, err)
	}
	path := FramePath(measDir, name, index, cfg.FrameExt)

	q, curve, ferr := decodeAndIntegrate(ctx, cfg, ai, path, mask, flat, runIdx, rowIdx)
	if ferr != nil {
		if ferr.Kind == KindMissing {
			return frameResult{status: RowMissing, err: ferr}
		}
		return frameResult{status: RowFailed, err: ferr}
	}

	subtract := cfg.Baseline == BaselineAlways ||
		(cfg.Baseline == BaselineAuto && flat == nil)
	if subtract {
		y := curve
		if !cfg.KeepNonFinite {
			y = zeroNonFinite(curve)
		}
		bgr, err := baseline.Estimate(y, cfg.Lambda, cfg.Asymmetry, baseline.DefaultIterations)
		if err != nil {
			return failed(runIdx, rowIdx, KindBaseline, err)
		}
		for i := range curve {
			curve[i] = y[i] - bgr[i]
		}
	}
	return frameResult{q: q, curve: curve, status: RowOK}
}

func failed(run, image int, kind ErrorKind, err error) frameResult {
	return frameResult{
		status: RowFailed,
		err:    &FrameError{Run: run, Image: image, Kind: kind, Err: err},
	}
}

// decodeAndIntegrate runs the two collaborator calls under the frame
// deadline. The work keeps running in its goroutine after a timeout;
// its result is dropped.
func decodeAndIntegrate(ctx context.Context, cfg *Config, ai Integrator, path string,
	mask, flat *Image, runIdx, rowIdx int) (q, curve []float64, ferr *FrameError) {

	if cfg.FrameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.FrameTimeout)
		defer cancel()
	}

	type outcome struct {
		q, curve []float64
		ferr     *FrameError
	}
	ch := make(chan outcome, 1)
	go func() {
		img, err := cfg.Decoder.Decode(path)
		if err != nil {
			kind := KindDecode
			if errors.Is(err, fs.ErrNotExist) {
				kind = KindMissing
			}
			ch <- outcome{ferr: &FrameError{Run: runIdx, Image: rowIdx, Kind: kind, Err: err}}
			return
		}
		img.ClampAbove(pixelOverflow, 0)

		q, curve, err := ai.Integrate(img, Request{
			Points:    cfg.Points,
			Unit:      cfg.Unit,
			Mask:      mask,
			Flatfield: flat,
		})
		if err != nil {
			ch <- outcome{ferr: &FrameError{Run: runIdx, Image: rowIdx, Kind: KindIntegrate, Err: err}}
			return
		}
		ch <- outcome{q: q, curve: curve}
	}()

	select {
	case out := <-ch:
		return out.q, out.curve, out.ferr
	case <-ctx.Done():
		return nil, nil, &FrameError{Run: runIdx, Image: rowIdx, Kind: KindTimeout, Err: ctx.Err()}
	}
}

func parseFrameIndex(tok string) (int, error) {
	if n, err := strconv.Atoi(tok); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("integrate: bad frame index %q", tok)
	}
	return int(f), nil
}

func zeroNonFinite(y []float64) []float64 {
	clean := make([]float64, len(y))
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean[i] = v
	}
	return clean
}
