// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package integrate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testSpec = `#F test.spec
#E 1617888075
#D Thu Apr 08 15:21:15 2021
#O0 samx samy

#S 1 loopscan 3 1
#L time monitor eiger_data_filename first_image_Nr
0.0 900 frame_000001 1
1.0 910 frame_000001 2
2.0 905 frame_000001 3

#S 2 ascan samx 0 1 2 1
#L samx monitor
0.0 900
0.5 910
1.0 905
`

// fakeDecoder serves canned frames; paths not present report as
// absent files, paths marked corrupt fail like a truncated container.
type fakeDecoder struct {
	mu      sync.Mutex
	frames  map[string]*Image
	corrupt map[string]bool
	delay   time.Duration
	calls   []string
}

func (d *fakeDecoder) Decode(path string) (*Image, error) {
	d.mu.Lock()
	d.calls = append(d.calls, path)
	img, ok := d.frames[filepath.Base(path)]
	bad := d.corrupt[filepath.Base(path)]
	d.mu.Unlock()
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if bad {
		return nil, errors.New("truncated container")
	}
	if !ok {
		return nil, fs.ErrNotExist
	}
	out := NewImage(img.Width, img.Height)
	copy(out.Pix, img.Pix)
	return out, nil
}

// fakeIntegrator records every request and returns a constant curve on
// a fixed q-axis.
type fakeIntegrator struct {
	mu       sync.Mutex
	requests []Request
	images   []*Image
	level    float64
	qPerCall func(call int) []float64
}

func (ai *fakeIntegrator) Integrate(img *Image, req Request) ([]float64, []float64, error) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.requests = append(ai.requests, req)
	ai.images = append(ai.images, img)

	q := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	if ai.qPerCall != nil {
		q = ai.qPerCall(len(ai.requests) - 1)
	}
	curve := make([]float64, len(q))
	for i := range curve {
		curve[i] = ai.level
	}
	return q, curve, nil
}

// newMeasurement lays out root/<name> with a poni file, the given spec
// text and an eiger directory, and returns the root.
func newMeasurement(t *testing.T, name, spec string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "eiger"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, name+".poni"), "poni_version: 2\n")
	writeFile(t, filepath.Join(dir, name+".spec"), spec)
	return root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// writeGrayPNG writes a 4x4 gray16 image with every pixel set to v.
func writeGrayPNG(t *testing.T, path string, v uint16) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetGray16(x, y, color.Gray16{Y: v})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func frame(v float64) *Image {
	img := NewImage(4, 4)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func testConfig(root string, dec Decoder, ai Integrator) Config {
	return Config{
		Root:        root,
		Measurement: "meas",
		Decoder:     dec,
		OpenIntegrator: func(g Geometry) (Integrator, error) {
			return ai, nil
		},
	}
}

func TestRunNonImageRunYieldsNilPattern(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	res, err := Run(context.Background(), testConfig(root, dec, ai))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(res.Patterns))
	}
	if res.Patterns[0] == nil {
		t.Error("image run should have a pattern matrix")
	}
	if res.Patterns[1] != nil {
		t.Error("non-image run must yield a nil pattern matrix")
	}
}

func TestRunMissingFrameDoesNotAbortRun(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		// frame 2 absent
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	res, err := Run(context.Background(), testConfig(root, dec, ai))
	if err != nil {
		t.Fatal(err)
	}
	m := res.Patterns[0]
	if m == nil {
		t.Fatal("no pattern matrix")
	}
	if got := []RowStatus{m.Status[0], m.Status[1], m.Status[2]}; got[0] != RowOK ||
		got[1] != RowMissing || got[2] != RowOK {
		t.Errorf("row status = %v", got)
	}
	if m.Rows[0] == nil || m.Rows[2] == nil {
		t.Error("surviving rows must still be integrated")
	}
	if m.Rows[1] != nil {
		t.Error("missing row must stay empty")
	}
	if len(res.FrameErrors) != 1 || res.FrameErrors[0].Kind != KindMissing {
		t.Errorf("frame errors = %v", res.FrameErrors)
	}
}

func TestRunFramePathConvention(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{frames: map[string]*Image{}}
	ai := &fakeIntegrator{}

	if _, err := Run(context.Background(), testConfig(root, dec, ai)); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "meas", "eiger", "frame_000001_data_000002.h5")
	found := false
	for _, call := range dec.calls {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Errorf("decoder calls %v missing %s", dec.calls, want)
	}
}

func TestRunBaselinePolicyFollowsFlatfield(t *testing.T) {
	// No flatfield: the constant curve has its own level as baseline,
	// so the corrected rows are ~0.
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 50}

	res, err := Run(context.Background(), testConfig(root, dec, ai))
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range res.Patterns[0].Rows[0] {
		if math.Abs(v) > 1e-6 {
			t.Fatalf("without flatfield the baseline must be subtracted, got %g", v)
		}
	}

	// With a flatfield present, baseline subtraction is skipped and
	// the curve keeps its level.
	root2 := newMeasurement(t, "meas", testSpec)
	writeGrayPNG(t, filepath.Join(root2, "meas", "meas_flatfield.png"), 1)
	ai2 := &fakeIntegrator{level: 50}
	res2, err := Run(context.Background(), testConfig(root2, dec, ai2))
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range res2.Patterns[0].Rows[0] {
		if v != 50 {
			t.Fatalf("with a flatfield the curve must be untouched, got %g", v)
		}
	}
	if len(ai2.requests) == 0 || ai2.requests[0].Flatfield == nil {
		t.Error("flatfield not passed to the integrator")
	}

	// BaselineNever keeps the curve even without a flatfield.
	ai3 := &fakeIntegrator{level: 50}
	cfg := testConfig(root, dec, ai3)
	cfg.Baseline = BaselineNever
	res3, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res3.Patterns[0].Rows[0][0] != 50 {
		t.Error("BaselineNever must skip subtraction")
	}
}

func TestRunBaselineAlwaysWithFlatfield(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	writeGrayPNG(t, filepath.Join(root, "meas", "meas_flatfield.png"), 1)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 50}

	cfg := testConfig(root, dec, ai)
	cfg.Baseline = BaselineAlways
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(ai.requests) == 0 || ai.requests[0].Flatfield == nil {
		t.Fatal("flatfield not passed to the integrator")
	}
	for _, v := range res.Patterns[0].Rows[0] {
		if math.Abs(v) > 1e-6 {
			t.Fatalf("BaselineAlways must subtract despite the flatfield, got %g", v)
		}
	}
}

func TestRunUnreadableCorrectionIsNotFatal(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	writeFile(t, filepath.Join(root, "meas", "meas_mask.edf"), "not an image")
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	res, err := Run(context.Background(), testConfig(root, dec, ai))
	if err != nil {
		t.Fatalf("undecodable mask must not abort the measurement: %v", err)
	}
	ok, _, _ := res.Patterns[0].Counts()
	if ok != 3 {
		t.Errorf("ok rows = %d, want 3", ok)
	}
	if len(ai.requests) == 0 || ai.requests[0].Mask != nil {
		t.Error("unreadable mask must be dropped, not passed on")
	}
}

func TestRunCorrectionDecoderReadsEDF(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	writeFile(t, filepath.Join(root, "meas", "meas_mask.edf"), "edf payload")
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	corr := &fakeDecoder{frames: map[string]*Image{
		"meas_mask.edf": frame(1),
	}}
	ai := &fakeIntegrator{level: 10}

	cfg := testConfig(root, dec, ai)
	cfg.CorrectionDecoder = corr
	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if len(ai.requests) == 0 || ai.requests[0].Mask == nil {
		t.Error("EDF mask from the correction decoder not passed to the integrator")
	}
}

const badIndexSpec = `#F test.spec
#E 1617888075
#D Thu Apr 08 15:21:15 2021

#S 1 loopscan 2 1
#L time monitor eiger_data_filename first_image_Nr
0.0 900 frame_000001 1
1.0 910 frame_000001 n/a
`

func TestRunBadFrameIndexIsClassified(t *testing.T) {
	root := newMeasurement(t, "meas", badIndexSpec)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	res, err := Run(context.Background(), testConfig(root, dec, ai))
	if err != nil {
		t.Fatal(err)
	}
	m := res.Patterns[0]
	if m.Status[0] != RowOK || m.Status[1] != RowFailed {
		t.Errorf("row status = %v/%v, want ok/failed", m.Status[0], m.Status[1])
	}
	if len(res.FrameErrors) != 1 || res.FrameErrors[0].Kind != KindBadRecord {
		t.Errorf("frame errors = %v, want one bad record", res.FrameErrors)
	}
}

func TestRunCorruptFrameIsDecodeError(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{
		frames: map[string]*Image{
			"frame_000001_data_000001.h5": frame(10),
			"frame_000001_data_000003.h5": frame(10),
		},
		corrupt: map[string]bool{"frame_000001_data_000002.h5": true},
	}
	ai := &fakeIntegrator{level: 10}

	res, err := Run(context.Background(), testConfig(root, dec, ai))
	if err != nil {
		t.Fatal(err)
	}
	m := res.Patterns[0]
	if m.Status[1] != RowFailed {
		t.Errorf("corrupt row status = %v, want failed", m.Status[1])
	}
	if len(res.FrameErrors) != 1 || res.FrameErrors[0].Kind != KindDecode {
		t.Errorf("frame errors = %v, want one decode error", res.FrameErrors)
	}
}

func TestRunFlatfieldClip(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	writeGrayPNG(t, filepath.Join(root, "meas", "meas_flatfield.png"), 2000)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	if _, err := Run(context.Background(), testConfig(root, dec, ai)); err != nil {
		t.Fatal(err)
	}
	flat := ai.requests[0].Flatfield
	if flat == nil {
		t.Fatal("no flatfield passed through")
	}
	for _, v := range flat.Pix {
		if v != 1 {
			t.Fatalf("flatfield value %g, want clip to 1", v)
		}
	}
}

func TestRunPixelOverflowClamp(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	hot := frame(10)
	hot.Set(2, 2, 2e5)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": hot,
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	if _, err := Run(context.Background(), testConfig(root, dec, ai)); err != nil {
		t.Fatal(err)
	}
	for _, img := range ai.images {
		for _, v := range img.Pix {
			if v > 1e5 {
				t.Fatalf("overflow pixel %g not clamped", v)
			}
		}
	}
}

func TestRunAxisMismatch(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10, qPerCall: func(call int) []float64 {
		if call == 1 {
			return []float64{9, 8, 7}
		}
		return []float64{0.1, 0.2, 0.3}
	}}

	cfg := testConfig(root, dec, ai)
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	ok, _, failed := res.Patterns[0].Counts()
	if ok != 2 || failed != 1 {
		t.Errorf("ok=%d failed=%d, want 2/1", ok, failed)
	}
	foundMismatch := false
	for _, fe := range res.FrameErrors {
		if fe.Kind == KindAxisMismatch {
			foundMismatch = true
		}
	}
	if !foundMismatch {
		t.Error("axis mismatch not classified")
	}
}

func TestRunFrameTimeout(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{
		frames: map[string]*Image{
			"frame_000001_data_000001.h5": frame(10),
			"frame_000001_data_000002.h5": frame(10),
			"frame_000001_data_000003.h5": frame(10),
		},
		delay: 200 * time.Millisecond,
	}
	ai := &fakeIntegrator{level: 10}

	cfg := testConfig(root, dec, ai)
	cfg.FrameTimeout = 10 * time.Millisecond
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FrameErrors) != 3 {
		t.Fatalf("frame errors = %d, want 3", len(res.FrameErrors))
	}
	for _, fe := range res.FrameErrors {
		if fe.Kind != KindTimeout {
			t.Errorf("kind = %v, want timeout", fe.Kind)
		}
	}
}

func TestRunMissingGeometryIsFatal(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "meas", "eiger"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "meas", "meas.spec"), testSpec)

	_, err := Run(context.Background(), testConfig(root, &fakeDecoder{}, &fakeIntegrator{}))
	if err == nil {
		t.Fatal("missing .poni must abort the measurement")
	}
}

// progressRecorder checks per-run monotonic completion counts.
type progressRecorder struct {
	mu    sync.Mutex
	last  map[int]int
	jumps bool
}

func (p *progressRecorder) RunStart(run, images int) {}
func (p *progressRecorder) FrameDone(run, done, total int, status RowStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		p.last = make(map[int]int)
	}
	if done <= p.last[run] {
		p.jumps = true
	}
	p.last[run] = done
}
func (p *progressRecorder) RunDone(run int, m *PatternMatrix) {}

func TestRunParallelWorkers(t *testing.T) {
	root := newMeasurement(t, "meas", testSpec)
	dec := &fakeDecoder{frames: map[string]*Image{
		"frame_000001_data_000001.h5": frame(10),
		"frame_000001_data_000002.h5": frame(10),
		"frame_000001_data_000003.h5": frame(10),
	}}
	ai := &fakeIntegrator{level: 10}

	rec := &progressRecorder{}
	cfg := testConfig(root, dec, ai)
	cfg.Workers = 4
	cfg.Observer = rec
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	ok, missing, failed := res.Patterns[0].Counts()
	if ok != 3 || missing != 0 || failed != 0 {
		t.Errorf("counts = %d/%d/%d", ok, missing, failed)
	}
	if rec.jumps {
		t.Error("progress counts must be strictly increasing per run")
	}
	if rec.last[0] != 3 {
		t.Errorf("final progress = %d, want 3", rec.last[0])
	}
}
