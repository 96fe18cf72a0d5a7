// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// Package output writes the per-run artifacts of an integrated
// measurement: metadata tables, pattern matrices and heatmaps, plus a
// job summary.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hampusnasstrom/myspot-analysis/integrate"
	"github.com/hampusnasstrom/myspot-analysis/plot"
	"github.com/hampusnasstrom/myspot-analysis/specfile"

	"github.com/google/uuid"
)

const dirName = "integrated_data"

// Writer owns one measurement's output directory.
type Writer struct {
	Dir         string
	Measurement string
	JobID       string
	// LogScale switches heatmap color mapping to log10.
	LogScale bool
}

// Create makes the output directory for a measurement. An existing
// directory is refused outright; results are never merged into old
// ones.
func Create(root, measurement string) (*Writer, error) {
	dir := filepath.Join(root, measurement, dirName)
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("output: folder %s already exists", dir)
		}
		return nil, err
	}
	return &Writer{Dir: dir, Measurement: measurement, JobID: uuid.New().String()}, nil
}

// WriteRun writes the metadata table, pattern matrix and heatmap of
// run idx. Runs without a pattern matrix, or whose matrix never got a
// q-axis, produce no files.
func (w *Writer) WriteRun(idx int, scan *specfile.ScanRecord, m *integrate.PatternMatrix) error {
	if m == nil {
		return nil
	}
	if m.Q == nil {
		log.Printf("output: run %d has no successfully integrated frame, skipping", idx)
		return nil
	}

	if err := w.writeMetadata(idx, scan); err != nil {
		return err
	}
	if err := w.writePatterns(idx, m); err != nil {
		return err
	}
	return w.writeHeatmap(idx, m)
}

func (w *Writer) runFile(idx int, suffix string) string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s_run%d_%s", w.Measurement, idx, suffix))
}

func (w *Writer) writeMetadata(idx int, scan *specfile.ScanRecord) error {
	f, err := os.Create(w.runFile(idx, "metadata.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(scan.Columns); err != nil {
		return err
	}
	for _, row := range scan.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (w *Writer) writePatterns(idx int, m *integrate.PatternMatrix) error {
	f, err := os.Create(w.runFile(idx, "patterns.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := make([]string, len(m.Q)+1)
	header[0] = "image"
	for i, q := range m.Q {
		header[i+1] = strconv.FormatFloat(q, 'g', -1, 64)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(m.Q)+1)
	for r, row := range m.Rows {
		record[0] = strconv.Itoa(r)
		for i := range m.Q {
			if row == nil {
				record[i+1] = ""
			} else {
				record[i+1] = strconv.FormatFloat(row[i], 'g', -1, 64)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (w *Writer) writeHeatmap(idx int, m *integrate.PatternMatrix) error {
	buf, err := plot.RenderHeatmap(m, fmt.Sprintf("%s run %d", w.Measurement, idx), w.LogScale)
	if err != nil {
		return err
	}
	return os.WriteFile(w.runFile(idx, "heatmap.png"), buf, 0644)
}

// RunSummary is the per-run part of the job summary.
type RunSummary struct {
	Run     int  `json:"run"`
	Images  bool `json:"images"`
	Rows    int  `json:"rows"`
	OK      int  `json:"ok"`
	Missing int  `json:"missing"`
	Failed  int  `json:"failed"`
}

// Summary describes one whole integration job.
type Summary struct {
	JobID       string       `json:"job_id"`
	Measurement string       `json:"measurement"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
	Runs        []RunSummary `json:"runs"`
	Errors      []string     `json:"errors,omitempty"`
}

// WriteSummary writes summary.json for the finished job.
func (w *Writer) WriteSummary(res *integrate.Result, started time.Time) error {
	s := Summary{
		JobID:       w.JobID,
		Measurement: w.Measurement,
		Started:     started,
		Finished:    time.Now(),
	}
	for i, scan := range res.Scans {
		rs := RunSummary{Run: i, Rows: len(scan.Rows)}
		if m := res.Patterns[i]; m != nil {
			rs.Images = true
			rs.OK, rs.Missing, rs.Failed = m.Counts()
		}
		s.Runs = append(s.Runs, rs)
	}
	for _, fe := range res.FrameErrors {
		s.Errors = append(s.Errors, fe.Error())
	}

	buf, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.Dir, "summary.json"), buf, 0644)
}

// WriteAll writes every run of a result and the summary.
func (w *Writer) WriteAll(res *integrate.Result, started time.Time) error {
	for i, scan := range res.Scans {
		if err := w.WriteRun(i, scan, res.Patterns[i]); err != nil {
			return err
		}
	}
	return w.WriteSummary(res, started)
}
