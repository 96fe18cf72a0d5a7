// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hampusnasstrom/myspot-analysis/integrate"
)

// The external decode and integration engines are separate processes
// speaking a raw little-endian image format: uint32 width, uint32
// height, then width*height float64 pixels in row-major order. An
// image with width 0 marks absence.

func writeRawImage(buf *bytes.Buffer, img *integrate.Image) {
	if img == nil {
		binary.Write(buf, binary.LittleEndian, uint32(0))
		binary.Write(buf, binary.LittleEndian, uint32(0))
		return
	}
	binary.Write(buf, binary.LittleEndian, uint32(img.Width))
	binary.Write(buf, binary.LittleEndian, uint32(img.Height))
	binary.Write(buf, binary.LittleEndian, img.Pix)
}

func readRawImage(r *bytes.Reader) (*integrate.Image, error) {
	var w, h uint32
	if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decoder returned an empty image")
	}
	img := integrate.NewImage(int(w), int(h))
	if err := binary.Read(r, binary.LittleEndian, img.Pix); err != nil {
		return nil, err
	}
	return img, nil
}

// execDecoder shells out to a converter command that reads one frame
// container and writes the raw image format to stdout. The Eiger HDF5
// frames are decoded this way.
type execDecoder struct {
	command string
}

func (d *execDecoder) Decode(path string) (*integrate.Image, error) {
	// The pipeline distinguishes absent frames from broken ones, so
	// check existence here instead of guessing from the exit code.
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	args := append(splitCommand(d.command), path)
	out, err := exec.Command(args[0], args[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("decoder %s: %w", args[0], err)
	}
	return readRawImage(bytes.NewReader(out))
}

// openExecIntegrator binds an integration command to the measurement
// geometry. Per frame the command is invoked as
//
//	cmd <poni-path> <points> <unit>
//
// with the frame, mask and flatfield in raw format on stdin, and must
// print two whitespace-separated lines: the q values and the
// intensities.
func openExecIntegrator(command string) func(integrate.Geometry) (integrate.Integrator, error) {
	return func(geom integrate.Geometry) (integrate.Integrator, error) {
		return &execIntegrator{command: command, geom: geom}, nil
	}
}

type execIntegrator struct {
	command string
	geom    integrate.Geometry
}

func (ai *execIntegrator) Integrate(img *integrate.Image, req integrate.Request) ([]float64, []float64, error) {
	stdin := &bytes.Buffer{}
	writeRawImage(stdin, img)
	writeRawImage(stdin, req.Mask)
	writeRawImage(stdin, req.Flatfield)

	args := append(splitCommand(ai.command),
		ai.geom.Path, strconv.Itoa(req.Points), req.Unit)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = stdin
	out, err := cmd.Output()
	if err != nil {
		return nil, nil, fmt.Errorf("integrator %s: %w", args[0], err)
	}
	return parseCurve(out)
}

// parseCurve reads the two-line (q, intensity) response.
func parseCurve(out []byte) ([]float64, []float64, error) {
	lines := nonEmptyLines(out)
	if len(lines) != 2 {
		return nil, nil, fmt.Errorf("integrator printed %d lines, want 2", len(lines))
	}
	q, err := parseFloats(lines[0])
	if err != nil {
		return nil, nil, err
	}
	intensity, err := parseFloats(lines[1])
	if err != nil {
		return nil, nil, err
	}
	if len(q) != len(intensity) || len(q) == 0 {
		return nil, nil, fmt.Errorf("integrator curve lengths %d and %d do not match",
			len(q), len(intensity))
	}
	return q, intensity, nil
}

func nonEmptyLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parseFloats(line string) ([]float64, error) {
	fields := strings.Fields(line)
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q in integrator output", f)
		}
		vals[i] = v
	}
	return vals, nil
}

func splitCommand(command string) []string {
	return strings.Fields(command)
}
