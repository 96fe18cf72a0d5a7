// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package plot

import (
	"bytes"
	"fmt"
	"image/png"
	"math"

	"github.com/hampusnasstrom/myspot-analysis/integrate"

	"go-hep.org/x/hep/hplot"
	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PatternMap draws a pattern matrix as a pseudocolor mesh: one cell
// per (q point, image), cell boundaries derived with ExtendMesh.
// Missing and failed rows are left unpainted.
type PatternMap struct {
	Matrix  *integrate.PatternMatrix
	Palette palette.Palette
	// Norm remaps intensities before color lookup; nil is linear.
	Norm *FuncScale

	qEdges, rowEdges []float64
	min, max         float64
}

// NewPatternMap prepares a pattern matrix for drawing.
func NewPatternMap(m *integrate.PatternMatrix, pal palette.Palette) (*PatternMap, error) {
	if m == nil || len(m.Q) < 2 {
		return nil, fmt.Errorf("plot: pattern matrix has no usable q-axis")
	}
	qEdges, err := ExtendMesh(m.Q)
	if err != nil {
		return nil, err
	}

	n := len(m.Rows)
	var rowEdges []float64
	if n >= 2 {
		centers := make([]float64, n)
		for i := range centers {
			centers[i] = float64(i)
		}
		rowEdges, err = ExtendMesh(centers)
		if err != nil {
			return nil, err
		}
	} else {
		rowEdges = []float64{-0.5, 0.5}
	}

	pm := &PatternMap{Matrix: m, Palette: pal, qEdges: qEdges, rowEdges: rowEdges}
	first := true
	for _, row := range m.Rows {
		for _, v := range row {
			if first || v < pm.min {
				pm.min = v
			}
			if first || v > pm.max {
				pm.max = v
			}
			first = false
		}
	}
	if first {
		pm.min, pm.max = 0, 1
	}
	return pm, nil
}

// Plot implements gonum plot's Plotter.
func (pm *PatternMap) Plot(c draw.Canvas, plt *gplot.Plot) {
	trX, trY := plt.Transforms(&c)
	colors := pm.Palette.Colors()
	for r, row := range pm.Matrix.Rows {
		if row == nil {
			continue
		}
		y0 := trY(pm.rowEdges[r])
		y1 := trY(pm.rowEdges[r+1])
		for i, v := range row {
			x0 := trX(pm.qEdges[i])
			x1 := trX(pm.qEdges[i+1])
			col := colors[pm.colorIndex(v, len(colors))]
			c.FillPolygon(col, []vg.Point{
				{X: x0, Y: y0},
				{X: x1, Y: y0},
				{X: x1, Y: y1},
				{X: x0, Y: y1},
			})
		}
	}
}

func (pm *PatternMap) colorIndex(v float64, n int) int {
	var t float64
	switch {
	case pm.max == pm.min:
		t = 0.5
	case pm.Norm != nil:
		t = pm.Norm.Normalize(pm.min, pm.max, v)
	default:
		t = (v - pm.min) / (pm.max - pm.min)
	}
	if math.IsNaN(t) {
		t = 0.5
	}
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return int(t * float64(n-1))
}

// DataRange implements gonum plot's DataRanger.
func (pm *PatternMap) DataRange() (xmin, xmax, ymin, ymax float64) {
	return pm.qEdges[0], pm.qEdges[len(pm.qEdges)-1],
		pm.rowEdges[0], pm.rowEdges[len(pm.rowEdges)-1]
}

// RenderHeatmap renders a run's pattern matrix to a PNG. logScale
// switches the color mapping to log10 intensity.
func RenderHeatmap(m *integrate.PatternMatrix, title string, logScale bool) ([]byte, error) {
	colorMap := moreland.Kindlmann()
	colorMap.SetMin(0)
	colorMap.SetMax(1)
	pm, err := NewPatternMap(m, colorMap.Palette(255))
	if err != nil {
		return nil, err
	}
	if logScale {
		pm.Norm = &FuncScale{Func: Log10Min3}
	}

	p := hplot.New()
	p.Title.Text = title
	p.X.Label.Text = "q / nm^-1"
	p.Y.Label.Text = "image"
	p.Add(pm)

	img := vgimg.New(6*vg.Inch, 4*vg.Inch)
	dc := draw.New(img)
	p.Draw(dc)

	buf := &bytes.Buffer{}
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
