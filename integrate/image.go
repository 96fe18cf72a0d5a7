// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package integrate

import (
	"fmt"
	"image"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"
)

// Image is a 2-D detector image or per-pixel correction map,
// row-major float64.
type Image struct {
	Width, Height int
	Pix           []float64
}

// NewImage returns a zeroed w x h image.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Pix: make([]float64, w*h)}
}

func (im *Image) At(x, y int) float64     { return im.Pix[y*im.Width+x] }
func (im *Image) Set(x, y int, v float64) { im.Pix[y*im.Width+x] = v }

// ClampAbove replaces every pixel above limit with repl. The
// integration pipeline uses it both for the detector overflow guard
// (1e5 -> 0) and the flatfield artifact clip (1000 -> 1).
func (im *Image) ClampAbove(limit, repl float64) {
	for i, v := range im.Pix {
		if v > limit {
			im.Pix[i] = repl
		}
	}
}

// Decoder turns one detector frame container into pixel data. The
// Eiger HDF5 decoder is an external collaborator behind this
// interface; a missing file must surface as fs.ErrNotExist in the
// error chain so the pipeline can tell absence from corruption.
type Decoder interface {
	Decode(path string) (*Image, error)
}

// TIFFDecoder decodes TIFF (and PNG) frame containers, the formats
// archived frames are converted to.
type TIFFDecoder struct{}

func (TIFFDecoder) Decode(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("integrate: decoding %s: %w", path, err)
	}
	return fromImage(src), nil
}

func fromImage(src image.Image) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	switch src := src.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				r, _, _, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Set(x, y, float64(r))
			}
		}
	}
	return out
}
