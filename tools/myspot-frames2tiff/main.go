// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// myspot-frames2tiff averages a range of detector frames of one run
// into a single TIFF, typically to produce a flatfield from a
// flatfield measurement.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hampusnasstrom/myspot-analysis/integrate"

	"golang.org/x/image/tiff"
)

var (
	outFile   = flag.String("o", "", "file to save the averaged image to")
	frameExt  = flag.String("ext", ".tiff", "detector frame file extension")
	threshold = flag.Float64("threshold", 0, "pixel values above this become 0 before averaging, 0 disables")
)

func printUsage() {
	fmt.Fprintf(os.Stderr,
		`Usage: `+os.Args[0]+` [options] <measurement-dir> <run> <first> <last>

Averages frames <first>..<last> of the given run under
<measurement-dir>/eiger and writes one TIFF.

options:
`,
	)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 4 {
		printUsage()
		log.Fatal("Invalid arguments")
	}
	measDir := flag.Arg(0)
	run, err := strconv.Atoi(flag.Arg(1))
	if err != nil {
		log.Fatal("bad run number: ", flag.Arg(1))
	}
	first, err := strconv.Atoi(flag.Arg(2))
	if err != nil {
		log.Fatal("bad first frame: ", flag.Arg(2))
	}
	last, err := strconv.Atoi(flag.Arg(3))
	if err != nil {
		log.Fatal("bad last frame: ", flag.Arg(3))
	}
	if last < first {
		log.Fatal("last frame before first frame")
	}

	name := fmt.Sprintf("%s_%06d", filepath.Base(measDir), run)
	var sum *integrate.Image
	count := 0
	for idx := first; idx <= last; idx++ {
		path := integrate.FramePath(measDir, name, idx, *frameExt)
		img, err := integrate.TIFFDecoder{}.Decode(path)
		if err != nil {
			log.Fatal(err)
		}
		if *threshold > 0 {
			img.ClampAbove(*threshold, 0)
		}
		if sum == nil {
			sum = img
		} else {
			if img.Width != sum.Width || img.Height != sum.Height {
				log.Fatalf("frame %d size %dx%d does not match %dx%d",
					idx, img.Width, img.Height, sum.Width, sum.Height)
			}
			for i, v := range img.Pix {
				sum.Pix[i] += v
			}
		}
		count++
	}
	for i := range sum.Pix {
		sum.Pix[i] /= float64(count)
	}

	out := *outFile
	if out == "" {
		out = filepath.Join(measDir, name+"_averaged.tiff")
	}
	if err := writeTiff(out, sum); err != nil {
		log.Fatal(err)
	}
	log.Printf("averaged %d frames into %s", count, out)
}

// writeTiff stores the averaged image as 16-bit grayscale, clamping
// to the representable range.
func writeTiff(path string, img *integrate.Image) error {
	gray := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := img.At(x, y)
			if v < 0 {
				v = 0
			}
			if v > 65535 {
				v = 65535
			}
			gray.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tiff.Encode(f, gray, &tiff.Options{Compression: tiff.Deflate})
}
