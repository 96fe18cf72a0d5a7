// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hampusnasstrom/myspot-analysis/integrate"
	"github.com/hampusnasstrom/myspot-analysis/live"
	"github.com/hampusnasstrom/myspot-analysis/output"
	"github.com/hampusnasstrom/myspot-analysis/specfile"

	"github.com/skratchdot/open-golang/open"
)

var (
	workers        = flag.Int("t", 1, "level of concurrency within a run")
	mode           = flag.String("mode", "canonical", "scan block segmentation: canonical or legacy")
	baselineFlag   = flag.String("baseline", "auto", "baseline subtraction: auto, always or never")
	frameTimeout   = flag.Duration("timeout", 0, "per-frame decode+integrate deadline, 0 for none")
	frameExt       = flag.String("ext", integrate.DefaultFrameExt, "detector frame file extension")
	points         = flag.Int("points", integrate.DefaultPoints, "radial integration points")
	integratorCmd  = flag.String("integrator", "", "azimuthal integration command, invoked per frame")
	decoderCmd     = flag.String("decoder", "", "frame decoder command for formats without built-in support")
	safeIntegrator = flag.Bool("concurrent-integrator", false, "integrator may be called from multiple goroutines")
	logz           = flag.Bool("logz", false, "log-scale heatmap colors")
	liveAddr       = flag.String("live", "", "serve a live progress monitor on this address")
	openPage       = flag.Bool("open", false, "open the live monitor in a browser")
)

func printUsage() {
	fmt.Fprintf(os.Stderr,
		`Usage: `+os.Args[0]+` [options] <root> <measurement-name>

Integrates every image run of <root>/<measurement-name>: frames are
decoded, azimuthally integrated and baseline-corrected, and the per-run
metadata tables, pattern matrices and heatmaps are written to
<root>/<measurement-name>/integrated_data.

options:
`,
	)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 2 {
		printUsage()
		log.Fatal("Invalid arguments")
	}
	root := flag.Arg(0)
	measurement := flag.Arg(1)

	cfg := integrate.Config{
		Root:                 root,
		Measurement:          measurement,
		Points:               *points,
		FrameExt:             *frameExt,
		Workers:              *workers,
		ConcurrentIntegrator: *safeIntegrator,
		FrameTimeout:         *frameTimeout,
	}

	switch *mode {
	case "canonical":
		cfg.Mode = specfile.ModeCanonical
	case "legacy":
		cfg.Mode = specfile.ModeLegacy
	default:
		log.Fatalf("unknown -mode %q", *mode)
	}
	switch *baselineFlag {
	case "auto":
		cfg.Baseline = integrate.BaselineAuto
	case "always":
		cfg.Baseline = integrate.BaselineAlways
	case "never":
		cfg.Baseline = integrate.BaselineNever
	default:
		log.Fatalf("unknown -baseline %q", *baselineFlag)
	}

	if *integratorCmd == "" {
		log.Fatal("no -integrator command configured")
	}
	cfg.OpenIntegrator = openExecIntegrator(*integratorCmd)

	switch {
	case *decoderCmd != "":
		cfg.Decoder = &execDecoder{command: *decoderCmd}
		cfg.CorrectionDecoder = cfg.Decoder
	case *frameExt == ".tiff" || *frameExt == ".tif" || *frameExt == ".png":
		cfg.Decoder = integrate.TIFFDecoder{}
	default:
		log.Fatalf("frames with extension %s need a -decoder command", *frameExt)
	}

	// Refuse to clobber earlier results before any work happens.
	writer, err := output.Create(root, measurement)
	if err != nil {
		log.Fatal(err)
	}
	writer.LogScale = *logz

	var monitor *live.Monitor
	if *liveAddr != "" {
		monitor = live.NewMonitor(measurement)
		monitor.LogScale = *logz
		cfg.Observer = monitor
		go func() {
			if err := monitor.Serve(*liveAddr); err != nil {
				log.Println("live monitor:", err)
			}
		}()
		if *openPage {
			open.Start("http://" + *liveAddr)
		}
	} else {
		cfg.Observer = &consoleProgress{}
	}

	started := time.Now()
	res, err := integrate.Run(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := writer.WriteAll(res, started); err != nil {
		log.Fatal(err)
	}
	if monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		monitor.Shutdown(ctx)
		cancel()
	}

	fmt.Println()
	log.Printf("job %s: %d runs, %d frame errors, %s elapsed",
		writer.JobID, len(res.Scans), len(res.FrameErrors), time.Since(started).Round(time.Millisecond))
	for _, fe := range res.FrameErrors {
		if fe.Kind != integrate.KindMissing {
			os.Exit(1)
		}
	}
}

// consoleProgress draws a carriage-return progress bar per run.
type consoleProgress struct{}

const barLen = 30

func (consoleProgress) RunStart(run, images int) {
	fmt.Printf("\nintegrating run %d (%d images)\n", run, images)
}

func (consoleProgress) FrameDone(run, done, total int, status integrate.RowStatus) {
	filled := barLen * done / total
	bar := ""
	for i := 0; i < barLen; i++ {
		if i < filled {
			bar += "="
		} else {
			bar += "-"
		}
	}
	fmt.Printf("\r[%s] %4.1f%% ...run %d", bar, 100*float64(done)/float64(total), run)
}

func (consoleProgress) RunDone(run int, m *integrate.PatternMatrix) {
	if m != nil {
		ok, missing, failed := m.Counts()
		fmt.Printf("\rrun %d done: %d ok, %d missing, %d failed%s\n",
			run, ok, missing, failed, "          ")
	}
}
