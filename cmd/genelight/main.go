// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	gl "github.com/mlnoga/genelight/internal"
	"github.com/mlnoga/genelight/internal/config"
	"github.com/mlnoga/genelight/internal/ops"
	"github.com/mlnoga/genelight/internal/pipeline"
	"github.com/mlnoga/genelight/internal/rest"
	"github.com/mlnoga/genelight/internal/store"
	"gopkg.in/yaml.v3"
)

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var configFile = flag.String("config", "genelight.yaml", "load configuration from `file`, defaults apply if it does not exist")
var data = flag.String("data", ".", "directory of registered FITS tiles with a tiles.yaml layout")
var out = flag.String("out", "out", "result store `directory`")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` writes genelight.log in the result store directory")

var threads = flag.Int("threads", 0, "number of parallel tile workers, 0=number of logical cores")
var memoryMB = flag.Int("memory", 0, "total MiB of memory to use, default=0.7x physical memory for the solver")

var tiff = flag.Bool("tiff", false, "export coefficient and score max projections as 16-bit TIFF into the result store")
var jpg = flag.Bool("jpg", false, "export spot overlays as JPEG into the result store")

var addr = flag.String("addr", ":8080", "listen address for serve")
var chroot = flag.String("chroot", "", "chroot to `directory` before serving (requires root)")
var setuid = flag.Int("setuid", -1, "change to user `id` before serving, -1=keep")

func main() {
	logWriter := gl.LogWriter
	debug.SetGCPercent(25)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Genelight Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (calibrate|omp|run|serve|config|legal|version)

Commands:
  calibrate Calibrate bleed matrix and bled codes on the reference spots
  omp       Call genes on all tiles with the stored calibration
  run       Calibrate, then call genes
  serve     Serve the REST API and web page
  config    Show the effective configuration
  legal     Show license and attribution information
  version   Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	switch args[0] {
	case "legal":
		fmt.Fprint(logWriter, legal)
		return
	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", config.SoftwareVersion)
		return
	case "help", "?":
		flag.Usage()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		gl.LogFatalf("Error: %s\n", err.Error())
	}
	if args[0] == "config" {
		m, err := yaml.Marshal(cfg)
		if err != nil {
			gl.LogFatalf("Error: %s\n", err.Error())
		}
		fmt.Fprintf(logWriter, "%s", string(m))
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if err := os.MkdirAll(*out, 0755); err != nil {
		gl.LogFatalf("Unable to create result directory '%s'\n", *out)
	}
	if *log == "%auto" {
		*log = filepath.Join(*out, "genelight.log")
	}
	if *log != "" {
		if err := gl.LogAlsoToFile(*log); err != nil {
			gl.LogFatalf("Unable to open logfile '%s'\n", *log)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			gl.LogFatalf("Could not create CPU profile: %s\n", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			gl.LogFatalf("Could not start CPU profile: %s\n", err)
		}
		defer pprof.StopCPUProfile()
	}

	c := ops.NewContext(logWriter)
	c.SetMaxThreads(*threads)
	c.SetMemoryMB(*memoryMB)
	if *tiff || *jpg {
		c.ExportDir = filepath.Join(*out, "diagnostics")
		c.ExportTIFF, c.ExportJPG = *tiff, *jpg
		if err := os.MkdirAll(c.ExportDir, 0755); err != nil {
			gl.LogFatalf("Unable to create diagnostics directory '%s'\n", c.ExportDir)
		}
	}
	c.LogResources()

	st, err := store.Open(*out)
	if err != nil {
		gl.LogFatalf("Error: %s\n", err.Error())
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// run actions
	switch args[0] {
	case "calibrate":
		_, err = pipeline.CalibrateFromFiles(c, cfg, *data, st)

	case "omp":
		err = cmdOMP(ctx, c, cfg, st)

	case "run":
		if _, err = pipeline.CalibrateFromFiles(c, cfg, *data, st); err == nil {
			err = cmdOMP(ctx, c, cfg, st)
		}

	case "serve":
		err = cmdServe(c, cfg, st, logWriter)

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed := time.Since(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			gl.LogFatalf("Could not create memory profile: %s\n", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			gl.LogFatalf("Could not write allocation profile: %s\n", err)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		gl.LogSync()
		os.Exit(-1)
	}
	gl.LogSync()
}

// Calls genes and logs the spot counts per gene
func cmdOMP(ctx context.Context, c *ops.Context, cfg *config.Config, st *store.Store) error {
	res, err := pipeline.CallGenesFromFiles(ctx, c, cfg, *data, st)
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted, completed tiles are stored and will be skipped on the next run")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "\nSpots per gene:\n")
	pipeline.LogGeneCounts(c, res, pipeline.LoadGeneNames(st))
	return nil
}

// Serves the REST API until the server fails
func cmdServe(c *ops.Context, cfg *config.Config, st *store.Store, logWriter io.Writer) error {
	if err := rest.MakeSandbox(*chroot, *setuid, logWriter); err != nil {
		return err
	}
	s := &rest.Server{
		Config:  cfg,
		DataDir: *data,
		Store:   st,
		NewContext: func(log io.Writer) *ops.Context {
			rc := *c
			rc.Log = log
			return &rc
		},
	}
	fmt.Fprintf(logWriter, "Serving on %s\n", *addr)
	return rest.Serve(s, *addr)
}
