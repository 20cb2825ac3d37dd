package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ausocean/drmrec/config"
)

// helpText is printed by -h/--help and on any flag parse error, per
// spec.md §6.
const helpText = `drmrec: record, screenshot or inspect a Linux DRM scanout display

Usage:
  drmrec -d | -s | -r -o FILE [options]

Modes (mutually exclusive; the last one given wins):
  -d, --dump-info          enumerate devices and print a textual report
  -s, --take-screenshot    emit one PPM frame to standard output
  -r, --record-screen      record to the file given by -o until stdin is readable

Options:
  -o, --output FILE        output file for record mode (required)
  -p, --preset NAME        encoder preset (default "medium")
  -g, --geometry X,Y[,WxH] sub-rectangle of the display to capture
  -y, --record-every-th N  capture one frame every N vblanks, 1..9 (default 1)
  -h, --help               print this message and exit
`

// flags holds the parsed command line before it is resolved into a
// config.Config; parseArgs starts from config.Default for the device and
// other defaults, and unset geometry dimensions are filled in later by
// config.Geometry.Resolve.
type flags struct {
	dumpInfo bool
	screen   bool
	record   bool
	output   string
	preset   string
	geometry string
	interval uint
	help     bool
}

// parseArgs parses args (excluding the program name) into a config.Config.
// help reports whether -h/--help was given, in which case the caller should
// print helpText and exit 0 without examining cfg. Any other error means
// the caller should print helpText and exit 1.
func parseArgs(args []string) (cfg config.Config, help bool, err error) {
	fs := flag.NewFlagSet("drmrec", flag.ContinueOnError)
	fs.Usage = func() {}
	fs.SetOutput(io.Discard) // cli.go reports its own errors; silence flag's default printing.

	var f flags
	fs.BoolVar(&f.dumpInfo, "dump-info", false, "")
	fs.BoolVar(&f.dumpInfo, "d", false, "")
	fs.BoolVar(&f.screen, "take-screenshot", false, "")
	fs.BoolVar(&f.screen, "s", false, "")
	fs.BoolVar(&f.record, "record-screen", false, "")
	fs.BoolVar(&f.record, "r", false, "")
	fs.StringVar(&f.output, "output", "", "")
	fs.StringVar(&f.output, "o", "", "")
	fs.StringVar(&f.preset, "preset", "medium", "")
	fs.StringVar(&f.preset, "p", "medium", "")
	fs.StringVar(&f.geometry, "geometry", "", "")
	fs.StringVar(&f.geometry, "g", "", "")
	fs.UintVar(&f.interval, "record-every-th", 1, "")
	fs.UintVar(&f.interval, "y", 1, "")
	fs.BoolVar(&f.help, "help", false, "")
	fs.BoolVar(&f.help, "h", false, "")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, false, err
	}
	if f.help {
		return config.Config{}, true, nil
	}

	// flag can't tell which of two aliases for the same field was given
	// last, so re-walk args ourselves to pick the last mode flag seen, per
	// spec.md §6 ("modes... flag parsing selects the last one seen").
	mode, hasMode := lastMode(args)
	if !hasMode {
		return config.Config{}, false, fmt.Errorf("drmrec: one of -d, -s, -r is required")
	}

	cfg = config.Default()
	cfg.Mode = mode
	cfg.Output = f.output
	cfg.Preset = f.preset
	cfg.Interval = uint32(f.interval)

	if f.geometry != "" {
		g, err := parseGeometry(f.geometry)
		if err != nil {
			return config.Config{}, false, err
		}
		cfg.Geometry = g
	}

	return cfg, false, nil
}

// lastMode re-scans args for -d/--dump-info, -s/--take-screenshot and
// -r/--record-screen and returns whichever was given last, since flag's
// BoolVar aliases can't otherwise distinguish "last -r after an earlier -s"
// from "both given, order unknown".
func lastMode(args []string) (config.Mode, bool) {
	var mode config.Mode
	var found bool
	for _, a := range args {
		switch a {
		case "-d", "--dump-info":
			mode, found = config.ModeDumpInfo, true
		case "-s", "--take-screenshot":
			mode, found = config.ModeScreenshot, true
		case "-r", "--record-screen":
			mode, found = config.ModeRecord, true
		}
	}
	return mode, found
}

// parseGeometry parses the -g/--geometry grammar from spec.md §6:
// "digits form decimal integers, commas advance the field (X→Y→W), and an
// 'x' or 'X' separates W from H". Unset W or H are left unresolved (WSet
// and HSet false) and filled in later by Geometry.Resolve.
func parseGeometry(s string) (config.Geometry, error) {
	fields := strings.SplitN(s, ",", 3)
	if len(fields) < 2 {
		return config.Geometry{}, fmt.Errorf("drmrec: geometry %q must have at least X,Y", s)
	}

	var g config.Geometry
	var err error
	g.X, err = strconv.Atoi(fields[0])
	if err != nil {
		return config.Geometry{}, fmt.Errorf("drmrec: geometry %q: bad X: %w", s, err)
	}
	g.Y, err = strconv.Atoi(fields[1])
	if err != nil {
		return config.Geometry{}, fmt.Errorf("drmrec: geometry %q: bad Y: %w", s, err)
	}

	if len(fields) == 3 && fields[2] != "" {
		wh := strings.FieldsFunc(fields[2], func(r rune) bool { return r == 'x' || r == 'X' })
		if len(wh) > 0 && wh[0] != "" {
			g.W, err = strconv.Atoi(wh[0])
			if err != nil {
				return config.Geometry{}, fmt.Errorf("drmrec: geometry %q: bad W: %w", s, err)
			}
			g.WSet = true
		}
		if len(wh) > 1 && wh[1] != "" {
			g.H, err = strconv.Atoi(wh[1])
			if err != nil {
				return config.Geometry{}, fmt.Errorf("drmrec: geometry %q: bad H: %w", s, err)
			}
			g.HSet = true
		}
	}

	return g, nil
}
