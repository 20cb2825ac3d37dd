/*
DESCRIPTION
  drmrec captures a Linux DRM scanout display: it can dump a textual report
  of the display's current mode, emit a single screenshot as a PPM, or
  record an H.264-in-Matroska file until standard input becomes readable.
*/

// Package main is the drmrec command line entry point.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/ausocean/drmrec/config"
	"github.com/ausocean/drmrec/internal/fb"
	"github.com/ausocean/drmrec/record"
	"github.com/ausocean/utils/logging"
)

// Logging configuration, per the rest of this codebase's logging.New
// convention.
const (
	logVerbosity = logging.Info
	logSuppress  = true
)

// deviceWaitTimeout bounds how long the CLI waits for a DRM device node
// that doesn't exist yet, e.g. when started by a unit that races udev at
// boot. Discovery proceeds immediately if the node is already present.
const deviceWaitTimeout = 5 * time.Second

// discoverDevice waits for cfg.Device to appear, then opens and maps its
// scanout framebuffer. A nil *fb.View means a fatal error; a non-nil view
// alongside a non-nil error means a non-fatal fallback occurred and the
// caller should log it and continue.
func discoverDevice(cfg config.Config) (*fb.View, error) {
	ctx, cancel := context.WithTimeout(context.Background(), deviceWaitTimeout)
	defer cancel()
	if err := fb.WaitForDevice(ctx, cfg.Device); err != nil {
		return nil, fmt.Errorf("drmrec: %w", err)
	}
	return fb.Discover(cfg.Device)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run performs argument parsing and mode dispatch, returning the process
// exit code. It is split out from main so it can be exercised with fake
// stdout/stderr streams rather than the real ones.
func run(args []string, stdout, stderr io.Writer) int {
	cfg, help, err := parseArgs(args)
	if help {
		fmt.Fprint(stdout, helpText)
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprint(stderr, helpText)
		return 1
	}

	cfg.Logger = logging.New(logVerbosity, stderr, logSuppress)
	cfg.LogLevel = logVerbosity
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	switch cfg.Mode {
	case config.ModeDumpInfo:
		return runDumpInfo(cfg, stdout, stderr)
	case config.ModeScreenshot:
		return runScreenshot(cfg, stdout, stderr)
	case config.ModeRecord:
		return runRecord(cfg, stderr)
	default:
		fmt.Fprintln(stderr, "drmrec: unreachable mode")
		return 1
	}
}

// runDumpInfo implements --dump-info: enumerate the device and print a
// textual report, per spec.md §6.
func runDumpInfo(cfg config.Config, stdout, stderr io.Writer) int {
	view, err := discoverDevice(cfg)
	if view == nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
		return 1
	}
	defer view.Close()
	if err != nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
	}

	fmt.Fprintf(stdout, "device:     %s\n", cfg.Device)
	fmt.Fprintf(stdout, "resolution: %dx%d\n", view.Width, view.Height)
	fmt.Fprintf(stdout, "pitch:      %d bytes\n", view.PitchBytes)
	fmt.Fprintf(stdout, "fourcc:     0x%08x\n", view.Fourcc)
	fmt.Fprintf(stdout, "modifier:   0x%016x\n", view.Modifier)
	fmt.Fprintf(stdout, "refresh:    %.3f Hz\n", view.RefreshHz)
	return 0
}

// runScreenshot implements --take-screenshot: capture one frame, detile it
// with the same strip-per-CPU worker pool recording uses, and write it to
// stdout as a binary PPM.
func runScreenshot(cfg config.Config, stdout, stderr io.Writer) int {
	view, err := discoverDevice(cfg)
	if view == nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
		return 1
	}
	defer view.Close()
	if err != nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
	}

	if err := cfg.Geometry.Resolve(view.Width, view.Height); err != nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
		return 1
	}

	rgb, err := captureOneFrame(view, cfg.Geometry)
	if err != nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
		return 1
	}

	w := bufio.NewWriter(stdout)
	if err := writePPM(w, cfg.Geometry.W, cfg.Geometry.H, rgb); err != nil {
		fmt.Fprintf(stderr, "drmrec: write screenshot: %v\n", err)
		return 1
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(stderr, "drmrec: write screenshot: %v\n", err)
		return 1
	}
	return 0
}

// writePPM encodes rgb (w*h*3 packed RGB bytes) as a binary PPM (P6) image:
// the "P6\n<w>\n<h>\n255\n" header spec.md §6 specifies, followed by the
// pixel data verbatim.
func writePPM(w io.Writer, width, height int, rgb []byte) error {
	if _, err := fmt.Fprintf(w, "P6\n%d\n%d\n255\n", width, height); err != nil {
		return err
	}
	_, err := w.Write(rgb)
	return err
}

// runRecord implements --record-screen: build the recording driver and run
// it until standard input becomes readable, then finalize the output.
func runRecord(cfg config.Config, stderr io.Writer) int {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(stderr, "drmrec: recording; press any key to stop.")
	}

	d, err := record.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
		return 1
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(stderr, "drmrec: %v\n", err)
		return 1
	}

	if err := d.Close(); err != nil {
		fmt.Fprintf(stderr, "drmrec: finalize: %v\n", err)
		return 1
	}
	return 0
}
