// Package config contains the configuration settings for drmrec.
package config

import (
	"fmt"

	"github.com/ausocean/utils/logging"
)

// Mode selects which of the CLI's mutually exclusive operations to run,
// per spec.md §6.
type Mode uint8

const (
	// ModeRecord records the primary display to a Matroska file until
	// standard input becomes readable.
	ModeRecord Mode = iota
	// ModeScreenshot emits a single PPM frame to standard output.
	ModeScreenshot
	// ModeDumpInfo prints a textual device report to standard output.
	ModeDumpInfo
)

// Geometry describes the sub-rectangle of the framebuffer to capture.
// WSet and HSet record whether W and H were given explicitly on the
// command line, since an unset W or H means "to the right/bottom edge"
// and can only be resolved once the framebuffer's actual dimensions are
// known.
type Geometry struct {
	X, Y int
	W, H int
	WSet bool
	HSet bool
}

// Resolve fills in W and H when unset, given the framebuffer's full
// dimensions, and validates the result against spec.md §3's geometry
// invariant.
func (g *Geometry) Resolve(fbWidth, fbHeight int) error {
	if !g.WSet {
		g.W = fbWidth - g.X
	}
	if !g.HSet {
		g.H = fbHeight - g.Y
	}
	if g.X < 0 || g.Y < 0 || g.W <= 0 || g.H <= 0 {
		return fmt.Errorf("config: geometry %+v is out of bounds", g)
	}
	if g.X+g.W > fbWidth || g.Y+g.H > fbHeight {
		return fmt.Errorf("config: geometry %+v exceeds framebuffer %dx%d", g, fbWidth, fbHeight)
	}
	return nil
}

// Config holds every parameter a recording session needs, per spec.md §6.
// A Config must be validated with Validate before use.
type Config struct {
	Mode Mode

	// Device is the DRM primary node to open, e.g. /dev/dri/card0.
	Device string

	Geometry Geometry

	// Preset is the encoder preset string (spec.md §4.4), default "medium".
	Preset string

	// Interval is the recording-interval option: one captured frame per
	// this many hardware vblanks, 1..9 (spec.md §4.3).
	Interval uint32

	// Output is the destination file path for record mode; required.
	Output string

	// Logger and LogLevel configure diagnostic output (spec.md §1's
	// out-of-scope logging contract, wired the way the rest of this
	// codebase wires it: an injected Logger plus an explicit level).
	Logger   logging.Logger
	LogLevel int8
}

// Default returns a Config with spec.md §6's documented defaults applied.
func Default() Config {
	return Config{
		Device:   "/dev/dri/card0",
		Preset:   "medium",
		Interval: 1,
	}
}

// Validate checks the fields that can be checked without opening the
// device (geometry bounds checking happens later, once the framebuffer's
// real dimensions are known via Geometry.Resolve).
func (c *Config) Validate() error {
	if c.Mode == ModeRecord && c.Output == "" {
		return fmt.Errorf("config: --output is required for --record-screen")
	}
	if c.Interval < 1 || c.Interval > 9 {
		return fmt.Errorf("config: --record-every-th must be 1..9, got %d", c.Interval)
	}
	if c.Preset == "" {
		return fmt.Errorf("config: --preset must not be empty")
	}
	if c.Logger == nil {
		return fmt.Errorf("config: Logger must be set")
	}
	return nil
}
