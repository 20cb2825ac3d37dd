// Package record implements the recording driver (spec.md §4.7): the
// top-level loop that sequences the vblank clock, the detile worker pool,
// the encoder adapter and the muxer once per frame, applies the cluster
// rollover policy, and finalizes the output file on a cooperative stop
// signal.
package record

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"golang.org/x/sys/unix"

	"github.com/ausocean/drmrec/config"
	"github.com/ausocean/drmrec/internal/capture"
	"github.com/ausocean/drmrec/internal/detile"
	"github.com/ausocean/drmrec/internal/fb"
	"github.com/ausocean/drmrec/internal/mkv"
	"github.com/ausocean/drmrec/internal/nal"
	"github.com/ausocean/drmrec/internal/x264"
	"github.com/ausocean/utils/logging"
)

const pkg = "record: "

// oversizeLimit is the largest NAL payload, including SimpleBlock framing
// overhead, this muxer's 28-bit size field can represent.
const oversizeLimit = 0x0FFFFFFF

// deviceWaitTimeout bounds how long New waits for the configured DRM
// device node to appear, e.g. when a recording unit starts before udev
// has created it.
const deviceWaitTimeout = 5 * time.Second

// fatalError distinguishes a fatal error from one of this package's own
// stages, so the caller (the CLI) can report which stage failed without
// the driver ever calling os.Exit itself, per spec.md §9's "re-architect
// away from fatal-exit" design note.
type fatalError struct {
	stage string
	err   error
}

func (e *fatalError) Error() string { return fmt.Sprintf("%s%s: %v", pkg, e.stage, e.err) }
func (e *fatalError) Unwrap() error { return e.err }

// Driver owns every resource a recording session needs and runs the main
// capture loop described in spec.md §4.7 and §5.
type Driver struct {
	cfg   config.Config
	log   logging.Logger
	view  *fb.View
	pool  *capture.Pool
	clock *capture.Clock
	enc   *x264.Encoder
	mux   *mkv.Muxer
	out   *os.File
	rgb   []byte

	frameDurationNs uint64
	vblankTicks     uint64 // num_frames_within_cluster, per spec.md §4.7
}

// New wires up the framebuffer view, worker pool, vblank clock, encoder
// and muxer for cfg, and opens (truncating) the output file. Any failure
// here is fatal to the session per spec.md §7.
func New(cfg config.Config) (*Driver, error) {
	ctx, cancel := context.WithTimeout(context.Background(), deviceWaitTimeout)
	defer cancel()
	if err := fb.WaitForDevice(ctx, cfg.Device); err != nil {
		return nil, &fatalError{"device discovery", err}
	}

	view, err := fb.Discover(cfg.Device)
	if err != nil {
		if view == nil {
			return nil, &fatalError{"device discovery", err}
		}
		// A non-nil view alongside an error means Discover fell back to a
		// supported fourcc/modifier and is reporting why, per spec.md §4.1.
		cfg.Logger.Warning(pkg + err.Error())
	}

	if err := cfg.Geometry.Resolve(view.Width, view.Height); err != nil {
		view.Close()
		return nil, &fatalError{"geometry", err}
	}

	n := runtime.NumCPU()
	strips := buildStrips(view, cfg.Geometry, n)
	rgb := make([]byte, cfg.Geometry.W*cfg.Geometry.H*3)
	pool := capture.NewPool(view.Bytes, rgb, strips)

	clock := capture.NewClock(capture.NewDRMWaiter(drmFD(view)), cfg.Interval)

	enc, err := x264.New(x264.Options{Width: cfg.Geometry.W, Height: cfg.Geometry.H, Preset: cfg.Preset})
	if err != nil {
		pool.Stop()
		view.Close()
		return nil, &fatalError{"encoder configuration", err}
	}

	headers, err := enc.Headers()
	if err != nil {
		enc.Close()
		pool.Stop()
		view.Close()
		return nil, &fatalError{"encoder headers", err}
	}
	sps, pps, err := splitHeaders(headers)
	if err != nil {
		enc.Close()
		pool.Stop()
		view.Close()
		return nil, &fatalError{"encoder headers", err}
	}

	out, err := os.OpenFile(cfg.Output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		enc.Close()
		pool.Stop()
		view.Close()
		return nil, &fatalError{"output file", err}
	}

	frameDurationNs := uint64(math.Round(1e9 / view.RefreshHz))
	mux, err := mkv.Open(out, mkv.Config{
		Width:           uint16(cfg.Geometry.W),
		Height:          uint16(cfg.Geometry.H),
		FrameDurationNs: frameDurationNs * uint64(cfg.Interval),
		SPS:             sps,
		PPS:             pps,
	}, cfg.Logger)
	if err != nil {
		out.Close()
		enc.Close()
		pool.Stop()
		view.Close()
		return nil, &fatalError{"muxer", err}
	}

	return &Driver{
		cfg:             cfg,
		log:             cfg.Logger,
		view:            view,
		pool:            pool,
		clock:           clock,
		enc:             enc,
		mux:             mux,
		out:             out,
		rgb:             rgb,
		frameDurationNs: frameDurationNs,
	}, nil
}

// splitHeaders separates the encoder's out-of-band NAL units into exactly
// one SPS and one PPS, as spec.md §4.5's AVCDecoderConfigurationRecord
// requires.
func splitHeaders(units []nal.Unit) (sps, pps []byte, err error) {
	for _, u := range units {
		switch u.Type {
		case nal.SPS:
			sps = u.Payload
		case nal.PPS:
			pps = u.Payload
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("encoder did not return both SPS and PPS")
	}
	return sps, pps, nil
}

// buildStrips partitions the output image into N horizontal strips per
// spec.md §3's strip assignment, each carrying the detile parameters for
// its slice of the mapped framebuffer.
func buildStrips(view *fb.View, g config.Geometry, n int) []capture.Strip {
	layout := detile.Linear
	if view.Modifier == fb.ModifierXTiled4K {
		layout = detile.TiledX4K
	}
	params := detile.Params{
		Layout: layout,
		Pitch:  view.PitchBytes,
		X:      g.X,
		Y:      g.Y,
		W:      g.W,
		H:      g.H,
	}
	strips := make([]capture.Strip, n)
	for i := 0; i < n; i++ {
		y0, y1 := detile.StripRange(g.H, n, i)
		strips[i] = capture.Strip{Params: params, Y0: y0, Y1: y1}
	}
	return strips
}

// Run executes the main capture loop until standard input becomes
// readable, then returns nil; Close finalizes the output file. Any error returned here is
// fatal; the file is left non-conforming per spec.md §7's propagation
// policy (Run does not attempt to finalize on a fatal error).
func (d *Driver) Run() error {
	notifyReady()
	defer notifyStopping()

	for {
		readable, err := stdinReadable()
		if err != nil {
			return &fatalError{"stdin poll", err}
		}
		if readable {
			break
		}

		res, err := d.clock.Next()
		if err != nil {
			return &fatalError{"vblank wait", err}
		}
		if res.Skipped > 0 {
			d.log.Warning(pkg+"frame skip detected", "skipped", res.Skipped)
		}
		d.vblankTicks += uint64(res.Delta)

		if err := d.pool.Frame(); err != nil {
			return &fatalError{"worker pool", err}
		}

		nals, err := d.enc.Encode(d.rgb, int64(d.vblankTicks))
		if err != nil {
			return &fatalError{"encode", err}
		}

		ticks := d.vblankTicks * d.frameDurationNs
		for _, u := range nals {
			if u.Type != nal.IDR && u.Type != nal.NonIDR {
				continue // SPS/PPS are carried once in CodecPrivate, never in-stream.
			}
			if len(u.Payload)+4 > oversizeLimit {
				d.log.Warning(pkg+"oversize NAL dropped", "len", len(u.Payload))
				continue
			}
			if err := d.mux.WriteFrame(u, ticks); err != nil {
				return &fatalError{"mux write", err}
			}
		}
	}

	return nil
}

// Close finalizes the muxer and releases every resource New acquired. It
// must only be called after Run returns nil.
func (d *Driver) Close() error {
	if err := d.mux.Close(); err != nil {
		return fmt.Errorf(pkg+"finalize: %w", err)
	}
	d.pool.Stop()
	d.enc.Close()
	outErr := d.out.Close()
	viewErr := d.view.Close()
	if outErr != nil {
		return outErr
	}
	return viewErr
}

// stdinReadable performs a zero-timeout poll of standard input, per
// spec.md §4.7 step 5: this call never blocks.
func stdinReadable() (bool, error) {
	fds := []unix.PollFd{{Fd: 0, Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// notifyReady and notifyStopping tell an enclosing systemd unit, if any,
// when the recording loop starts and stops; a standalone invocation with
// no NOTIFY_SOCKET set is a silent no-op.
func notifyReady() {
	daemon.SdNotify(false, daemon.SdNotifyReady)
}

func notifyStopping() {
	daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// drmFD recovers the DRM device file descriptor backing view, for the
// vblank ioctl. The framebuffer view owns this descriptor; the driver
// borrows it for the lifetime of the session.
func drmFD(view *fb.View) int {
	return view.DeviceFD()
}
