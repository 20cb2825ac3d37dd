package capture

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Waiter blocks until the next vertical blank at or after target (or, when
// relative is true, target vblanks from now) and returns the sequence
// number at which the wait was satisfied. It is implemented by drmWaiter
// against a real DRM device, and faked in tests.
type Waiter interface {
	Wait(target uint32, relative bool) (sequence uint32, err error)
}

// Clock paces frame capture against the hardware vblank signal, per
// spec.md §4.3. The first call to Next uses a relative wait of +1 vblank
// to establish the session's start sequence; every subsequent call waits
// for an absolute target that advances by interval each time.
type Clock struct {
	w        Waiter
	interval uint32
	started  bool
	lastSeq  uint32
	target   uint32
}

// NewClock returns a Clock that captures one frame every interval vblanks
// (interval must be in 1..9 per spec.md §6's -y flag).
func NewClock(w Waiter, interval uint32) *Clock {
	return &Clock{w: w, interval: interval}
}

// Result is the outcome of one Clock.Next call.
type Result struct {
	Sequence uint32
	// Delta is the number of vblanks elapsed since the previous call,
	// zero on the first call. The driver accumulates Delta (not a fixed
	// per-frame increment) into its running tick count, so presentation
	// timestamps track actual wall-clock vblanks even across skips.
	Delta uint32
	// Skipped is the number of additional vblanks, beyond interval, that
	// elapsed since the previous call. Zero on the first call and on every
	// on-time call.
	Skipped uint32
}

// Next blocks for the next scheduled vblank and returns its sequence
// number along with the vblank delta and how many vblanks beyond the
// interval, if any, were skipped. The driver uses Delta to advance
// num_frames_within_cluster by the actual vblank delta rather than by a
// fixed increment, so presentation timestamps track wall-clock vblanks
// even when frames are dropped; Skipped only drives the skip warning.
func (c *Clock) Next() (Result, error) {
	if !c.started {
		seq, err := c.w.Wait(1, true)
		if err != nil {
			return Result{}, fmt.Errorf("capture: vblank wait failed: %w", err)
		}
		c.started = true
		c.lastSeq = seq
		c.target = seq + c.interval
		return Result{Sequence: seq}, nil
	}

	seq, err := c.w.Wait(c.target, false)
	if err != nil {
		return Result{}, fmt.Errorf("capture: vblank wait failed: %w", err)
	}
	delta := seq - c.lastSeq
	var skipped uint32
	if delta > c.interval {
		skipped = delta - c.interval
	}
	c.lastSeq = seq
	c.target = seq + c.interval
	return Result{Sequence: seq, Delta: delta, Skipped: skipped}, nil
}

// drmWaiter implements Waiter against a real DRM device file descriptor
// using the DRM_IOCTL_WAIT_VBLANK ioctl, in the same raw-syscall idiom as
// other V4L2/DRM ioctl wrappers in this codebase's reference material:
// constants computed once from the kernel's _IOWR encoding and issued via
// unix.Syscall(unix.SYS_IOCTL, ...).
type drmWaiter struct {
	fd int
}

// NewDRMWaiter returns a Waiter backed by the DRM device opened at fd.
func NewDRMWaiter(fd int) Waiter {
	return &drmWaiter{fd: fd}
}

const (
	drmIoctlBase = 0x64 // 'd'

	drmVBlankAbsolute = 0x0
	drmVBlankRelative = 0x1

	// drmWaitVBlankIoctl is DRM_IOWR(0x3a, union drm_wait_vblank), computed
	// as (3<<30) | (size<<16) | (type<<8) | nr for the request/reply union
	// (24 bytes: {type,sequence uint32; tval_sec,tval_usec int64}).
	drmWaitVBlankIoctl = (3 << 30) | (24 << 16) | (drmIoctlBase << 8) | 0x3a
)

// drmWaitVBlank mirrors union drm_wait_vblank's request arm.
type drmWaitVBlank struct {
	Type     uint32
	Sequence uint32
	TvSec    int64
	TvUsec   int64
}

func (d *drmWaiter) Wait(target uint32, relative bool) (uint32, error) {
	req := drmWaitVBlank{Sequence: target}
	if relative {
		req.Type = drmVBlankRelative
	} else {
		req.Type = drmVBlankAbsolute
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(drmWaitVBlankIoctl), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return 0, fmt.Errorf("DRM_IOCTL_WAIT_VBLANK: %w", errno)
	}
	return req.Sequence, nil
}
