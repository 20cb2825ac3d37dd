//go:build linux

package fb

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// drmIoctlBase is the DRM ioctl type byte, 'd'.
const drmIoctlBase = 0x64

// drmIowr computes a DRM_IOWR(nr, size) request number, the same
// direction-type-nr-size packing the vblank wait ioctl in the capture
// package uses: (3<<30) | (size<<16) | (type<<8) | nr.
func drmIowr(nr, size uintptr) uintptr {
	return (3 << 30) | (size << 16) | (drmIoctlBase << 8) | nr
}

// drmModeCardRes mirrors struct drm_mode_card_res.
type drmModeCardRes struct {
	FbIDPtr        uint64
	CrtcIDPtr      uint64
	ConnectorIDPtr uint64
	EncoderIDPtr   uint64
	CountFBs       uint32
	CountCrtcs     uint32
	CountConns     uint32
	CountEncoders  uint32
	MinWidth       uint32
	MaxWidth       uint32
	MinHeight      uint32
	MaxHeight      uint32
}

// drmModeInfo mirrors struct drm_mode_modeinfo (only the fields this
// package reads are named precisely; the trailing name field pads the
// struct to its real kernel size).
type drmModeInfo struct {
	Clock                                         uint32
	HDisplay, HSyncStart, HSyncEnd, HTotal, HSkew uint16
	VDisplay, VSyncStart, VSyncEnd, VTotal, VScan  uint16
	VRefresh                                      uint32
	Flags, Type                                   uint32
	Name                                           [32]byte
}

// drmModeCrtc mirrors struct drm_mode_crtc.
type drmModeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X, Y             uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             drmModeInfo
}

// drmModeFBCmd2 mirrors struct drm_mode_fb_cmd2.
type drmModeFBCmd2 struct {
	FbID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	Modifier    [4]uint64
}

// drmPrimeHandle mirrors struct drm_prime_handle.
type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
	_      int32 // padding to a multiple of 8 bytes
}

var (
	drmIoctlModeGetResources = drmIowr(0xA0, unsafe.Sizeof(drmModeCardRes{}))
	drmIoctlModeGetCrtc      = drmIowr(0xA1, unsafe.Sizeof(drmModeCrtc{}))
	drmIoctlModeGetFB2       = drmIowr(0xCE, unsafe.Sizeof(drmModeFBCmd2{}))
	drmIoctlPrimeHandleToFD  = drmIowr(0x2D, unsafe.Sizeof(drmPrimeHandle{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Discover opens the DRM primary node at devicePath, finds its first CRTC
// with a bound framebuffer, exports that framebuffer as a dma-buf and
// maps it read-only. The returned View's Close releases the mapping, the
// exported descriptor, and the device node.
func Discover(devicePath string) (*View, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("fb: open %s: %w", devicePath, err)
	}
	closeFD := true
	defer func() {
		if closeFD {
			unix.Close(fd)
		}
	}()

	var res drmModeCardRes
	if err := ioctl(fd, drmIoctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("fb: DRM_IOCTL_MODE_GETRESOURCES: %w", err)
	}
	if res.CountCrtcs == 0 {
		return nil, fmt.Errorf("fb: no CRTCs reported by %s", devicePath)
	}
	crtcIDs := make([]uint32, res.CountCrtcs)
	res.CrtcIDPtr = uint64(uintptr(unsafe.Pointer(&crtcIDs[0])))
	if err := ioctl(fd, drmIoctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("fb: DRM_IOCTL_MODE_GETRESOURCES (crtc list): %w", err)
	}

	var crtc drmModeCrtc
	var found bool
	for _, id := range crtcIDs {
		crtc = drmModeCrtc{CrtcID: id}
		if err := ioctl(fd, drmIoctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
			continue
		}
		if crtc.FbID != 0 {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("fb: no CRTC with a bound framebuffer on %s", devicePath)
	}

	fbCmd := drmModeFBCmd2{FbID: crtc.FbID}
	if err := ioctl(fd, drmIoctlModeGetFB2, unsafe.Pointer(&fbCmd)); err != nil {
		return nil, fmt.Errorf("fb: DRM_IOCTL_MODE_GETFB2: %w", err)
	}
	if fbCmd.Handles[0] == 0 {
		return nil, fmt.Errorf("fb: framebuffer %d has no exportable handle", crtc.FbID)
	}

	prime := drmPrimeHandle{Handle: fbCmd.Handles[0], Flags: unix.O_RDONLY}
	if err := ioctl(fd, drmIoctlPrimeHandleToFD, unsafe.Pointer(&prime)); err != nil {
		return nil, fmt.Errorf("fb: DRM_IOCTL_PRIME_HANDLE_TO_FD: %w", err)
	}
	bufFD := int(prime.FD)

	pitch := int(fbCmd.Pitches[0])
	height := int(fbCmd.Height)
	length := pitch * height
	data, err := unix.Mmap(bufFD, 0, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(bufFD)
		return nil, fmt.Errorf("fb: mmap: %w", err)
	}

	refresh := float64(crtc.Mode.VRefresh)
	if refresh == 0 {
		refresh = 60 // fallback when the kernel doesn't report a rate.
	}

	v := &View{
		Width:      int(fbCmd.Width),
		Height:     height,
		PitchBytes: pitch,
		Fourcc:     fbCmd.PixelFormat,
		Modifier:   fbCmd.Modifier[0],
		RefreshHz:  refresh,
		Bytes:      data,
		deviceFD:   fd,
		closer: func() error {
			err1 := unix.Munmap(data)
			err2 := unix.Close(bufFD)
			err3 := unix.Close(fd)
			if err1 != nil {
				return err1
			}
			if err2 != nil {
				return err2
			}
			return err3
		},
	}
	closeFD = false

	if warning, err := v.validate(); err != nil {
		v.Close()
		return nil, err
	} else if warning != "" {
		return v, warningError(warning)
	}
	return v, nil
}

// warningError carries a non-fatal diagnostic alongside a valid View; the
// CLI prints it to the error channel and continues, per spec.md §4.1.
type warningError string

func (w warningError) Error() string { return string(w) }
