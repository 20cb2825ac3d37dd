// Package fb discovers and maps the scanout framebuffer of a Linux DRM
// device, the "device discovery / framebuffer acquisition" collaborator
// spec.md §1 carves out of the core: enumerate the primary node's first
// CRTC, fetch its bound framebuffer, export the underlying buffer as a
// dma-buf file descriptor, and map it read-only.
package fb

import "fmt"

// Fourcc values this package recognizes, matching the Linux DRM format
// codes (fourcc_code('X','R','2','4') etc).
const (
	FourccXR24 uint32 = 0x34325258 // DRM_FORMAT_XRGB8888
)

// Modifier values this package recognizes.
const (
	ModifierLinear   uint64 = 0
	ModifierXTiled4K uint64 = 0x0100000000000001 // I915_FORMAT_MOD_X_TILED
)

// View is a read-only mapped handle onto a display's current scanout
// buffer, plus the metadata the detiler needs to interpret it.
type View struct {
	Width, Height int
	PitchBytes    int
	Fourcc        uint32
	Modifier      uint64
	RefreshHz     float64

	// Bytes is the memory-mapped, read-only buffer backing the
	// framebuffer's contents. It remains valid until Close is called.
	Bytes []byte

	// deviceFD is the open DRM primary node descriptor Discover used to
	// find this framebuffer; the vblank clock borrows it for the
	// lifetime of the recording session.
	deviceFD int

	closer func() error
}

// DeviceFD returns the open DRM device descriptor this view was
// discovered through.
func (v *View) DeviceFD() int { return v.deviceFD }

// Close unmaps the buffer and releases the exported dma-buf descriptor.
func (v *View) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer()
}

// unsupportedFourcc reports whether fourcc is anything other than the one
// format this codebase decodes, per spec.md §4.1: unsupported fourccs are
// a warning, not a fatal error, and the caller proceeds as XR24.
func unsupportedFourcc(fourcc uint32) bool { return fourcc != FourccXR24 }

// unsupportedModifier reports whether modifier is anything other than the
// two layouts this codebase decodes.
func unsupportedModifier(modifier uint64) bool {
	return modifier != ModifierLinear && modifier != ModifierXTiled4K
}

// validate applies spec.md §3's framebuffer invariants and the fallback
// policy for unsupported formats, returning any warning text the caller
// should print to the error channel (never fatal).
func (v *View) validate() (warning string, err error) {
	if v.PitchBytes < v.Width*4 {
		return "", fmt.Errorf("fb: pitch %d is less than width*4 (%d)", v.PitchBytes, v.Width*4)
	}
	if unsupportedFourcc(v.Fourcc) {
		warning = fmt.Sprintf("fb: unsupported fourcc 0x%x, proceeding as XR24", v.Fourcc)
		v.Fourcc = FourccXR24
	}
	if unsupportedModifier(v.Modifier) {
		if warning != "" {
			warning += "; "
		}
		warning += fmt.Sprintf("fb: unsupported modifier 0x%x, proceeding as linear", v.Modifier)
		v.Modifier = ModifierLinear
	}
	if v.Modifier == ModifierXTiled4K && v.PitchBytes/512 < 1 {
		return warning, fmt.Errorf("fb: tile stride %d is less than 1 tile", v.PitchBytes/512)
	}
	return warning, nil
}
