// Package x264 adapts libx264 to the narrow encoder contract the record
// driver needs (spec.md §4.4): configure once, fetch out-of-band SPS/PPS,
// then submit RGB frames one at a time and receive zero or more tagged
// NAL units.
//
// This is the one place in the module that reaches outside the Go
// toolchain: there is no pure-Go H.264 encoder available anywhere in this
// codebase's reference material (only decoders), so the adapter binds
// directly to libx264's C API via cgo, in the same #cgo pkg-config idiom
// used elsewhere for wrapping a vendor C library (see the shaderc-style
// bindings this is grounded on, noted in SPEC_FULL.md).
package x264

/*
#cgo pkg-config: x264
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <x264.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/ausocean/drmrec/internal/nal"
)

// Options configures the encoder per spec.md §4.4: 8-bit depth, RGB color
// space, non-VFR input, no repeated headers, Annex-B framing, and profile
// "high444" are all fixed by this package; Width, Height and Preset are
// the only caller-supplied knobs.
type Options struct {
	Width, Height int
	Preset        string // e.g. "medium"; see spec.md §6's -p/--preset.
}

// Encoder wraps a configured libx264 encoder instance. An Encoder is not
// safe for concurrent use; the record driver calls it only from the
// driver goroutine, per spec.md §5.
type Encoder struct {
	h      *C.x264_t
	pic    C.x264_picture_t
	opened bool
}

// New configures and opens a libx264 encoder. Any failure in configuration
// is fatal to the recording session, per spec.md §4.4.
func New(opts Options) (*Encoder, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("x264: invalid dimensions %dx%d", opts.Width, opts.Height)
	}

	var param C.x264_param_t
	preset := C.CString(opts.Preset)
	defer C.free(unsafe.Pointer(preset))
	if C.x264_param_default_preset(&param, preset, nil) < 0 {
		return nil, fmt.Errorf("x264: unknown preset %q", opts.Preset)
	}

	param.i_width = C.int(opts.Width)
	param.i_height = C.int(opts.Height)
	param.i_csp = C.X264_CSP_RGB
	param.b_vfr_input = 0
	param.b_repeat_headers = 0
	param.b_annexb = 1

	profile := C.CString("high444")
	defer C.free(unsafe.Pointer(profile))
	if C.x264_param_apply_profile(&param, profile) < 0 {
		return nil, fmt.Errorf("x264: could not apply profile high444")
	}

	e := &Encoder{}
	if C.x264_picture_alloc(&e.pic, param.i_csp, param.i_width, param.i_height) < 0 {
		return nil, fmt.Errorf("x264: picture_alloc failed")
	}

	e.h = C.x264_encoder_open(&param)
	if e.h == nil {
		C.x264_picture_clean(&e.pic)
		return nil, fmt.Errorf("x264: encoder_open failed")
	}
	e.opened = true
	return e, nil
}

// Headers returns the out-of-band SPS and PPS NAL units, available as
// soon as the encoder is opened and before any frame has been submitted.
func (e *Encoder) Headers() ([]nal.Unit, error) {
	var nals *C.x264_nal_t
	var n C.int
	size := C.x264_encoder_headers(e.h, &nals, &n)
	if size < 0 {
		return nil, fmt.Errorf("x264: encoder_headers failed")
	}
	return convertNALs(nals, int(n)), nil
}

// Encode submits one RGB frame (packed R,G,B, scanline order, no row
// padding, matching spec.md §3's output image layout) with the given
// integer presentation timestamp, and returns zero or more NAL units
// produced as a result -- libx264 may buffer frames internally (B-frame
// lookahead) and emit NALs for an earlier frame than the one just
// submitted, or emit none at all for this call.
func (e *Encoder) Encode(rgb []byte, pts int64) ([]nal.Unit, error) {
	plane := e.pic.img.plane[0]
	stride := int(e.pic.img.i_stride[0])
	need := stride * e.height()
	if len(rgb) < e.width()*e.height()*3 {
		return nil, fmt.Errorf("x264: short frame: have %d bytes, want %d", len(rgb), e.width()*e.height()*3)
	}
	if stride == e.width()*3 {
		C.memcpy(unsafe.Pointer(plane), unsafe.Pointer(&rgb[0]), C.size_t(need))
	} else {
		// Row stride padding differs from a tight packing; copy row by row.
		rowBytes := e.width() * 3
		for y := 0; y < e.height(); y++ {
			dst := unsafe.Pointer(uintptr(unsafe.Pointer(plane)) + uintptr(y*stride))
			src := unsafe.Pointer(&rgb[y*rowBytes])
			C.memcpy(dst, src, C.size_t(rowBytes))
		}
	}
	e.pic.i_pts = C.int64_t(pts)

	var nals *C.x264_nal_t
	var n C.int
	var picOut C.x264_picture_t
	size := C.x264_encoder_encode(e.h, &nals, &n, &e.pic, &picOut)
	if size < 0 {
		return nil, fmt.Errorf("x264: encoder_encode failed")
	}
	return convertNALs(nals, int(n)), nil
}

// Close releases the encoder and its internal picture buffer. Close must
// be called exactly once and no method may be called afterwards.
func (e *Encoder) Close() error {
	if !e.opened {
		return nil
	}
	C.x264_encoder_close(e.h)
	C.x264_picture_clean(&e.pic)
	e.opened = false
	return nil
}

func (e *Encoder) width() int  { return int(e.pic.img.i_width) }
func (e *Encoder) height() int { return int(e.pic.img.i_height) }

// convertNALs tags each libx264 NAL with the classification the muxer
// needs, per spec.md §4.4: SPS, PPS, IDR or non-IDR.
func convertNALs(nals *C.x264_nal_t, n int) []nal.Unit {
	if n == 0 {
		return nil
	}
	slice := unsafe.Slice(nals, n)
	out := make([]nal.Unit, 0, n)
	for _, u := range slice {
		t := nal.Other
		switch u.i_type {
		case C.NAL_SPS:
			t = nal.SPS
		case C.NAL_PPS:
			t = nal.PPS
		case C.NAL_SLICE_IDR:
			t = nal.IDR
		case C.NAL_SLICE:
			t = nal.NonIDR
		}
		payload := C.GoBytes(unsafe.Pointer(u.p_payload), u.i_payload)
		out = append(out, nal.Unit{Type: t, Payload: payload})
	}
	return out
}
