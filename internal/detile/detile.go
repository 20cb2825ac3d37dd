// Package detile converts a rectangular region of a mapped scanout
// framebuffer into packed 24-bit RGB, undoing whatever pixel tiling layout
// the GPU used for the source buffer.
//
// Two source layouts are supported: Linear and TiledX4K (Intel-style
// X-tiling with 4 KiB tiles, 128x8 pixels at 4 bytes/pixel). Only the XR24
// (BGRX8888) fourcc is supported as a source pixel format; callers are
// expected to have already warned and substituted XR24/Linear for anything
// else, per the fallback policy described by the record driver.
package detile

import "fmt"

// Layout identifies the addressing scheme used by the source framebuffer.
type Layout int

const (
	Linear Layout = iota
	TiledX4K
)

// tileWidth and tileHeight are the pixel dimensions of an Intel X-tile;
// tileSize is its byte size at 4 bytes/pixel (128*8*4 == 4096).
const (
	tileWidth  = 128
	tileHeight = 8
	tileSize   = tileWidth * tileHeight * 4
)

// Params describes the source framebuffer and the sub-rectangle being
// captured. Pitch is the row stride in bytes of the source buffer.
type Params struct {
	Layout Layout
	Pitch  int
	X, Y   int // origin of the capture rectangle within the source.
	W, H   int // dimensions of the capture rectangle.
}

// validate checks the invariants spec.md §3 requires of a geometry; it is
// called once per frame by callers rather than per pixel.
func (p Params) validate() error {
	if p.W <= 0 || p.H <= 0 {
		return fmt.Errorf("detile: non-positive geometry %dx%d", p.W, p.H)
	}
	if p.X < 0 || p.Y < 0 {
		return fmt.Errorf("detile: negative origin (%d,%d)", p.X, p.Y)
	}
	if p.Layout == TiledX4K && p.Pitch/512 < 1 {
		return fmt.Errorf("detile: tile stride %d < 1 tile", p.Pitch/512)
	}
	return nil
}

// Strip converts destination rows [y0,y1) of the output image (rows are
// relative to the top of the capture rectangle, i.e. output row 0 is
// source row p.Y) from in, writing packed RGB scanlines into out. out must
// be sized for the full p.W*p.H*3 image; Strip only ever touches bytes in
// [y0*p.W*3, y1*p.W*3).
//
// Strip performs no allocation and never reads or writes outside of the
// byte ranges implied by in's length and the [y0,y1) output range, for any
// Params satisfying the invariants in spec.md §3.
func Strip(in []byte, p Params, y0, y1 int, out []byte) error {
	if err := p.validate(); err != nil {
		return err
	}
	if y0 < 0 || y1 > p.H || y0 > y1 {
		return fmt.Errorf("detile: strip range [%d,%d) outside [0,%d)", y0, y1, p.H)
	}
	if len(out) < p.W*p.H*3 {
		return fmt.Errorf("detile: output buffer too small: have %d, want %d", len(out), p.W*p.H*3)
	}

	switch p.Layout {
	case Linear:
		return stripLinear(in, p, y0, y1, out)
	case TiledX4K:
		return stripTiledX4K(in, p, y0, y1, out)
	default:
		return fmt.Errorf("detile: unknown layout %d", p.Layout)
	}
}

// stripLinear reads directly off the source bytes for each destination
// row; a whole scanline of the capture rectangle is contiguous in the
// source, so each row is a single bounds-checked slice-to-slice copy with
// a BGRX->RGB byte swap, no intermediate allocation.
func stripLinear(in []byte, p Params, y0, y1 int, out []byte) error {
	need := (p.Y+p.H-1)*p.Pitch + (p.X+p.W)*4
	if len(in) < need {
		return fmt.Errorf("detile: source buffer too small: have %d, want %d", len(in), need)
	}
	for dy := y0; dy < y1; dy++ {
		srcRow := (p.Y+dy)*p.Pitch + p.X*4
		dstRow := dy * p.W * 3
		srow := in[srcRow : srcRow+p.W*4]
		drow := out[dstRow : dstRow+p.W*3]
		for x := 0; x < p.W; x++ {
			b, g, r := srow[x*4], srow[x*4+1], srow[x*4+2]
			drow[x*3+0] = r
			drow[x*3+1] = g
			drow[x*3+2] = b
		}
	}
	return nil
}

// stripTiledX4K always addresses the source through the tile formula; it
// never takes the linear fast path, so the read pattern for a given pixel
// is identical regardless of how the strip boundaries happen to align
// with tile boundaries.
func stripTiledX4K(in []byte, p Params, y0, y1 int, out []byte) error {
	tileStride := p.Pitch / 512
	maxY := p.Y + p.H - 1
	maxX := p.X + p.W - 1
	need := tiledOffset(maxX, maxY, tileStride) + 4
	if len(in) < need {
		return fmt.Errorf("detile: source buffer too small: have %d, want %d", len(in), need)
	}
	for dy := y0; dy < y1; dy++ {
		srcY := p.Y + dy
		dstRow := dy * p.W * 3
		for dx := 0; dx < p.W; dx++ {
			srcX := p.X + dx
			off := tiledOffset(srcX, srcY, tileStride)
			b, g, r := in[off], in[off+1], in[off+2]
			o := dstRow + dx*3
			out[o+0] = r
			out[o+1] = g
			out[o+2] = b
		}
	}
	return nil
}

// tiledOffset computes the byte offset of pixel (x,y) in an X-tiled,
// 4 KiB-tile framebuffer with the given tile stride (tiles per row), per
// spec.md §4.1: src = (y/8)*4096*tileStride + (x/128)*4096 + (y%8)*512 + (x%128)*4.
func tiledOffset(x, y, tileStride int) int {
	return (y/tileHeight)*tileSize*tileStride + (x/tileWidth)*tileSize + (y%tileHeight)*512 + (x%tileWidth)*4
}

// StripHeight returns the number of output rows owned by worker i of n
// workers capturing an image of the given height, per spec.md §3's
// ceil(h/n) strip-assignment rule: worker i owns rows
// [i*stripH, min((i+1)*stripH, h)).
func StripHeight(h, n int) int {
	if n <= 0 {
		return h
	}
	return (h + n - 1) / n
}

// StripRange returns the half-open output row range [y0,y1) owned by
// worker i of n workers over an image of height h.
func StripRange(h, n, i int) (y0, y1 int) {
	sh := StripHeight(h, n)
	y0 = i * sh
	y1 = y0 + sh
	if y1 > h {
		y1 = h
	}
	if y0 > h {
		y0 = h
	}
	return y0, y1
}
