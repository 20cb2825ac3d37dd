// Package mkv implements the Matroska container writer (spec.md §4.5) and
// its cue index (§4.6): a hand-built EBML/Segment scaffold with inline AVC
// decoder configuration, cluster/block emission with back-patched sizes,
// and a final Cues element with back-patched seek offsets.
//
// The low-level EBML helpers here (vint encoding, element framing) are
// grounded on the WebM/EBML encoder in this codebase's reference material
// (a from-scratch EBML writer for a VP8/Opus live stream); this package
// generalizes that approach from a streaming "unknown size" WebM init
// segment to a finalized, seekable Matroska file whose Segment and
// Cluster sizes are known and back-patched once their content is written.
package mkv

import "encoding/binary"

// Matroska/EBML element IDs used by this muxer. Each slice already
// includes the EBML class-width marker bits baked into the ID bytes, as
// is conventional for these well-known IDs.
var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}

	idSegment = []byte{0x18, 0x53, 0x80, 0x67}

	idSeekHead     = []byte{0x11, 0x4D, 0x9B, 0x74}
	idSeek         = []byte{0x4D, 0xBB}
	idSeekID       = []byte{0x53, 0xAB}
	idSeekPosition = []byte{0x53, 0xAC}

	idInfo    = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp  = []byte{0x4D, 0x80}
	idWrtApp  = []byte{0x57, 0x41}

	idTracks          = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry      = []byte{0xAE}
	idTrackNum        = []byte{0xD7}
	idTrackUID        = []byte{0x73, 0xC5}
	idTrackType       = []byte{0x83}
	idDefaultDuration = []byte{0x23, 0xE3, 0x83}
	idCodecID         = []byte{0x86}
	idCodecPrv        = []byte{0x63, 0xA2}
	idVideo           = []byte{0xE0}
	idPixelW          = []byte{0xB0}
	idPixelH          = []byte{0xBA}

	idCluster     = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimestamp   = []byte{0xE7}
	idSimpleBlock = []byte{0xA3}

	idCues        = []byte{0x1C, 0x53, 0xBB, 0x6B}
	idCuePoint    = []byte{0xBB}
	idCueTime     = []byte{0xB3}
	idCueTrackPos = []byte{0xB7}
	idCueTrack    = []byte{0xF7}
	idCueCluster  = []byte{0xF1}
	idCueRelPos   = []byte{0xF0}
)

// ebmlVint encodes v as a variable-length EBML "data size" descriptor,
// choosing the minimal width (1 to 8 bytes) that can represent v, per the
// EBML vint encoding (a leading marker bit followed by the value).
func ebmlVint(v uint64) []byte {
	for width := 1; width <= 8; width++ {
		bits := uint(7 * width)
		if width == 8 || v < (uint64(1)<<bits)-1 {
			b := make([]byte, width)
			for i := width - 1; i >= 0; i-- {
				b[i] = byte(v)
				v >>= 8
			}
			b[0] |= 1 << uint(8-width)
			return b
		}
	}
	panic("ebmlVint: value too large")
}

// ebmlUint encodes v in the minimal number of big-endian bytes (at least
// one byte, for v == 0).
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// fixedUint64 encodes v as a full 8-byte big-endian value.
func fixedUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// fixedUint32 encodes v as a full 4-byte big-endian value.
func fixedUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// ebmlElem encodes a complete EBML element: id, then a variable-length
// size descriptor for len(data), then data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlConcat joins byte slices.
func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// ebmlElem1Byte encodes an element whose size descriptor is constrained to
// a single byte (marker bit 0x80 plus 7 value bits), per spec.md §4.5's
// hard limit on the Track Entry, Tracks, and CodecPrivate elements: sizes
// of 127 (0x7F, the EBML reserved "unknown size" value in this width) and
// above are rejected as a configuration error rather than silently
// widened to a multi-byte size descriptor.
func ebmlElem1Byte(id, data []byte) ([]byte, error) {
	if len(data) > 126 {
		return nil, errTooLarge(len(data))
	}
	b := make([]byte, 0, len(id)+1+len(data))
	b = append(b, id...)
	b = append(b, 0x80|byte(len(data)))
	return append(b, data...), nil
}

type errTooLarge int

func (e errTooLarge) Error() string {
	return "mkv: element size exceeds the single-byte EBML length limit (126)"
}
