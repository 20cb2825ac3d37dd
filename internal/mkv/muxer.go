package mkv

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ausocean/drmrec/internal/nal"
	"github.com/ausocean/utils/logging"
)

const pkg = "mkv: "

// rolloverRelTime is the largest relative timestamp, in ticks, a cluster
// may hold before the muxer must start a new one, per spec.md §4.5's
// cluster rollover policy. A fresh cluster is also forced on every IDR so
// that every cue point lands on a cluster boundary.
const rolloverRelTime = 0x7FFF

// deferredSize is a handle to an EBML element's 4-byte size field, left as
// 0x10000000 (a 28-bit length of zero) when the element is opened and
// patched with 0x10000000|size once the element's content is known, per
// spec.md §4.5's back-patching requirement. Every size-bearing element
// this muxer writes -- Segment, Cluster -- uses this same 4-byte, 28-bit
// form uniformly, resolving spec.md §9's open question in favour of one
// consistent width rather than the smallest width that happens to fit.
type deferredSize struct {
	offset int64
}

// Config describes the single video track this muxer writes.
type Config struct {
	Width, Height   uint16
	FrameDurationNs uint64 // DefaultDuration, per spec.md §6's -y flag and frame rate
	SPS, PPS        []byte // used to build the AVCDecoderConfigurationRecord
}

// Muxer writes a single finalized Matroska file containing one AVC video
// track, per spec.md §4.5. Frames must be submitted in increasing
// presentation-timestamp order; Close must be called exactly once to
// back-patch the Segment size, the final Cluster size, and the Cues
// element's SeekHead entry.
type Muxer struct {
	w   io.WriterAt
	log logging.Logger
	pos int64

	cfg              Config
	segmentBodyStart int64
	segSize          deferredSize
	cuesSeekPatch    int64 // absolute offset of the SeekHead's Cues position field

	cluster  *clusterState
	cues     CueIndex
	trackNum uint64
}

// clusterState tracks the in-progress Cluster: its own back-patchable size
// field, its base timestamp, and the running byte count of its content
// (starting at 10, the size of the Cluster's mandatory Timestamp child),
// used to record each SimpleBlock's offset for the cue index.
type clusterState struct {
	size        deferredSize
	segOffset   uint32 // segment-relative offset of the Cluster element itself
	baseTicks   uint64
	runningSize uint32
}

// Open writes the EBML header, opens the Segment, and writes the SeekHead,
// Info and Tracks elements. w must support WriteAt at arbitrary, possibly
// already-written offsets; *os.File satisfies this.
func Open(w io.WriterAt, cfg Config, log logging.Logger) (*Muxer, error) {
	m := &Muxer{w: w, log: log, cfg: cfg, trackNum: 1}

	if err := m.write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("matroska")),
		ebmlElem(idDocTypeVer, ebmlUint(4)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	))); err != nil {
		return nil, fmt.Errorf(pkg+"write EBML header: %w", err)
	}

	var err error
	m.segSize, err = m.openSized(idSegment)
	if err != nil {
		return nil, fmt.Errorf(pkg+"open segment: %w", err)
	}
	m.segmentBodyStart = m.pos

	info := ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1)),
		ebmlElem(idMuxApp, []byte("drmrec")),
		ebmlElem(idWrtApp, []byte("drmrec")),
	))

	tracks, err := m.buildTracks(cfg)
	if err != nil {
		return nil, err
	}

	seekHead, cuesFieldOff := buildSeekHead(uint32(len(info)))

	seekHeadStart := m.pos
	if err := m.write(seekHead); err != nil {
		return nil, fmt.Errorf(pkg+"write seek head: %w", err)
	}
	m.cuesSeekPatch = seekHeadStart + cuesFieldOff

	if err := m.write(info); err != nil {
		return nil, fmt.Errorf(pkg+"write info: %w", err)
	}
	if err := m.write(tracks); err != nil {
		return nil, fmt.Errorf(pkg+"write tracks: %w", err)
	}

	if m.log != nil {
		m.log.Info(pkg+"opened", "width", cfg.Width, "height", cfg.Height)
	}
	return m, nil
}

// buildTracks assembles the Tracks element: a single video TrackEntry with
// an AVCDecoderConfigurationRecord CodecPrivate. Per spec.md §4.5, the
// CodecPrivate, TrackEntry and Tracks elements are all single-byte-size
// EBML elements, so a configuration record (and hence a profile/level
// combination) large enough to push any of them past 126 bytes is a
// configuration error, not silently widened.
func (m *Muxer) buildTracks(cfg Config) ([]byte, error) {
	avcc := buildAVCConfig(cfg.SPS, cfg.PPS)
	codecPriv, err := ebmlElem1Byte(idCodecPrv, avcc)
	if err != nil {
		return nil, fmt.Errorf(pkg+"codec private: %w", err)
	}

	video := ebmlElem(idVideo, ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(cfg.Width))),
		ebmlElem(idPixelH, ebmlUint(uint64(cfg.Height))),
	))

	entryBody := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(m.trackNum)),
		ebmlElem(idTrackUID, ebmlUint(m.trackNum)),
		ebmlElem(idTrackType, []byte{0x01}), // 1 == video
		ebmlElem(idDefaultDuration, ebmlUint(cfg.FrameDurationNs)),
		ebmlElem(idCodecID, []byte("V_MPEG4/ISO/AVC")),
		codecPriv,
		video,
	)
	entry, err := ebmlElem1Byte(idTrackEntry, entryBody)
	if err != nil {
		return nil, fmt.Errorf(pkg+"track entry: %w", err)
	}
	tracks, err := ebmlElem1Byte(idTracks, entry)
	if err != nil {
		return nil, fmt.Errorf(pkg+"tracks: %w", err)
	}
	return tracks, nil
}

// buildAVCConfig assembles an AVCDecoderConfigurationRecord from one SPS
// and one PPS, exactly as spec.md §4.5 specifies: a fixed 6-byte prefix,
// then a length-prefixed SPS and a length-prefixed PPS, each counted (0x01)
// singly.
func buildAVCConfig(sps, pps []byte) []byte {
	b := []byte{0x01, 0x42, 0xC0, 0x1F, 0xFF, 0xE1}
	b = appendU16(b, len(sps))
	b = append(b, sps...)
	b = append(b, 0x01)
	b = appendU16(b, len(pps))
	b = append(b, pps...)
	return b
}

func appendU16(b []byte, v int) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	return append(b, tmp[:]...)
}

// buildSeekHead writes two Seek entries, for Info and Tracks (whose
// segment-relative offsets are already known, since both elements are
// fully built in memory before this is called) and a third, placeholder,
// entry for Cues, whose offset is not known until Close. It returns the
// encoded SeekHead along with the byte offset, within that encoding, of
// the Cues entry's SeekPosition value -- the caller patches that location
// once the real file offset is known.
func buildSeekHead(infoLen uint32) (encoded []byte, cuesFieldOffset int64) {
	build := func(infoPos, tracksPos uint32) []byte {
		seekInfo := ebmlElem(idSeek, ebmlConcat(
			ebmlElem(idSeekID, idInfo),
			ebmlElem(idSeekPosition, fixedUint32(infoPos)),
		))
		seekTracks := ebmlElem(idSeek, ebmlConcat(
			ebmlElem(idSeekID, idTracks),
			ebmlElem(idSeekPosition, fixedUint32(tracksPos)),
		))
		seekCues := ebmlElem(idSeek, ebmlConcat(
			ebmlElem(idSeekID, idCues),
			ebmlElem(idSeekPosition, fixedUint32(0)),
		))
		return ebmlElem(idSeekHead, ebmlConcat(seekInfo, seekTracks, seekCues))
	}

	// The SeekHead sits at segment position 0, followed by Info, then
	// Tracks. Every SeekPosition is a fixed 4 bytes, so the encoded length
	// does not depend on the positions written into it.
	headLen := uint32(len(build(0, 0)))
	head := build(headLen, headLen+infoLen)

	// The Cues SeekPosition's 4 value bytes are the last 4 bytes of seekCues,
	// which is the last element appended to body.
	cuesValOffsetInHead := len(head) - 4
	return head, int64(cuesValOffsetInHead)
}

// WriteFrame appends one NAL unit (an IDR or non-IDR slice; SPS/PPS are
// carried once in CodecPrivate and never repeated in-stream, per spec.md
// §4.4's b_repeat_headers=0) as one SimpleBlock, opening a new Cluster
// first if required by the rollover policy.
func (m *Muxer) WriteFrame(u nal.Unit, ptsTicks uint64) error {
	keyframe := u.Type == nal.IDR
	if m.needsNewCluster(keyframe, ptsTicks) {
		if m.cluster != nil {
			if err := m.closeCluster(); err != nil {
				return err
			}
		}
		if err := m.openCluster(ptsTicks); err != nil {
			return err
		}
	}

	relTicks := ptsTicks - m.cluster.baseTicks
	if relTicks > rolloverRelTime {
		return fmt.Errorf(pkg+"relative timestamp %d exceeds cluster rollover bound; rollover policy did not trigger", relTicks)
	}

	blockOffset := m.cluster.runningSize
	content := make([]byte, 0, 4+len(u.Payload))
	content = append(content, 0x81) // track number vint, track 1
	var tsBuf [2]byte
	binary.BigEndian.PutUint16(tsBuf[:], uint16(int16(relTicks)))
	content = append(content, tsBuf[:]...)
	content = append(content, 0x00) // flags byte, per spec.md §4.5: always 0x00.
	content = append(content, u.Payload...)

	if len(content) >= 0x10000000 {
		return fmt.Errorf(pkg+"simple block content too large for a 28-bit size field: %d bytes", len(content))
	}
	block := ebmlConcat(idSimpleBlock, fixedUint32(0x10000000|uint32(len(content))), content)
	if err := m.write(block); err != nil {
		return fmt.Errorf(pkg+"write simple block: %w", err)
	}
	m.cluster.runningSize += uint32(len(block))

	if keyframe {
		m.cues.Append(CueEntry{
			Timestamp:      ptsTicks,
			ClusterOffset:  m.cluster.segOffset,
			RelativeOffset: blockOffset,
		})
	}
	return nil
}

// needsNewCluster applies spec.md §4.5's rollover policy: start a new
// cluster when none is open, when the frame is an IDR (so every cue point
// begins a cluster), or when the frame's relative timestamp against the
// current cluster's base would exceed the 16-bit signed range a
// SimpleBlock timestamp can encode.
func (m *Muxer) needsNewCluster(keyframe bool, ptsTicks uint64) bool {
	if m.cluster == nil || keyframe {
		return true
	}
	rel := ptsTicks - m.cluster.baseTicks
	return rel > rolloverRelTime
}

func (m *Muxer) openCluster(baseTicks uint64) error {
	segOffset := uint32(m.pos - m.segmentBodyStart)
	size, err := m.openSized(idCluster)
	if err != nil {
		return fmt.Errorf(pkg+"open cluster: %w", err)
	}
	ts := ebmlConcat(idTimestamp, []byte{0x88}, fixedUint64(baseTicks))
	if err := m.write(ts); err != nil {
		return fmt.Errorf(pkg+"write cluster timestamp: %w", err)
	}
	m.cluster = &clusterState{
		size:        size,
		segOffset:   segOffset,
		baseTicks:   baseTicks,
		runningSize: uint32(len(ts)),
	}
	return nil
}

func (m *Muxer) closeCluster() error {
	if err := m.closeSized(m.cluster.size); err != nil {
		return fmt.Errorf(pkg+"close cluster: %w", err)
	}
	m.cluster = nil
	return nil
}

// Close writes the Cues element, back-patches the SeekHead's Cues
// position and the final Cluster and Segment sizes, and leaves the file
// ready for playback. Close must be called exactly once.
func (m *Muxer) Close() error {
	if m.cluster != nil {
		if err := m.closeCluster(); err != nil {
			return err
		}
	}

	cuesOffset := uint32(m.pos - m.segmentBodyStart)
	var body []byte
	m.cues.Each(func(e CueEntry) {
		point := ebmlElem(idCuePoint, ebmlConcat(
			ebmlElem(idCueTime, ebmlUint(e.Timestamp)),
			ebmlElem(idCueTrackPos, ebmlConcat(
				ebmlElem(idCueTrack, ebmlUint(m.trackNum)),
				ebmlElem(idCueCluster, fixedUint32(e.ClusterOffset)),
				ebmlElem(idCueRelPos, fixedUint32(e.RelativeOffset)),
			)),
		))
		body = append(body, point...)
	})
	if err := m.write(ebmlElem(idCues, body)); err != nil {
		return fmt.Errorf(pkg+"write cues: %w", err)
	}

	if err := m.patchAt(m.cuesSeekPatch, fixedUint32(cuesOffset)); err != nil {
		return fmt.Errorf(pkg+"patch seek head cues position: %w", err)
	}

	if err := m.closeSized(m.segSize); err != nil {
		return fmt.Errorf(pkg+"close segment: %w", err)
	}

	if m.log != nil {
		m.log.Info(pkg+"closed", "cues", m.cues.Len())
	}
	return nil
}

func (m *Muxer) write(p []byte) error {
	_, err := m.w.WriteAt(p, m.pos)
	if err != nil {
		return err
	}
	m.pos += int64(len(p))
	return nil
}

func (m *Muxer) patchAt(off int64, p []byte) error {
	_, err := m.w.WriteAt(p, off)
	return err
}

// openSized writes id followed by a 4-byte placeholder size field
// (0x10000000, i.e. a 28-bit length of zero) and returns a handle that
// closeSized later patches with the element's real content length.
func (m *Muxer) openSized(id []byte) (deferredSize, error) {
	if err := m.write(id); err != nil {
		return deferredSize{}, err
	}
	off := m.pos
	if err := m.write(fixedUint32(0x10000000)); err != nil {
		return deferredSize{}, err
	}
	return deferredSize{offset: off}, nil
}

// closeSized patches d's size field with the number of bytes written
// since it was opened.
func (m *Muxer) closeSized(d deferredSize) error {
	size := m.pos - (d.offset + 4)
	if size < 0 || size >= 0x10000000 {
		return fmt.Errorf(pkg+"element size %d out of range for a 28-bit field", size)
	}
	return m.patchAt(d.offset, fixedUint32(0x10000000|uint32(size)))
}
