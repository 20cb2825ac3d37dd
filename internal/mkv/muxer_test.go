package mkv

import (
	"encoding/binary"
	"testing"

	"github.com/ausocean/drmrec/internal/nal"
)

// memFile is a growable in-memory io.WriterAt, standing in for the output
// file so these tests can inspect the exact byte layout without touching
// disk.
type memFile struct {
	b []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.b)) {
		grown := make([]byte, end)
		copy(grown, m.b)
		m.b = grown
	}
	copy(m.b[off:end], p)
	return len(p), nil
}

func testConfig() Config {
	return Config{
		Width:           64,
		Height:          32,
		FrameDurationNs: 16666667, // 60 Hz
		SPS:             []byte{0x67, 0x42, 0x00, 0x0A},
		PPS:             []byte{0x68, 0xCE, 0x3C, 0x80},
	}
}

func mustOpen(t *testing.T) (*memFile, *Muxer) {
	t.Helper()
	f := &memFile{}
	m, err := Open(f, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f, m
}

func frame(kind nal.Type, payload ...byte) nal.Unit {
	if len(payload) == 0 {
		payload = []byte{0x01, 0x02, 0x03}
	}
	return nal.Unit{Type: kind, Payload: payload}
}

// TestClusterSizeBackpatch checks spec.md §8's invariant: a closed
// cluster's 4-byte size field, masked to 28 bits, equals the number of
// bytes between the field's end and the start of whatever follows it.
func TestClusterSizeBackpatch(t *testing.T) {
	f, m := mustOpen(t)

	clusterOff := int64(len(f.b)) // cluster about to open (first frame is always a new cluster)
	if err := m.WriteFrame(frame(nal.IDR), 0); err != nil {
		t.Fatal(err)
	}
	// Keep the relative timestamp well under the 0x7FFF rollover bound so
	// this block lands in the same cluster as the IDR above.
	if err := m.WriteFrame(frame(nal.NonIDR), 2000); err != nil {
		t.Fatal(err)
	}
	nextClusterRelOffset := int64(len(f.b)) - clusterOff // where the *next* cluster/Cues will start, if closed now
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	sizeFieldOff := clusterOff + 4
	raw := binary.BigEndian.Uint32(f.b[sizeFieldOff : sizeFieldOff+4])
	size := raw &^ 0x10000000
	gotEnd := sizeFieldOff + 4 + int64(size)
	wantEnd := clusterOff + nextClusterRelOffset
	if gotEnd != wantEnd {
		t.Fatalf("cluster size field implies end offset %d, want %d", gotEnd, wantEnd)
	}
}

// TestSimpleBlockFlagsByteAlwaysZero checks spec.md §4.5's exact SimpleBlock
// byte layout: track-number byte 0x81, a big-endian 16-bit relative
// timestamp, then a flags byte that is always 0x00, keyframe or not -- the
// Matroska "keyframe" bit is never set here.
func TestSimpleBlockFlagsByteAlwaysZero(t *testing.T) {
	f, m := mustOpen(t)

	idrBlockStart := int64(len(f.b)) + 8 + 10 // new cluster: id+size (8) + Timestamp sub-element (10)
	if err := m.WriteFrame(frame(nal.IDR), 0); err != nil {
		t.Fatal(err)
	}
	nonIDRBlockStart := int64(len(f.b)) // same cluster: block is the only thing appended
	if err := m.WriteFrame(frame(nal.NonIDR), 2000); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	// flags byte offset within a block: id(1) + size(4) + track(1) + timestamp(2).
	for _, start := range []int64{idrBlockStart, nonIDRBlockStart} {
		flagsOff := start + 8
		if got := f.b[flagsOff]; got != 0x00 {
			t.Fatalf("flags byte at offset %d = 0x%02x, want 0x00", flagsOff, got)
		}
	}
}

// TestCueConsistency checks spec.md §8: for every IDR, the cue index has
// one entry whose cluster_position is the containing cluster's
// segment-relative offset and whose relative_position is the SimpleBlock's
// byte offset within that cluster.
func TestCueConsistency(t *testing.T) {
	f, m := mustOpen(t)

	// The first cluster opens right after the SeekHead, Info and Tracks.
	wantClusterOffset := uint32(int64(len(f.b)) - m.segmentBodyStart)
	if err := m.WriteFrame(frame(nal.IDR), 0); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 5; i++ {
		if err := m.WriteFrame(frame(nal.NonIDR), uint64(i)*1666667); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if got := m.cues.Len(); got != 1 {
		t.Fatalf("cue count = %d, want 1", got)
	}
	var entry CueEntry
	m.cues.Each(func(e CueEntry) { entry = e })
	if entry.ClusterOffset != wantClusterOffset {
		t.Fatalf("cluster offset = %d, want %d (first cluster in segment)", entry.ClusterOffset, wantClusterOffset)
	}
	if entry.RelativeOffset != 10 {
		t.Fatalf("relative offset = %d, want 10 (only the cluster's Timestamp child precedes it)", entry.RelativeOffset)
	}
}

// TestSegmentSizeBackpatch checks spec.md §8: the Segment's size field
// equals end_of_file - segment_body_start.
func TestSegmentSizeBackpatch(t *testing.T) {
	f, m := mustOpen(t)
	for i := 0; i < 10; i++ {
		kind := nal.NonIDR
		if i == 0 {
			kind = nal.IDR
		}
		if err := m.WriteFrame(frame(kind), uint64(i)*1666667); err != nil {
			t.Fatal(err)
		}
	}
	segmentBodyStart := m.segmentBodyStart
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	raw := binary.BigEndian.Uint32(f.b[segmentBodyStart-4 : segmentBodyStart])
	size := raw &^ 0x10000000
	if int64(size) != int64(len(f.b))-segmentBodyStart {
		t.Fatalf("segment size = %d, want %d", size, int64(len(f.b))-segmentBodyStart)
	}
}

// TestClusterRolloverByTimestamp reproduces spec.md §8 scenario 4: at 60 Hz
// (frame_duration_ns = 16666667) the first cluster closes exactly at the
// frame where num_frames_within_cluster * frame_duration_ns first exceeds
// 0x7FFF.
func TestClusterRolloverByTimestamp(t *testing.T) {
	const dur = 16666667
	_, m := mustOpen(t)

	if err := m.WriteFrame(frame(nal.IDR), 0); err != nil {
		t.Fatal(err)
	}
	firstClusterOffset := m.cluster.segOffset
	frames := 1 // the opening IDR belongs to the first cluster
	for n := 1; ; n++ {
		ts := uint64(n) * dur
		if err := m.WriteFrame(frame(nal.NonIDR), ts); err != nil {
			t.Fatal(err)
		}
		if m.cluster.segOffset != firstClusterOffset {
			break // this frame's relative ts exceeded the bound, so it opened a new cluster
		}
		frames++
		if n > 10 {
			t.Fatal("cluster never rolled over")
		}
	}

	// At 60 Hz, frame_duration_ns (16666667) already exceeds the 0x7FFF
	// relative-timestamp bound on its own, so the first cluster holds
	// floor(0x7FFF/frame_duration_ns)+1 frames -- just the opening IDR here.
	want := 0x7FFF/dur + 1
	if frames != want {
		t.Fatalf("first cluster held %d frames before rollover, want %d", frames, want)
	}
}

// TestClusterRolloverByIDR reproduces spec.md §8 scenario 5: an IDR at
// frame 10 forces a new cluster, with a cue entry at relative_position 10.
func TestClusterRolloverByIDR(t *testing.T) {
	_, m := mustOpen(t)

	if err := m.WriteFrame(frame(nal.IDR), 0); err != nil {
		t.Fatal(err)
	}
	firstOffset := m.cluster.segOffset
	for i := 1; i < 10; i++ {
		if err := m.WriteFrame(frame(nal.NonIDR), uint64(i)*1000); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.WriteFrame(frame(nal.IDR), 10000); err != nil {
		t.Fatal(err)
	}
	if m.cluster.segOffset == firstOffset {
		t.Fatal("expected a new cluster on the second IDR")
	}

	var last CueEntry
	m.cues.Each(func(e CueEntry) { last = e })
	if last.ClusterOffset != m.cluster.segOffset {
		t.Fatalf("cue cluster offset = %d, want %d", last.ClusterOffset, m.cluster.segOffset)
	}
	if last.RelativeOffset != 10 {
		t.Fatalf("cue relative offset = %d, want 10", last.RelativeOffset)
	}
}

// TestFinalization reproduces spec.md §8 scenario 6: 200 frames with 3
// IDRs produce exactly 3 CuePoints, a back-patched SeekHead Cues position,
// and a correct Segment size.
func TestFinalization(t *testing.T) {
	f, m := mustOpen(t)
	idrEvery := 70
	for i := 0; i < 200; i++ {
		kind := nal.NonIDR
		if i%idrEvery == 0 {
			kind = nal.IDR
		}
		if err := m.WriteFrame(frame(kind), uint64(i)*1666667); err != nil {
			t.Fatal(err)
		}
	}
	cuesPatchOff := m.cuesSeekPatch
	segmentBodyStart := m.segmentBodyStart
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if got := m.cues.Len(); got != 3 {
		t.Fatalf("cue count = %d, want 3", got)
	}

	wantCuesOffset := binary.BigEndian.Uint32(f.b[cuesPatchOff : cuesPatchOff+4])
	gotCuesAbs := segmentBodyStart + int64(wantCuesOffset)
	if got := f.b[gotCuesAbs : gotCuesAbs+4]; string(got) != string(idCues) {
		t.Fatalf("seek head cues position does not point at a Cues element: got id bytes %x", got)
	}

	sizeFieldOff := segmentBodyStart - 4
	raw := binary.BigEndian.Uint32(f.b[sizeFieldOff : sizeFieldOff+4])
	size := raw &^ 0x10000000
	if int64(size) != int64(len(f.b))-segmentBodyStart {
		t.Fatalf("segment size = %d, want %d", size, int64(len(f.b))-segmentBodyStart)
	}
}
