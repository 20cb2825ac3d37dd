package mkv

// CueEntry is one seek point: the presentation timestamp of an IDR frame
// and the byte offsets needed to locate it without a full linear scan.
type CueEntry struct {
	Timestamp      uint64 // ticks, TimestampScale == 1 so this is nanoseconds
	ClusterOffset  uint32 // segment-relative byte offset of the Cluster element
	RelativeOffset uint32 // byte offset of the SimpleBlock within that cluster
}

// cueChunkSize bounds the growth of each underlying chunk; CueIndex grows
// by appending a fresh chunk rather than reallocating and copying the
// whole index, per spec.md §4.6's append-only requirement.
const cueChunkSize = 2048

// CueIndex is a chunked, append-only list of CueEntry. It never discards
// or reorders entries: one is appended for every IDR frame, in increasing
// timestamp order, and the whole index is walked once at finalization to
// write the Cues element.
type CueIndex struct {
	chunks [][]CueEntry
}

// Append adds e as the newest entry.
func (c *CueIndex) Append(e CueEntry) {
	if len(c.chunks) == 0 || len(c.chunks[len(c.chunks)-1]) == cueChunkSize {
		c.chunks = append(c.chunks, make([]CueEntry, 0, cueChunkSize))
	}
	last := len(c.chunks) - 1
	c.chunks[last] = append(c.chunks[last], e)
}

// Len returns the total number of entries across all chunks.
func (c *CueIndex) Len() int {
	n := 0
	for _, chunk := range c.chunks {
		n += len(chunk)
	}
	return n
}

// Each calls fn for every entry in append order.
func (c *CueIndex) Each(fn func(CueEntry)) {
	for _, chunk := range c.chunks {
		for _, e := range chunk {
			fn(e)
		}
	}
}
