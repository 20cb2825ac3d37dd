package capture

import (
	"testing"

	"github.com/ausocean/drmrec/internal/detile"
)

func stripsFor(w, h, n int) []Strip {
	p := detile.Params{Layout: detile.Linear, Pitch: w * 4, W: w, H: h}
	strips := make([]Strip, n)
	for i := 0; i < n; i++ {
		y0, y1 := detile.StripRange(h, n, i)
		strips[i] = Strip{Params: p, Y0: y0, Y1: y1}
	}
	return strips
}

// TestFrameRendezvous checks spec.md §8's rendezvous invariant: after
// Frame returns, every worker's writes to its strip are visible, and
// running several frames in a row produces the same pixels as a direct
// whole-image detile.
func TestFrameRendezvous(t *testing.T) {
	const w, h, n = 64, 33, 5
	in := make([]byte, h*w*4)
	for i := range in {
		in[i] = byte(i)
	}
	want := make([]byte, w*h*3)
	whole := detile.Params{Layout: detile.Linear, Pitch: w * 4, W: w, H: h}
	if err := detile.Strip(in, whole, 0, h, want); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, w*h*3)
	pool := NewPool(in, out, stripsFor(w, h, n))
	defer pool.Stop()

	for frame := 0; frame < 3; frame++ {
		for i := range out {
			out[i] = 0xFF
		}
		if err := pool.Frame(); err != nil {
			t.Fatalf("frame %d: %v", frame, err)
		}
		for i := range out {
			if out[i] != want[i] {
				t.Fatalf("frame %d: byte %d: got %d, want %d", frame, i, out[i], want[i])
			}
		}
	}
}

// TestPoolStopCooperative checks that Stop causes all worker goroutines to
// exit without requiring a further Frame call.
func TestPoolStopCooperative(t *testing.T) {
	const w, h, n = 16, 16, 4
	in := make([]byte, h*w*4)
	out := make([]byte, w*h*3)
	pool := NewPool(in, out, stripsFor(w, h, n))
	if err := pool.Frame(); err != nil {
		t.Fatal(err)
	}
	pool.Stop()
	// A second Stop-adjacent Frame call would hang forever if workers
	// failed to exit; we don't call Frame again, we just rely on Stop
	// not blocking and the goroutines not leaking past their select on
	// the closed stop channel (verified by the race detector in CI).
}
