package capture

import "testing"

// fakeWaiter simulates hardware vblanks advancing by a scripted amount on
// each call, optionally skipping ahead to simulate missed frames.
type fakeWaiter struct {
	seq   uint32
	steps []uint32 // amount the hardware sequence advances on each call
	i     int
}

func (f *fakeWaiter) Wait(target uint32, relative bool) (uint32, error) {
	step := uint32(1)
	if f.i < len(f.steps) {
		step = f.steps[f.i]
	}
	f.i++
	f.seq += step
	if !relative && f.seq < target {
		f.seq = target
	}
	return f.seq, nil
}

func TestClockNoSkips(t *testing.T) {
	w := &fakeWaiter{steps: []uint32{1, 1, 1, 1}}
	c := NewClock(w, 1)

	r, err := c.Next()
	if err != nil || r.Skipped != 0 {
		t.Fatalf("first Next: %+v, %v", r, err)
	}
	start := r.Sequence
	for i := 0; i < 3; i++ {
		r, err = c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if r.Skipped != 0 {
			t.Fatalf("iteration %d: unexpected skip %d", i, r.Skipped)
		}
		if r.Sequence != start+uint32(i+1) {
			t.Fatalf("iteration %d: sequence = %d, want %d", i, r.Sequence, start+uint32(i+1))
		}
	}
}

func TestClockDetectsSkips(t *testing.T) {
	// interval=1, but the hardware jumps by 3 vblanks on the second call:
	// two skipped frames' worth of extra delta (3-1=2).
	w := &fakeWaiter{steps: []uint32{1, 3}}
	c := NewClock(w, 1)
	if _, err := c.Next(); err != nil {
		t.Fatal(err)
	}
	r, err := c.Next()
	if err != nil {
		t.Fatal(err)
	}
	if r.Skipped != 2 {
		t.Fatalf("Skipped = %d, want 2", r.Skipped)
	}
}

func TestClockMultiFrameInterval(t *testing.T) {
	// interval=3: every third vblank is captured; no skips expected when
	// the hardware advances in lockstep with the schedule.
	w := &fakeWaiter{steps: []uint32{1, 3, 3, 3}}
	c := NewClock(w, 3)
	if _, err := c.Next(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r, err := c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if r.Skipped != 0 {
			t.Fatalf("iteration %d: unexpected skip %d", i, r.Skipped)
		}
	}
}
