// Package capture implements the per-frame detile worker pool (spec.md
// §4.2) and the vblank-paced capture clock (spec.md §4.3).
//
// The pool owns N preallocated goroutines, one per online CPU, each bound
// to a fixed horizontal strip of the output image for the life of the
// pool. Per-frame rendezvous uses one single-slot channel per worker as
// its "may start" counting semaphore, and a sync.WaitGroup as the shared
// "has finished" counting semaphore the driver waits on; see spec.md §9's
// "global semaphore state" note, which asks only that the barrier be an
// explicitly-owned value rather than process-wide state; Go's standard
// concurrency primitives already satisfy the counting semantics the spec
// requires, so no third-party primitive is introduced here.
package capture

import (
	"fmt"
	"sync"

	"github.com/ausocean/drmrec/internal/detile"
)

// Strip describes one worker's immutable slice of the capture: its source
// geometry (shared by all workers) and its output row range.
type Strip struct {
	Params detile.Params
	Y0, Y1 int // output row range owned by this worker, [Y0,Y1).
}

// Pool is a fixed set of detile workers rendezvousing once per frame.
// A Pool must be created with NewPool and stopped with Stop exactly once.
type Pool struct {
	workers []worker
	wg      sync.WaitGroup
	stop    chan struct{}
	errs    chan error
}

type worker struct {
	strip    Strip
	mayStart chan struct{}
}

// NewPool creates a pool of len(strips) workers, each immediately started
// in its own goroutine and blocked waiting for the first "may start"
// signal. in is the mapped source framebuffer shared read-only by every
// worker; out is the RGB output image shared write-only, partitioned by
// strip.
func NewPool(in []byte, out []byte, strips []Strip) *Pool {
	p := &Pool{
		workers: make([]worker, len(strips)),
		stop:    make(chan struct{}),
		errs:    make(chan error, len(strips)),
	}
	for i, s := range strips {
		p.workers[i] = worker{strip: s, mayStart: make(chan struct{}, 1)}
		go p.run(i, in, out)
	}
	return p
}

// run is the body of worker i. It never touches memory outside its strip
// of out, and never writes to in.
func (p *Pool) run(i int, in, out []byte) {
	w := &p.workers[i]
	for {
		select {
		case <-w.mayStart:
		case <-p.stop:
			return
		}
		select {
		case <-p.stop:
			return
		default:
		}
		if err := detile.Strip(in, w.strip.Params, w.strip.Y0, w.strip.Y1, out); err != nil {
			select {
			case p.errs <- fmt.Errorf("worker %d: %w", i, err):
			default:
			}
		}
		p.wg.Done()
	}
}

// Frame releases every worker's "may start" token, then blocks until all
// workers have posted "has finished" for this frame (spec.md §4.2's
// rendezvous: the driver never starts worker i again until it has
// observed worker i's previous finish). It returns the first worker error
// observed during the frame, if any.
func (p *Pool) Frame() error {
	p.wg.Add(len(p.workers))
	for i := range p.workers {
		p.workers[i].mayStart <- struct{}{}
	}
	p.wg.Wait()
	select {
	case err := <-p.errs:
		return err
	default:
		return nil
	}
}

// Stop signals every worker to exit on its next rendezvous point; it does
// not wait for them to do so. Workers are never cancelled mid-strip; Stop
// only takes effect between frames, per spec.md §4.2's cooperative
// termination policy. Stop must be called exactly once.
func (p *Pool) Stop() {
	close(p.stop)
}
