package main

import (
	"runtime"

	"github.com/ausocean/drmrec/config"
	"github.com/ausocean/drmrec/internal/capture"
	"github.com/ausocean/drmrec/internal/detile"
	"github.com/ausocean/drmrec/internal/fb"
)

// captureOneFrame detiles a single frame of view's current contents into
// an RGB buffer, for --take-screenshot. It reuses the same worker pool
// spec.md §4.2 describes for continuous recording, run for exactly one
// frame, rather than a separate single-threaded code path.
func captureOneFrame(view *fb.View, g config.Geometry) ([]byte, error) {
	layout := detile.Linear
	if view.Modifier == fb.ModifierXTiled4K {
		layout = detile.TiledX4K
	}
	params := detile.Params{
		Layout: layout,
		Pitch:  view.PitchBytes,
		X:      g.X,
		Y:      g.Y,
		W:      g.W,
		H:      g.H,
	}

	n := runtime.NumCPU()
	if n > g.H {
		n = g.H
	}
	if n < 1 {
		n = 1
	}
	strips := make([]capture.Strip, n)
	for i := 0; i < n; i++ {
		y0, y1 := detile.StripRange(g.H, n, i)
		strips[i] = capture.Strip{Params: params, Y0: y0, Y1: y1}
	}

	rgb := make([]byte, g.W*g.H*3)
	pool := capture.NewPool(view.Bytes, rgb, strips)
	defer pool.Stop()
	if err := pool.Frame(); err != nil {
		return nil, err
	}
	return rgb, nil
}
