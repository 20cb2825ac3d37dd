package record

import (
	"testing"

	"github.com/ausocean/drmrec/config"
	"github.com/ausocean/drmrec/internal/detile"
	"github.com/ausocean/drmrec/internal/fb"
	"github.com/ausocean/drmrec/internal/nal"
)

func TestSplitHeaders(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x0A}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	units := []nal.Unit{
		{Type: nal.PPS, Payload: pps},
		{Type: nal.SPS, Payload: sps},
	}
	gotSPS, gotPPS, err := splitHeaders(units)
	if err != nil {
		t.Fatalf("splitHeaders: %v", err)
	}
	if string(gotSPS) != string(sps) || string(gotPPS) != string(pps) {
		t.Fatalf("got sps=%x pps=%x, want sps=%x pps=%x", gotSPS, gotPPS, sps, pps)
	}
}

func TestSplitHeadersMissingPPS(t *testing.T) {
	units := []nal.Unit{{Type: nal.SPS, Payload: []byte{0x67}}}
	if _, _, err := splitHeaders(units); err == nil {
		t.Fatal("expected an error when PPS is missing")
	}
}

func TestBuildStripsCoversFullHeightExactlyOnce(t *testing.T) {
	view := &fb.View{Width: 64, Height: 32, PitchBytes: 256, Modifier: fb.ModifierLinear}
	g := config.Geometry{X: 0, Y: 0, W: 64, H: 32, WSet: true, HSet: true}

	strips := buildStrips(view, g, 4)
	if len(strips) != 4 {
		t.Fatalf("got %d strips, want 4", len(strips))
	}

	covered := make([]bool, g.H)
	for _, s := range strips {
		if s.Params.Layout != detile.Linear {
			t.Fatalf("strip layout = %v, want Linear", s.Params.Layout)
		}
		for y := s.Y0; y < s.Y1; y++ {
			if covered[y] {
				t.Fatalf("row %d covered by more than one strip", y)
			}
			covered[y] = true
		}
	}
	for y, ok := range covered {
		if !ok {
			t.Fatalf("row %d not covered by any strip", y)
		}
	}
}

func TestBuildStripsSelectsTiledLayout(t *testing.T) {
	view := &fb.View{Width: 64, Height: 32, PitchBytes: 4096, Modifier: fb.ModifierXTiled4K}
	g := config.Geometry{X: 0, Y: 0, W: 64, H: 32, WSet: true, HSet: true}

	strips := buildStrips(view, g, 2)
	for _, s := range strips {
		if s.Params.Layout != detile.TiledX4K {
			t.Fatalf("strip layout = %v, want TiledX4K", s.Params.Layout)
		}
	}
}
