package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-h"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Fatalf("help text missing from stdout: %q", stdout.String())
	}
}

func TestRunNoModeIsFatal(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-p", "fast"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected a diagnostic on stderr")
	}
}

// decodePPM parses a binary PPM (P6) image written by writePPM, returning
// its dimensions and pixel data.
func decodePPM(t *testing.T, data []byte) (w, h int, rgb []byte) {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(data))
	var magic string
	var maxval int
	if _, err := fmt.Fscanf(r, "%s\n%d\n%d\n%d\n", &magic, &w, &h, &maxval); err != nil {
		t.Fatalf("decodePPM: header: %v", err)
	}
	if magic != "P6" {
		t.Fatalf("decodePPM: magic = %q, want P6", magic)
	}
	if maxval != 255 {
		t.Fatalf("decodePPM: maxval = %d, want 255", maxval)
	}
	rgb = make([]byte, w*h*3)
	if _, err := io.ReadFull(r, rgb); err != nil {
		t.Fatalf("decodePPM: pixel data: %v", err)
	}
	return w, h, rgb
}

// TestPPMRoundTrip checks spec.md §8's round-trip law: decode(encode(img))
// == img for any w,h > 0 and XR24 linear source (here already detiled to
// packed RGB, since writePPM's input is always post-detile).
func TestPPMRoundTrip(t *testing.T) {
	const w, h = 7, 5
	rgb := make([]byte, w*h*3)
	for i := range rgb {
		rgb[i] = byte(i * 31)
	}

	var buf bytes.Buffer
	if err := writePPM(&buf, w, h, rgb); err != nil {
		t.Fatalf("writePPM: %v", err)
	}

	gotW, gotH, gotRGB := decodePPM(t, buf.Bytes())
	if gotW != w || gotH != h {
		t.Fatalf("decoded dimensions = %dx%d, want %dx%d", gotW, gotH, w, h)
	}
	if !bytes.Equal(gotRGB, rgb) {
		t.Fatalf("decoded pixel data does not match original")
	}
}

func TestRunRecordWithoutOutputIsFatal(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-r"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
