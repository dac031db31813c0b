package gan

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

// TestToImage verifies [-1, 1] values map to [0, 255] with clipping.
func TestToImage(t *testing.T) {
	chw := []float32{
		-1, 1, 3, 0, // R
		0, 0, 0, 0, // G
		1, -1, -3, 0, // B
	}
	img := ToImage(chw, 2)
	tests := []struct {
		x, y int
		want color.NRGBA
	}{
		{0, 0, color.NRGBA{R: 0, G: 127, B: 255, A: 255}},
		{1, 0, color.NRGBA{R: 255, G: 127, B: 0, A: 255}},
		{0, 1, color.NRGBA{R: 255, G: 127, B: 0, A: 255}},
	}
	for _, tt := range tests {
		if got := img.NRGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("pixel (%d,%d): expected %v, got %v", tt.x, tt.y, tt.want, got)
		}
	}
}

// TestPlotSink verifies sample images and loss curves are written.
func TestPlotSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "samples")
	s, err := NewPlotSink(dir)
	if err != nil {
		t.Fatalf("NewPlotSink failed: %v", err)
	}
	s.Image("sample/Male", ToImage(make([]float32, 3*4*4), 4), 20)
	for step := 1; step <= 3; step++ {
		s.Scalar("D/loss", float64(step), step)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, name := range []string{"sample_Male_00000020.png", "D_loss.png"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || info.Size() == 0 {
			t.Errorf("missing %s", name)
		}
	}
}

// TestMultiSink verifies every call reaches every sink.
func TestMultiSink(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	m := MultiSink{a, b}
	m.Scalar("G/loss", 1.5, 1)
	m.Image("sample/input", ToImage(make([]float32, 3), 1), 1)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	for i, s := range []*recordingSink{a, b} {
		if len(s.scalars["G/loss"]) != 1 || len(s.images) != 1 || !s.closed {
			t.Errorf("sink %d missed a call", i)
		}
	}
}
