package gan

import (
	"math"
	"testing"
)

// TestBCEWithLogits checks known values and stability for large logits.
func TestBCEWithLogits(t *testing.T) {
	if got := bceWithLogits(0, 1); math.Abs(got-math.Ln2) > 1e-12 {
		t.Errorf("Expected ln 2, got %f", got)
	}
	if got := bceWithLogits(1000, 1); got != 0 {
		t.Errorf("Expected 0 for a confident correct logit, got %f", got)
	}
	if got := bceWithLogits(-1000, 1); math.IsInf(got, 0) || math.Abs(got-1000) > 1e-9 {
		t.Errorf("Expected 1000 for a confident wrong logit, got %f", got)
	}
}

// TestScoreBCEGradient compares the analytic gradient with central
// differences, and checks only the score column is touched.
func TestScoreBCEGradient(t *testing.T) {
	const n, stride = 3, 4
	out := []float32{0.3, 9, 9, 9, -1.2, 9, 9, 9, 2.5, 9, 9, 9}
	grad := make([]float32, len(out))
	scoreBCE(out, grad, n, stride, 1, 2)

	const h = 1e-3
	for i := 0; i < n; i++ {
		k := i * stride
		plus := append([]float32(nil), out...)
		minus := append([]float32(nil), out...)
		plus[k] += h
		minus[k] -= h
		scratch := make([]float32, len(out))
		want := 2 * (scoreBCE(plus, scratch, n, stride, 1, 0) - scoreBCE(minus, scratch, n, stride, 1, 0)) / (2 * h)
		if math.Abs(float64(grad[k])-want) > 1e-3 {
			t.Errorf("row %d: expected %f, got %f", i, want, grad[k])
		}
		for j := 1; j < stride; j++ {
			if grad[k+j] != 0 {
				t.Errorf("row %d column %d: expected 0, got %f", i, j, grad[k+j])
			}
		}
	}
}

// TestLabelBCE verifies the mean runs over all N×L logits.
func TestLabelBCE(t *testing.T) {
	labels, err := LabelsFromRows([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 2*3)
	grad := make([]float32, len(out))
	if got := labelBCE(out, grad, 3, 1, labels, 1); math.Abs(got-math.Ln2) > 1e-9 {
		t.Errorf("Expected ln 2 for zero logits, got %f", got)
	}
	want := []float32{0, -0.125, 0.125, 0, 0.125, -0.125}
	for i := range want {
		if math.Abs(float64(grad[i]-want[i])) > 1e-7 {
			t.Errorf("grad %d: expected %f, got %f", i, want[i], grad[i])
		}
	}
}

// TestScoreMeanAndMAE checks the Wasserstein term and the L1 loss.
func TestScoreMeanAndMAE(t *testing.T) {
	out := []float32{1, 5, 3, 5}
	grad := make([]float32, len(out))
	if got := scoreMean(out, grad, 2, 2, -1); got != 2 {
		t.Errorf("Expected mean 2, got %f", got)
	}
	if grad[0] != -0.5 || grad[2] != -0.5 || grad[1] != 0 {
		t.Errorf("unexpected gradient %v", grad)
	}

	pred := []float32{1, -1, 0.5, 0}
	target := []float32{0, 0, 0.5, 1}
	g := make([]float32, len(pred))
	if got := mae(pred, target, g, 4); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("Expected 0.75, got %f", got)
	}
	want := []float32{1, -1, 0, -1}
	for i := range want {
		if g[i] != want[i] {
			t.Errorf("grad %d: expected %f, got %f", i, want[i], g[i])
		}
	}
}
