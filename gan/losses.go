package gan

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/openfluke/attrgan/nn"
)

// Every loss returns its mean value and adds weight * d(loss)/d(input) into
// grad, so several weighted terms can share one gradient buffer.

// bceWithLogits is the numerically stable binary cross-entropy of a logit x
// against target t.
func bceWithLogits(x, t float64) float64 {
	return math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
}

// scoreBCE is the real/fake BCE over the score column of a discriminator
// output laid out as N rows of (1+L) values.
func scoreBCE(out, grad []float32, n, stride int, target, weight float32) float64 {
	terms := make([]float64, n)
	for i := 0; i < n; i++ {
		s := out[i*stride]
		terms[i] = bceWithLogits(float64(s), float64(target))
		grad[i*stride] += weight * (nn.Sigmoid(s) - target) / float32(n)
	}
	return floats.Sum(terms) / float64(n)
}

// scoreMean is mean(score) over the score column; the Wasserstein critic
// terms are ±scoreMean.
func scoreMean(out, grad []float32, n, stride int, weight float32) float64 {
	terms := make([]float64, n)
	for i := 0; i < n; i++ {
		terms[i] = float64(out[i*stride])
		grad[i*stride] += weight / float32(n)
	}
	return floats.Sum(terms) / float64(n)
}

// labelBCE is the multi-label classification loss: BCE averaged over all
// N×L logits found at offset..offset+L of each row of width stride.
func labelBCE(out, grad []float32, stride, offset int, labels Labels, weight float32) float64 {
	count := float32(labels.N * labels.L)
	terms := make([]float64, 0, labels.N*labels.L)
	for i := 0; i < labels.N; i++ {
		for j := 0; j < labels.L; j++ {
			k := i*stride + offset + j
			y := labels.At(i, j)
			terms = append(terms, bceWithLogits(float64(out[k]), float64(y)))
			grad[k] += weight * (nn.Sigmoid(out[k]) - y) / count
		}
	}
	return floats.Sum(terms) / float64(count)
}

// mae is the mean absolute error of pred against target.
func mae(pred, target, grad []float32, weight float32) float64 {
	count := float32(len(pred))
	terms := make([]float64, len(pred))
	for i, p := range pred {
		d := p - target[i]
		terms[i] = math.Abs(float64(d))
		switch {
		case d > 0:
			grad[i] += weight / count
		case d < 0:
			grad[i] -= weight / count
		}
	}
	return floats.Sum(terms) / float64(count)
}
