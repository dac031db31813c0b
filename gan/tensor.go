package gan

import "gonum.org/v1/gonum/blas/blas32"

// concatChannels joins two NCHW tensors along the channel axis. plane is
// H*W; flat feature vectors use plane = 1.
func concatChannels(a []float32, ca int, b []float32, cb int, n, plane int) []float32 {
	sa, sb := ca*plane, cb*plane
	out := make([]float32, n*(sa+sb))
	for i := 0; i < n; i++ {
		row := out[i*(sa+sb):]
		copy(row[:sa], a[i*sa:(i+1)*sa])
		copy(row[sa:sa+sb], b[i*sb:(i+1)*sb])
	}
	return out
}

// splitChannels is the inverse of concatChannels.
func splitChannels(x []float32, ca, cb, n, plane int) ([]float32, []float32) {
	sa, sb := ca*plane, cb*plane
	a := make([]float32, n*sa)
	b := make([]float32, n*sb)
	for i := 0; i < n; i++ {
		row := x[i*(sa+sb):]
		copy(a[i*sa:(i+1)*sa], row[:sa])
		copy(b[i*sb:(i+1)*sb], row[sa:sa+sb])
	}
	return a, b
}

// addInto computes dst += src.
func addInto(dst, src []float32) {
	if len(dst) == 0 {
		return
	}
	blas32.Axpy(1,
		blas32.Vector{N: len(src), Inc: 1, Data: src},
		blas32.Vector{N: len(dst), Inc: 1, Data: dst})
}
