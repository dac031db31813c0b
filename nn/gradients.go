package nn

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// Gradients accumulates parameter gradients for one Module, one slice per
// layer parameter. Graphs own a Gradients value for every module they train.
type Gradients struct {
	Kernel [][]float32
	Bias   [][]float32
}

// NewGradients allocates zeroed gradient buffers shaped like m's parameters.
func (m *Module) NewGradients() *Gradients {
	g := &Gradients{
		Kernel: make([][]float32, len(m.Layers)),
		Bias:   make([][]float32, len(m.Layers)),
	}
	for i := range m.Layers {
		g.Kernel[i] = make([]float32, len(m.Layers[i].Kernel))
		g.Bias[i] = make([]float32, len(m.Layers[i].Bias))
	}
	return g
}

// Zero clears all accumulated gradients.
func (g *Gradients) Zero() {
	for _, buf := range g.Kernel {
		clear(buf)
	}
	for _, buf := range g.Bias {
		clear(buf)
	}
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Scale multiplies every gradient by alpha.
func (g *Gradients) Scale(alpha float32) {
	for _, buf := range g.Kernel {
		if len(buf) > 0 {
			blas32.Scal(alpha, vec(buf))
		}
	}
	for _, buf := range g.Bias {
		if len(buf) > 0 {
			blas32.Scal(alpha, vec(buf))
		}
	}
}

// Add accumulates alpha*other into g. Both must come from the same Module.
func (g *Gradients) Add(alpha float32, other *Gradients) {
	for i := range g.Kernel {
		if len(g.Kernel[i]) > 0 {
			blas32.Axpy(alpha, vec(other.Kernel[i]), vec(g.Kernel[i]))
		}
		if len(g.Bias[i]) > 0 {
			blas32.Axpy(alpha, vec(other.Bias[i]), vec(g.Bias[i]))
		}
	}
}

// Norm returns the global L2 norm over all gradients.
func (g *Gradients) Norm() float32 {
	var sum float64
	for _, group := range [][][]float32{g.Kernel, g.Bias} {
		for _, buf := range group {
			if len(buf) == 0 {
				continue
			}
			n := float64(blas32.Nrm2(vec(buf)))
			sum += n * n
		}
	}
	return float32(math.Sqrt(sum))
}

// ClipNorm rescales g so its global norm does not exceed maxNorm.
func (g *Gradients) ClipNorm(maxNorm float32) {
	if maxNorm <= 0 {
		return
	}
	if n := g.Norm(); n > maxNorm {
		g.Scale(maxNorm / n)
	}
}
