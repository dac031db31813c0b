package nn

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"
)

// Accelerator computes elementwise activations off the CPU.
// activation carries an ActivationType value.
type Accelerator interface {
	Activate(values []float32, activation int) ([]float32, error)
}

// gpuMinElements is the smallest activation buffer worth a device round trip.
const gpuMinElements = 1 << 14

// Module is a named stack of layers treated as one differentiable function.
// A Module does not store activations: every Forward returns a Trace so the
// same Module can be applied several times inside one graph.
type Module struct {
	Name   string
	Layers []LayerConfig

	accel Accelerator
}

// Trace stores the intermediate values of one forward pass (needed for backprop)
type Trace struct {
	batch int

	// activations[0] = input, activations[i] = output of layer i-1
	activations [][]float32

	// pre-activation values (needed for derivatives)
	preActivations [][]float32
}

// Output returns the final activation recorded by the trace.
func (t *Trace) Output() []float32 {
	return t.activations[len(t.activations)-1]
}

// Batch returns the batch size the trace was recorded with.
func (t *Trace) Batch() int {
	return t.batch
}

// NewModule chains layers into a Module, checking that each layer's input
// size matches the previous layer's output size.
func NewModule(name string, layers ...LayerConfig) (*Module, error) {
	if name == "" || strings.ContainsAny(name, "./\\") {
		return nil, fmt.Errorf("invalid module name %q", name)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("module %s: no layers", name)
	}
	for i := 1; i < len(layers); i++ {
		prev := layers[i-1].Out()
		cur := layers[i].In()
		if prev.Size() != cur.Size() {
			return nil, fmt.Errorf("module %s: layer %d (%s) expects %s input, layer %d produces %s",
				name, i, layers[i].Type, cur, i-1, prev)
		}
	}
	return &Module{Name: name, Layers: layers}, nil
}

// InputShape returns the per-sample input shape.
func (m *Module) InputShape() Shape {
	return m.Layers[0].In()
}

// OutputShape returns the per-sample output shape.
func (m *Module) OutputShape() Shape {
	return m.Layers[len(m.Layers)-1].Out()
}

// ParamCount returns the number of trainable scalars.
func (m *Module) ParamCount() int {
	n := 0
	for i := range m.Layers {
		n += len(m.Layers[i].Kernel) + len(m.Layers[i].Bias)
	}
	return n
}

// SetAccelerator routes large activation buffers through a.
// A nil accelerator restores pure CPU execution.
func (m *Module) SetAccelerator(a Accelerator) {
	m.accel = a
}

// Forward runs the module on a batch and records a Trace for Backward.
func (m *Module) Forward(input []float32, batch int) ([]float32, *Trace) {
	if want := batch * m.InputShape().Size(); len(input) != want {
		panic(fmt.Sprintf("module %s: input has %d values, want %d (batch=%d, shape=%s)",
			m.Name, len(input), want, batch, m.InputShape()))
	}

	t := &Trace{
		batch:          batch,
		activations:    make([][]float32, len(m.Layers)+1),
		preActivations: make([][]float32, len(m.Layers)),
	}
	t.activations[0] = make([]float32, len(input))
	copy(t.activations[0], input)

	data := t.activations[0]
	for i := range m.Layers {
		config := &m.Layers[i]

		var pre []float32
		if config.Type == LayerConv2D {
			pre = conv2DForwardCPU(data, config, batch)
		} else {
			pre = denseForwardCPU(data, config, batch)
		}

		t.preActivations[i] = pre
		data = m.activate(pre, config.Activation)
		t.activations[i+1] = data
	}

	return data, t
}

// Predict runs the module without keeping the trace.
func (m *Module) Predict(input []float32, batch int) []float32 {
	out, _ := m.Forward(input, batch)
	return out
}

func (m *Module) activate(pre []float32, activation ActivationType) []float32 {
	if m.accel != nil && activation != ActivationLinear && len(pre) >= gpuMinElements {
		out, err := m.accel.Activate(pre, int(activation))
		if err == nil {
			return out
		}
		klog.V(2).Infof("module %s: accelerator failed, using CPU: %v", m.Name, err)
	}
	return activateSliceCPU(pre, activation)
}

// Backward propagates gradOutput through the recorded trace and returns the
// gradient with respect to the trace input. Parameter gradients are added to
// g; a nil g keeps this module's parameters out of the pass while still
// propagating the input gradient.
func (m *Module) Backward(t *Trace, gradOutput []float32, g *Gradients) []float32 {
	if len(gradOutput) != len(t.Output()) {
		panic(fmt.Sprintf("module %s: gradient has %d values, output has %d",
			m.Name, len(gradOutput), len(t.Output())))
	}

	grad := gradOutput
	for i := len(m.Layers) - 1; i >= 0; i-- {
		config := &m.Layers[i]
		input := t.activations[i]
		pre := t.preActivations[i]

		var gk, gb []float32
		if g != nil {
			gk, gb = g.Kernel[i], g.Bias[i]
		}

		if config.Type == LayerConv2D {
			grad = conv2DBackwardCPU(grad, input, pre, config, t.batch, gk, gb)
		} else {
			grad = denseBackwardCPU(grad, input, pre, config, t.batch, gk, gb)
		}
	}

	return grad
}
