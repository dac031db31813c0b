package nn

import "fmt"

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationScaledReLU ActivationType = 0 // v * 1.1, then ReLU
	ActivationSigmoid    ActivationType = 1 // 1 / (1 + exp(-v))
	ActivationTanh       ActivationType = 2 // tanh(v)
	ActivationSoftplus   ActivationType = 3 // log(1 + exp(v))
	ActivationLeakyReLU  ActivationType = 4 // v if v >= 0, else v * 0.1
	ActivationLinear     ActivationType = 5 // identity, used for logits and critic scores
)

// LayerType defines the type of neural network layer
type LayerType int

const (
	LayerDense  LayerType = 0 // Dense/Fully-connected layer
	LayerConv2D LayerType = 1 // 2D Convolutional layer
)

func (t LayerType) String() string {
	switch t {
	case LayerDense:
		return "dense"
	case LayerConv2D:
		return "conv2d"
	default:
		return fmt.Sprintf("layer(%d)", int(t))
	}
}

// Shape is the per-sample shape of a module input or output.
// Dense layers report {C: size, H: 1, W: 1}.
type Shape struct {
	C, H, W int
}

// Size returns the number of values in one sample.
func (s Shape) Size() int {
	return s.C * s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.C, s.H, s.W)
}

// LayerConfig holds configuration and parameters for one layer of a Module
type LayerConfig struct {
	Type       LayerType
	Activation ActivationType

	// Conv2D specific parameters
	KernelSize int // Size of convolution kernel (e.g., 3 for 3x3)
	Stride     int
	Padding    int
	Filters    int // Number of output filters/channels

	// Shape information (for Conv2D)
	InputHeight   int
	InputWidth    int
	InputChannels int
	OutputHeight  int
	OutputWidth   int

	// Dense specific parameters
	InputSize  int
	OutputSize int

	// Parameters.
	// Conv2D kernel layout: [filters][inChannels][kernelH][kernelW]
	// Dense kernel layout:  [inputSize][outputSize]
	Kernel []float32
	Bias   []float32
}

// In returns the per-sample input shape of the layer.
func (l *LayerConfig) In() Shape {
	if l.Type == LayerConv2D {
		return Shape{C: l.InputChannels, H: l.InputHeight, W: l.InputWidth}
	}
	return Shape{C: l.InputSize, H: 1, W: 1}
}

// Out returns the per-sample output shape of the layer.
func (l *LayerConfig) Out() Shape {
	if l.Type == LayerConv2D {
		return Shape{C: l.Filters, H: l.OutputHeight, W: l.OutputWidth}
	}
	return Shape{C: l.OutputSize, H: 1, W: 1}
}
