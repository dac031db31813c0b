package nn

import (
	"math"
)

// InitConv2DLayer initializes a Conv2D layer with random weights
func InitConv2DLayer(
	inputHeight, inputWidth, inputChannels int,
	kernelSize, stride, padding, filters int,
	activation ActivationType,
) LayerConfig {
	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1

	// He initialization
	kernel := make([]float32, filters*inputChannels*kernelSize*kernelSize)
	stddev := float32(math.Sqrt(2.0 / float64(inputChannels*kernelSize*kernelSize)))
	for i := range kernel {
		kernel[i] = float32(weightRand.NormFloat64()) * stddev
	}

	return LayerConfig{
		Type:          LayerConv2D,
		Activation:    activation,
		KernelSize:    kernelSize,
		Stride:        stride,
		Padding:       padding,
		Filters:       filters,
		Kernel:        kernel,
		Bias:          make([]float32, filters),
		InputHeight:   inputHeight,
		InputWidth:    inputWidth,
		InputChannels: inputChannels,
		OutputHeight:  outputHeight,
		OutputWidth:   outputWidth,
	}
}

// conv2DForwardCPU computes the pre-activation output of a 2D convolution.
// input shape: [batch][inChannels][height][width] (flattened)
// output shape: [batch][filters][outHeight][outWidth] (flattened)
func conv2DForwardCPU(input []float32, config *LayerConfig, batchSize int) []float32 {
	inH := config.InputHeight
	inW := config.InputWidth
	inC := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	filters := config.Filters
	outH := config.OutputHeight
	outW := config.OutputWidth

	preActivation := make([]float32, batchSize*filters*outH*outW)

	for b := 0; b < batchSize; b++ {
		for f := 0; f < filters; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := config.Bias[f]

					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							ih := oh*stride + kh - padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow*stride + kw - padding
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
								kernelIdx := f*inC*kSize*kSize + ic*kSize*kSize + kh*kSize + kw
								sum += input[inputIdx] * config.Kernel[kernelIdx]
							}
						}
					}

					preActivation[b*filters*outH*outW+f*outH*outW+oh*outW+ow] = sum
				}
			}
		}
	}

	return preActivation
}

// conv2DBackwardCPU backpropagates through a 2D convolution.
// gradKernel and gradBias are accumulated into when non-nil; a nil
// destination means the layer's parameters are excluded from this pass.
// Returns the gradient with respect to the input.
func conv2DBackwardCPU(
	gradOutput []float32,
	input []float32,
	preActivation []float32,
	config *LayerConfig,
	batchSize int,
	gradKernel []float32,
	gradBias []float32,
) []float32 {
	inH := config.InputHeight
	inW := config.InputWidth
	inC := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	filters := config.Filters
	outH := config.OutputHeight
	outW := config.OutputWidth

	gradInput := make([]float32, batchSize*inC*inH*inW)

	for b := 0; b < batchSize; b++ {
		for f := 0; f < filters; f++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					outputIdx := b*filters*outH*outW + f*outH*outW + oh*outW + ow
					gradOut := gradOutput[outputIdx] * activateDerivativeCPU(preActivation[outputIdx], config.Activation)
					if gradOut == 0 {
						continue
					}

					if gradBias != nil {
						gradBias[f] += gradOut
					}

					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < kSize; kh++ {
							ih := oh*stride + kh - padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow*stride + kw - padding
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := b*inC*inH*inW + ic*inH*inW + ih*inW + iw
								kernelIdx := f*inC*kSize*kSize + ic*kSize*kSize + kh*kSize + kw

								gradInput[inputIdx] += gradOut * config.Kernel[kernelIdx]
								if gradKernel != nil {
									gradKernel[kernelIdx] += gradOut * input[inputIdx]
								}
							}
						}
					}
				}
			}
		}
	}

	return gradInput
}
