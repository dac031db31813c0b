package nn

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// InitDenseLayer initializes a dense (fully-connected) layer
func InitDenseLayer(inputSize, outputSize int, activation ActivationType) LayerConfig {
	// He initialization for weights
	stddev := float32(math.Sqrt(2.0 / float64(inputSize)))

	weights := make([]float32, inputSize*outputSize)
	for i := range weights {
		weights[i] = float32(weightRand.NormFloat64()) * stddev
	}

	return LayerConfig{
		Type:       LayerDense,
		Activation: activation,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Kernel:     weights,
		Bias:       make([]float32, outputSize),
	}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// denseForwardCPU computes pre = input @ weights + bias
// input: [batchSize * inputSize], weights: [inputSize * outputSize]
func denseForwardCPU(input []float32, config *LayerConfig, batchSize int) []float32 {
	in := config.InputSize
	out := config.OutputSize

	preAct := make([]float32, batchSize*out)
	for b := 0; b < batchSize; b++ {
		copy(preAct[b*out:(b+1)*out], config.Bias)
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(batchSize, in, input),
		general(in, out, config.Kernel),
		1,
		general(batchSize, out, preAct))

	return preAct
}

// denseBackwardCPU performs the backward pass for a dense layer.
// gradWeights and gradBias are accumulated into when non-nil.
func denseBackwardCPU(gradOutput, input, preAct []float32, config *LayerConfig, batchSize int, gradWeights, gradBias []float32) []float32 {
	in := config.InputSize
	out := config.OutputSize

	gradPreAct := make([]float32, len(gradOutput))
	for i := range gradOutput {
		gradPreAct[i] = gradOutput[i] * activateDerivativeCPU(preAct[i], config.Activation)
	}

	if gradWeights != nil {
		// dW += X^T @ dPre
		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			general(batchSize, in, input),
			general(batchSize, out, gradPreAct),
			1,
			general(in, out, gradWeights))
	}
	if gradBias != nil {
		for b := 0; b < batchSize; b++ {
			blas32.Axpy(1,
				blas32.Vector{N: out, Inc: 1, Data: gradPreAct[b*out : (b+1)*out]},
				blas32.Vector{N: out, Inc: 1, Data: gradBias})
		}
	}

	// dX = dPre @ W^T
	gradInput := make([]float32, batchSize*in)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(batchSize, out, gradPreAct),
		general(in, out, config.Kernel),
		0,
		general(batchSize, in, gradInput))

	return gradInput
}
