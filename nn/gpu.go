package nn

import (
	"fmt"

	"github.com/openfluke/attrgan/gpu"
)

// InitGPU attaches a shared WebGPU activation accelerator to every module.
// Convolutions and matrix products stay on the CPU; only post-activations of
// large layers move to the device. The returned release func frees the
// cached GPU pipelines and detaches the accelerator.
func InitGPU(modules ...*Module) (func(), error) {
	acts, err := gpu.NewActivations()
	if err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	for _, m := range modules {
		m.SetAccelerator(acts)
	}
	return func() {
		for _, m := range modules {
			m.SetAccelerator(nil)
		}
		acts.Release()
	}, nil
}
