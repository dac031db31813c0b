package nn

import (
	"fmt"
	"math"
	"sort"
)

// Adam is the Adam optimizer bound to one Module's parameter layout.
// Its whole internal state (step counter and both moment estimates) is
// exported through State so a resumed run continues bit-identically.
type Adam struct {
	beta1   float32
	beta2   float32
	epsilon float32
	step    int

	// First moment estimates (momentum)
	m map[string][]float32

	// Second moment estimates (variance)
	v map[string][]float32
}

// AdamState is the serializable snapshot of an Adam optimizer.
// Moments are keyed "m.kernel_3", "v.bias_0", ...
type AdamState struct {
	Step    int
	Beta1   float32
	Beta2   float32
	Epsilon float32
	Moments map[string][]float32
}

func NewAdam(beta1, beta2 float32) *Adam {
	return &Adam{
		beta1:   beta1,
		beta2:   beta2,
		epsilon: 1e-8,
		m:       make(map[string][]float32),
		v:       make(map[string][]float32),
	}
}

func kernelKey(i int) string { return fmt.Sprintf("kernel_%d", i) }
func biasKey(i int) string   { return fmt.Sprintf("bias_%d", i) }

// StepCount returns the number of updates applied so far.
func (opt *Adam) StepCount() int {
	return opt.step
}

// Step applies g to the module weights.
func (opt *Adam) Step(network *Module, g *Gradients, learningRate float32) {
	opt.step++

	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	update := func(key string, params, grads []float32) {
		if len(params) == 0 || len(grads) != len(params) {
			return
		}
		if opt.m[key] == nil {
			opt.m[key] = make([]float32, len(params))
			opt.v[key] = make([]float32, len(params))
		}
		m, v := opt.m[key], opt.v[key]
		for j, grad := range grads {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			params[j] -= learningRate * mHat / (float32(math.Sqrt(float64(vHat))) + opt.epsilon)
		}
	}

	for i := range network.Layers {
		layer := &network.Layers[i]
		update(kernelKey(i), layer.Kernel, g.Kernel[i])
		update(biasKey(i), layer.Bias, g.Bias[i])
	}
}

// Prime allocates zeroed moments for every parameter of network without
// touching the weights or the step counter. LoadState requires a primed
// optimizer so that every restored tensor has a destination to be checked
// against.
func (opt *Adam) Prime(network *Module) {
	for i := range network.Layers {
		layer := &network.Layers[i]
		for key, n := range map[string]int{kernelKey(i): len(layer.Kernel), biasKey(i): len(layer.Bias)} {
			if n == 0 || opt.m[key] != nil {
				continue
			}
			opt.m[key] = make([]float32, n)
			opt.v[key] = make([]float32, n)
		}
	}
}

// Reset clears optimizer state (moments and step counter)
func (opt *Adam) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float32)
	opt.v = make(map[string][]float32)
}

// State returns a deep copy of the optimizer state.
func (opt *Adam) State() *AdamState {
	s := &AdamState{
		Step:    opt.step,
		Beta1:   opt.beta1,
		Beta2:   opt.beta2,
		Epsilon: opt.epsilon,
		Moments: make(map[string][]float32, 2*len(opt.m)),
	}
	for key, buf := range opt.m {
		s.Moments["m."+key] = append([]float32(nil), buf...)
	}
	for key, buf := range opt.v {
		s.Moments["v."+key] = append([]float32(nil), buf...)
	}
	return s
}

// LoadState overwrites the primed optimizer state with s. Every primed
// moment must be present in s with a matching length.
func (opt *Adam) LoadState(s *AdamState) error {
	if len(opt.m) == 0 {
		return fmt.Errorf("adam: LoadState on an unprimed optimizer")
	}

	keys := make([]string, 0, len(opt.m))
	for key := range opt.m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for prefix, dst := range map[string][]float32{"m.": opt.m[key], "v.": opt.v[key]} {
			src, ok := s.Moments[prefix+key]
			if !ok {
				return fmt.Errorf("adam: state is missing %s%s", prefix, key)
			}
			if len(src) != len(dst) {
				return fmt.Errorf("adam: %s%s has %d values, want %d", prefix, key, len(src), len(dst))
			}
		}
	}
	if want := 2 * len(opt.m); len(s.Moments) != want {
		return fmt.Errorf("adam: state has %d moment tensors, want %d", len(s.Moments), want)
	}

	for _, key := range keys {
		copy(opt.m[key], s.Moments["m."+key])
		copy(opt.v[key], s.Moments["v."+key])
	}
	opt.step = s.Step
	opt.beta1 = s.Beta1
	opt.beta2 = s.Beta2
	opt.epsilon = s.Epsilon
	return nil
}

func (opt *Adam) Name() string {
	return "Adam"
}
