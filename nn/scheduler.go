package nn

import "fmt"

// LRScheduler defines learning rate scheduling strategies.
// The step passed to GetLR is the optimizer's own step counter, so a
// restored optimizer resumes on the same point of the schedule.
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int) float32

	// Name returns the scheduler name
	Name() string
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(step int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Linear Decay Scheduler - constant, then linear decay to zero over the last
// decaySteps of totalSteps
// ============================================================================

type LinearDecayScheduler struct {
	baseLR     float32
	totalSteps int
	decaySteps int
}

func NewLinearDecayScheduler(baseLR float32, totalSteps, decaySteps int) *LinearDecayScheduler {
	if decaySteps > totalSteps {
		decaySteps = totalSteps
	}
	return &LinearDecayScheduler{
		baseLR:     baseLR,
		totalSteps: totalSteps,
		decaySteps: decaySteps,
	}
}

func (s *LinearDecayScheduler) GetLR(step int) float32 {
	start := s.totalSteps - s.decaySteps
	if s.decaySteps <= 0 || step <= start {
		return s.baseLR
	}
	if step >= s.totalSteps {
		return 0
	}
	progress := float32(step-start) / float32(s.decaySteps)
	return s.baseLR * (1 - progress)
}

func (s *LinearDecayScheduler) Name() string {
	return "LinearDecay"
}

// ============================================================================
// Inverse Time Decay Scheduler - lr / (1 + decay * step)
// ============================================================================

type InverseTimeDecayScheduler struct {
	baseLR float32
	decay  float32
}

func NewInverseTimeDecayScheduler(baseLR, decay float32) *InverseTimeDecayScheduler {
	return &InverseTimeDecayScheduler{baseLR: baseLR, decay: decay}
}

func (s *InverseTimeDecayScheduler) GetLR(step int) float32 {
	return s.baseLR / (1 + s.decay*float32(step))
}

func (s *InverseTimeDecayScheduler) Name() string {
	return "InverseTimeDecay"
}

// NewScheduler builds a scheduler by name: "constant", "linear" or
// "inverse_time". decaySteps is the decay horizon for the last two.
func NewScheduler(name string, baseLR float32, totalSteps, decaySteps int) (LRScheduler, error) {
	switch name {
	case "", "constant":
		return NewConstantScheduler(baseLR), nil
	case "linear":
		return NewLinearDecayScheduler(baseLR, totalSteps, decaySteps), nil
	case "inverse_time":
		if decaySteps <= 0 {
			return nil, fmt.Errorf("inverse_time schedule needs decay steps > 0")
		}
		return NewInverseTimeDecayScheduler(baseLR, 1/float32(decaySteps)), nil
	default:
		return nil, fmt.Errorf("unknown lr schedule %q", name)
	}
}
