package gan

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepLosses are the losses of one outer iteration: the mean over its
// discriminator sub-steps and the single generator step.
type StepLosses struct {
	D DiscriminatorLosses
	G GeneratorLosses
}

// lossTags names the values returned by StepLosses.Values, in order.
var lossTags = []string{
	"D/loss", "D/loss_real", "D/loss_fake", "D/loss_cls", "D/loss_gp",
	"G/loss", "G/loss_rec", "G/loss_adv", "G/loss_cls", "G/loss_attr", "G/loss_cycle",
}

// Values flattens the losses in lossTags order.
func (s StepLosses) Values() []float64 {
	return []float64{
		s.D.Total, s.D.Real, s.D.Fake, s.D.Cls, s.D.GP,
		s.G.Total, s.G.Rec, s.G.Adv, s.G.Cls, s.G.Attr, s.G.Cycle,
	}
}

// Counters are the scheduler's progress counters.
type Counters struct {
	Iterations       int
	DiscriminatorUps int
	GeneratorUps     int
	Restarts         int
	Batches          int
}

// StepScheduler alternates n_critic discriminator updates with one
// generator update.
type StepScheduler struct {
	composer *Composer
	source   BatchSource
	nCritic  int

	counters Counters
}

// NewStepScheduler binds a composer to a batch source.
func NewStepScheduler(c *Composer, source BatchSource) *StepScheduler {
	return &StepScheduler{
		composer: c,
		source:   source,
		nCritic:  c.cfg.NCritic,
	}
}

// Counters returns a snapshot of the progress counters.
func (s *StepScheduler) Counters() Counters {
	return s.counters
}

// next pulls a batch, restarting the source once if it is exhausted.
func (s *StepScheduler) next() (Batch, error) {
	b, err := nextBatch(s.source, func() {
		s.counters.Restarts++
		klog.V(2).Infof("scheduler: batch source exhausted after %d batches, restart #%d",
			s.counters.Batches, s.counters.Restarts)
	})
	if err != nil {
		return Batch{}, err
	}
	if err := s.check(b); err != nil {
		return Batch{}, err
	}
	s.counters.Batches++
	return b, nil
}

// nextBatch is the shared pull-restart-pull protocol.
func nextBatch(source BatchSource, onRestart func()) (Batch, error) {
	if b, ok := source.Next(); ok {
		return b, nil
	}
	if err := source.Restart(); err != nil {
		return Batch{}, errors.WithMessage(err, "restarting batch source")
	}
	if onRestart != nil {
		onRestart()
	}
	b, ok := source.Next()
	if !ok {
		return Batch{}, errors.Wrap(ErrEmptySource, "no batch after restart")
	}
	return b, nil
}

func (s *StepScheduler) check(b Batch) error {
	cfg := s.composer.cfg
	if b.Labels.L != cfg.NLabels {
		return errors.Wrapf(ErrConfiguration, "batch has %d labels, n_labels is %d", b.Labels.L, cfg.NLabels)
	}
	want := b.Labels.N * ImageChannels * cfg.ImageSize * cfg.ImageSize
	if b.Labels.N == 0 || len(b.Images) != want || len(b.Labels.Data) != b.Labels.N*b.Labels.L {
		return errors.Wrapf(ErrShapeMismatch, "batch of %d has %d image values, want %d", b.Labels.N, len(b.Images), want)
	}
	return nil
}

// Step runs one outer iteration. Each discriminator sub-step pulls a fresh
// batch; the generator step reuses the last one and its reversed targets.
func (s *StepScheduler) Step() (StepLosses, error) {
	var losses StepLosses
	var batch Batch
	var labelTrg Labels

	for i := 0; i < s.nCritic; i++ {
		var err error
		if batch, err = s.next(); err != nil {
			return StepLosses{}, err
		}
		labelTrg = ReverseBatch(batch.Labels)
		fake := s.composer.Translate(batch.Images, labelTrg)

		l := s.composer.discriminator.Step(batch.Images, batch.Labels, fake, labelTrg)
		s.counters.DiscriminatorUps++
		losses.D.Total += l.Total
		losses.D.Real += l.Real
		losses.D.Fake += l.Fake
		losses.D.Cls += l.Cls
		losses.D.GP += l.GP
	}
	k := float64(s.nCritic)
	losses.D.Total /= k
	losses.D.Real /= k
	losses.D.Fake /= k
	losses.D.Cls /= k
	losses.D.GP /= k

	losses.G = s.composer.generator.Step(batch.Images, batch.Labels, labelTrg)
	s.counters.GeneratorUps++
	s.counters.Iterations++

	klog.V(1).Infof("iter %d: D %.4f (real %.4f fake %.4f cls %.4f gp %.4f) G %.4f (rec %.4f adv %.4f cls %.4f)",
		s.counters.Iterations, losses.D.Total, losses.D.Real, losses.D.Fake, losses.D.Cls, losses.D.GP,
		losses.G.Total, losses.G.Rec, losses.G.Adv, losses.G.Cls)
	return losses, nil
}
