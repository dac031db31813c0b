package gan

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Trainer drives epochs of log_step scheduler iterations, emits samples and
// scalars to a sink and checkpoints at the configured interval. Checkpoints
// are numbered by completed epochs.
type Trainer struct {
	cfg       Config
	composer  *Composer
	scheduler *StepScheduler
	sink      Sink
	ckpt      *CheckpointManager

	startEpoch int
	iteration  int

	panelImages []float32
	panelLabels Labels
	panelBatch  int
}

// NewTrainer wires a composer to a batch source and a sink. A nil sink
// logs only.
func NewTrainer(c *Composer, source BatchSource, sink Sink) (*Trainer, error) {
	if c == nil || source == nil {
		return nil, errors.Wrap(ErrConfiguration, "trainer needs a composer and a batch source")
	}
	if sink == nil {
		sink = LogSink{}
	}
	return &Trainer{
		cfg:       c.cfg,
		composer:  c,
		scheduler: NewStepScheduler(c, source),
		sink:      sink,
	}, nil
}

// Scheduler exposes the step scheduler and its counters.
func (t *Trainer) Scheduler() *StepScheduler {
	return t.scheduler
}

// RunDir returns the run directory once Run has started.
func (t *Trainer) RunDir() string {
	if t.ckpt == nil {
		return ""
	}
	return t.ckpt.Dir()
}

// Iteration returns the global iteration count, including restored ones.
func (t *Trainer) Iteration() int {
	return t.iteration
}

// prepare resolves a fresh run directory, or restores the requested
// checkpoint from the exact configured path when resuming.
func (t *Trainer) prepare() error {
	if t.cfg.ResumeEpoch == 0 {
		dir, err := ResolveRunDirectory(t.cfg.ModelSaveDir, t.cfg.ModelSubDir)
		if err != nil {
			return err
		}
		t.ckpt = NewCheckpointManager(dir)
		klog.Infof("trainer: new run in %s", dir)
		return nil
	}

	t.ckpt = NewCheckpointManager(filepath.Join(t.cfg.ModelSaveDir, t.cfg.ModelSubDir))
	epoch := t.cfg.ResumeEpoch
	if epoch < 0 {
		var err error
		if epoch, err = t.ckpt.Latest(); err != nil {
			return err
		}
	}
	rec, err := t.ckpt.Restore(epoch, t.composer.Units())
	if err != nil {
		return err
	}
	t.startEpoch, t.iteration = rec.Epoch, rec.Iteration
	return nil
}

// takePanel holds the first batch out as the fixed inspection panel.
func (t *Trainer) takePanel() error {
	b, err := t.scheduler.next()
	if err != nil {
		return errors.WithMessage(err, "taking sample panel")
	}
	t.panelImages, t.panelLabels, err = Panel(b.Images, b.Labels, t.cfg.SelectedAttrs)
	if err != nil {
		return err
	}
	t.panelBatch = b.Size()
	return nil
}

// Run trains until num_iters / log_step epochs have completed.
func (t *Trainer) Run() error {
	if err := t.prepare(); err != nil {
		return err
	}
	if err := t.takePanel(); err != nil {
		return err
	}

	epochs := t.cfg.Epochs()
	if t.startEpoch >= epochs {
		klog.Infof("trainer: checkpoint epoch %d already reaches %d epochs", t.startEpoch, epochs)
		return nil
	}
	klog.Infof("trainer: epochs %d..%d, %d iterations each, n_critic=%d, topology=%s, loss=%s",
		t.startEpoch, epochs-1, t.cfg.LogStep, t.cfg.NCritic, t.cfg.Topology, t.cfg.Adversarial)

	mean := make([]float64, len(lossTags))
	for epoch := t.startEpoch; epoch < epochs; epoch++ {
		if epoch%t.cfg.SampleStep == 0 {
			t.emitSample(epoch)
		}

		for i := range mean {
			mean[i] = 0
		}
		for i := 0; i < t.cfg.LogStep; i++ {
			losses, err := t.scheduler.Step()
			if err != nil {
				return errors.WithMessagef(err, "epoch %d", epoch)
			}
			t.iteration++
			floats.Add(mean, losses.Values())
		}
		floats.Scale(1/float64(t.cfg.LogStep), mean)
		t.report(epoch, mean)

		if done := epoch + 1; done%t.cfg.ModelSaveStep == 0 || done == epochs {
			if _, err := t.ckpt.Save(done, t.iteration, t.composer.Units()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) report(epoch int, mean []float64) {
	for i, tag := range lossTags {
		v := mean[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			klog.Warningf("epoch %d: %s is %v", epoch, tag, v)
		}
		t.sink.Scalar(tag, v, t.iteration)
	}
	for _, u := range t.composer.Units() {
		t.sink.Scalar("lr/"+u.Name(), float64(u.LearningRate()), t.iteration)
	}
	klog.Infof("epoch %d [iter %d]: D/loss %.4f G/loss %.4f G/loss_rec %.4f",
		epoch, t.iteration, mean[0], mean[5], mean[6])
}

// emitSample translates one panel image, cycling through the panel one
// entry per sampled epoch.
func (t *Trainer) emitSample(epoch int) {
	s := t.cfg.ImageSize
	size := ImageChannels * s * s
	idx := epoch % t.panelLabels.N

	img := t.panelImages[idx*size : (idx+1)*size]
	fake := t.composer.Translate(img, t.panelLabels.Slice(idx, idx+1))
	attr := t.cfg.SelectedAttrs[idx/t.panelBatch]

	t.sink.Image("sample/input", ToImage(img, s), t.iteration)
	t.sink.Image("sample/"+attr, ToImage(fake, s), t.iteration)
}
