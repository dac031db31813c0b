package gan

import (
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/attrgan/nn"
)

// Composer owns the trainable units of one run and the training graphs
// built over them. Graph partitions are decided here, once.
type Composer struct {
	cfg  Config
	zDim int

	G, D   *Unit
	Ez, Ey *Unit

	discriminator *DiscriminatorGraph
	generator     GeneratorPhase
}

// Compose validates the modules against cfg, attaches an optimizer and a
// learning-rate schedule to each and builds both training graphs. Nothing
// is returned on error.
func Compose(cfg Config, mods Modules) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	zDim, err := checkModules(cfg, mods)
	if err != nil {
		return nil, err
	}

	c := &Composer{cfg: cfg, zDim: zDim}
	if c.G, err = newUnit(mods.G, cfg.GLR, cfg); err != nil {
		return nil, err
	}
	if c.D, err = newUnit(mods.D, cfg.DLR, cfg); err != nil {
		return nil, err
	}
	c.D.perIteration = 2 * cfg.NCritic
	if cfg.Topology == TopologyEncoder {
		if c.Ez, err = newUnit(mods.Ez, cfg.ELR, cfg); err != nil {
			return nil, err
		}
		if c.Ey, err = newUnit(mods.Ey, cfg.ELR, cfg); err != nil {
			return nil, err
		}
	}

	if c.discriminator, err = c.BuildDiscriminatorGraph(); err != nil {
		return nil, err
	}
	if c.generator, err = c.BuildGeneratorGraph(); err != nil {
		return nil, err
	}

	for _, u := range c.Units() {
		klog.V(1).Infof("compose: %s %s -> %s, %d parameters, lr schedule %s",
			u.Name(), u.Module.InputShape(), u.Module.OutputShape(), u.Module.ParamCount(), u.Schedule.Name())
	}
	return c, nil
}

func newUnit(m *nn.Module, lr float32, cfg Config) (*Unit, error) {
	schedule, err := nn.NewScheduler(cfg.LRSchedule, lr, cfg.NumIters, cfg.NumItersDecay)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "%s: %v", m.Name, err)
	}
	return &Unit{
		Module:    m,
		Optimizer: nn.NewAdam(cfg.Beta1, cfg.Beta2),
		Schedule:  schedule,
	}, nil
}

// checkModules verifies every module boundary of the configured topology and
// returns the latent size (0 for the direct topology).
func checkModules(cfg Config, mods Modules) (int, error) {
	s, l := cfg.ImageSize, cfg.NLabels
	image := nn.Shape{C: ImageChannels, H: s, W: s}

	if mods.G == nil || mods.D == nil {
		return 0, errors.Wrap(ErrConfiguration, "G and D are required")
	}
	names := map[string]bool{}
	for _, m := range []*nn.Module{mods.G, mods.D, mods.Ez, mods.Ey} {
		if m == nil {
			continue
		}
		if names[m.Name] {
			return 0, errors.Wrapf(ErrConfiguration, "module name %q used twice", m.Name)
		}
		names[m.Name] = true
	}

	gIn, gOut := mods.G.InputShape(), mods.G.OutputShape()
	dIn, dOut := mods.D.InputShape(), mods.D.OutputShape()
	if gOut != image {
		return 0, errors.Wrapf(ErrShapeMismatch, "G produces %s, images are %s", gOut, image)
	}
	if dOut.Size() != 1+l {
		return 0, errors.Wrapf(ErrConfiguration, "D predicts %d attributes, n_labels is %d", dOut.Size()-1, l)
	}

	switch cfg.Topology {
	case TopologyDirect:
		if gIn.H != s || gIn.W != s {
			return 0, errors.Wrapf(ErrShapeMismatch, "G input %s is not %dx%d", gIn, s, s)
		}
		if gIn.C-ImageChannels != l {
			return 0, errors.Wrapf(ErrConfiguration, "G takes %d label channels, n_labels is %d", gIn.C-ImageChannels, l)
		}
		if dIn != gOut {
			return 0, errors.Wrapf(ErrShapeMismatch, "D expects %s, G produces %s", dIn, gOut)
		}
		return 0, nil

	case TopologyEncoder:
		if mods.Ez == nil || mods.Ey == nil {
			return 0, errors.Wrap(ErrConfiguration, "encoder topology needs Ez and Ey")
		}
		for _, enc := range []*nn.Module{mods.Ez, mods.Ey} {
			if in := enc.InputShape(); in != image {
				return 0, errors.Wrapf(ErrShapeMismatch, "%s expects %s, images are %s", enc.Name, in, image)
			}
		}
		if got := mods.Ey.OutputShape().Size(); got != l {
			return 0, errors.Wrapf(ErrConfiguration, "Ey predicts %d attributes, n_labels is %d", got, l)
		}
		zDim := mods.Ez.OutputShape().Size()
		if got := gIn.Size() - zDim; got != l {
			return 0, errors.Wrapf(ErrConfiguration, "G takes %d inputs beside z[%d], n_labels is %d", got, zDim, l)
		}
		if dIn.H != s || dIn.W != s || dIn.C != gOut.C+l {
			return 0, errors.Wrapf(ErrShapeMismatch, "D expects %s, G produces %s plus %d label channels", dIn, gOut, l)
		}
		return zDim, nil
	}
	return 0, errors.Wrapf(ErrConfiguration, "unknown topology %q", cfg.Topology)
}

// BuildDiscriminatorGraph returns a graph in which D is trainable. Loss
// weights are [1, λ_cls], plus λ_gp for the Wasserstein penalty. Each step
// applies two D updates, one per real and fake term.
func (c *Composer) BuildDiscriminatorGraph() (*DiscriminatorGraph, error) {
	dg := &DiscriminatorGraph{
		graph:       newGraph("discriminator", c.D),
		d:           c.D,
		labels:      c.cfg.NLabels,
		imageSize:   c.cfg.ImageSize,
		conditioned: c.cfg.Topology == TopologyEncoder,
		mode:        c.cfg.Adversarial,
		lambdaCls:   c.cfg.LambdaCls,
		rng:         rand.New(rand.NewSource(c.cfg.Seed)),
	}
	if c.cfg.Adversarial == AdversarialWasserstein {
		dg.lambdaGP = c.cfg.LambdaGP
	}
	if err := dg.Unfreeze(c.D.Module); err != nil {
		return nil, err
	}
	dg.seal()
	return dg, nil
}

// BuildGeneratorGraph returns the generator-phase graph of the configured
// topology with D frozen.
func (c *Composer) BuildGeneratorGraph() (GeneratorPhase, error) {
	var phase GeneratorPhase
	var base *graph

	switch c.cfg.Topology {
	case TopologyEncoder:
		eg := &EncoderGraph{
			graph:     newGraph("encoder", c.G, c.D, c.Ez, c.Ey),
			g:         c.G,
			d:         c.D,
			ez:        c.Ez,
			ey:        c.Ey,
			labels:    c.cfg.NLabels,
			zDim:      c.zDim,
			imageSize: c.cfg.ImageSize,
			mode:      c.cfg.Adversarial,
			lambdaCls: c.cfg.LambdaCls,
			lambdaRec: c.cfg.LambdaRec,
		}
		phase, base = eg, &eg.graph
	default:
		gg := &GeneratorGraph{
			graph:     newGraph("generator", c.G, c.D),
			g:         c.G,
			d:         c.D,
			labels:    c.cfg.NLabels,
			imageSize: c.cfg.ImageSize,
			mode:      c.cfg.Adversarial,
			lambdaCls: c.cfg.LambdaCls,
			lambdaRec: c.cfg.LambdaRec,
		}
		phase, base = gg, &gg.graph
	}

	if err := base.Freeze(c.D.Module); err != nil {
		return nil, err
	}
	base.seal()
	return phase, nil
}

// Discriminator returns the graph used in the discriminator phase.
func (c *Composer) Discriminator() *DiscriminatorGraph {
	return c.discriminator
}

// Generator returns the graph used in the generator phase.
func (c *Composer) Generator() GeneratorPhase {
	return c.generator
}

// Config returns the configuration the composer was built with.
func (c *Composer) Config() Config {
	return c.cfg
}

// Units returns every trainable unit in checkpoint order.
func (c *Composer) Units() []*Unit {
	units := []*Unit{c.G, c.D}
	if c.Ez != nil {
		units = append(units, c.Ez, c.Ey)
	}
	return units
}

// Modules returns the underlying modules.
func (c *Composer) Modules() []*nn.Module {
	var mods []*nn.Module
	for _, u := range c.Units() {
		mods = append(mods, u.Module)
	}
	return mods
}

// Translate runs G on images conditioned on target without recording
// gradients.
func (c *Composer) Translate(images []float32, target Labels) []float32 {
	n, s, l := target.N, c.cfg.ImageSize, target.L
	if c.cfg.Topology == TopologyEncoder {
		z := c.Ez.Module.Predict(images, n)
		return c.G.Module.Predict(concatChannels(z, c.zDim, target.Data, l, n, 1), n)
	}
	return c.G.Module.Predict(concatChannels(images, ImageChannels, target.Tile(s, s), l, n, s*s), n)
}
