package gan

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/openfluke/attrgan/nn"
)

// gpEpsilon is the finite-difference step of the gradient-penalty
// Hessian-vector product.
const gpEpsilon = 1e-2

// Unit is a trainable module with the optimizer and schedule that own its
// state. Several graphs may reference the same Unit; they share its weights.
type Unit struct {
	Module    *nn.Module
	Optimizer *nn.Adam
	Schedule  nn.LRScheduler

	// perIteration is the number of optimizer steps the unit takes in one
	// outer iteration; 0 means 1.
	perIteration int
	updates      int
}

func (u *Unit) Name() string {
	return u.Module.Name
}

// LearningRate is the rate the next update will use. Schedules count outer
// iterations, so every unit decays over the same horizon.
func (u *Unit) LearningRate() float32 {
	return u.Schedule.GetLR(u.Iteration())
}

// Iteration is the number of outer iterations covered by the optimizer's
// steps. It is derived from the step count, which checkpoints restore.
func (u *Unit) Iteration() int {
	if u.perIteration <= 1 {
		return u.Optimizer.StepCount()
	}
	return u.Optimizer.StepCount() / u.perIteration
}

// Updates counts optimizer updates applied by this process.
func (u *Unit) Updates() int {
	return u.updates
}

func (u *Unit) apply(g *nn.Gradients) {
	u.Optimizer.Step(u.Module, g, u.LearningRate())
	u.updates++
}

// graph is the trainable/frozen partition shared by every training graph.
// The partition can only be edited until the graph is sealed by the
// composer; frozen members still propagate gradients but never update.
type graph struct {
	name      string
	members   []*Unit
	trainable map[*nn.Module]bool
	grads     map[*nn.Module]*nn.Gradients
	sealed    bool
}

func newGraph(name string, members ...*Unit) graph {
	g := graph{
		name:      name,
		members:   members,
		trainable: make(map[*nn.Module]bool, len(members)),
		grads:     make(map[*nn.Module]*nn.Gradients, len(members)),
	}
	for _, u := range members {
		g.trainable[u.Module] = true
	}
	return g
}

// Freeze excludes m's parameters from this graph's updates.
func (g *graph) Freeze(m *nn.Module) error {
	return g.setTrainable(m, false)
}

// Unfreeze includes m's parameters in this graph's updates.
func (g *graph) Unfreeze(m *nn.Module) error {
	return g.setTrainable(m, true)
}

// Trainable reports whether m is updated by this graph.
func (g *graph) Trainable(m *nn.Module) bool {
	return g.trainable[m]
}

// Name returns the graph name.
func (g *graph) Name() string {
	return g.name
}

func (g *graph) setTrainable(m *nn.Module, trainable bool) error {
	current, ok := g.trainable[m]
	if !ok || m == nil {
		return errors.Wrapf(ErrConfiguration, "module is not part of the %s graph", g.name)
	}
	if current == trainable {
		return nil
	}
	if g.sealed {
		return errors.Wrapf(ErrConfiguration, "%s graph: partition of %s is fixed after composition", g.name, m.Name)
	}
	g.trainable[m] = trainable
	return nil
}

// seal fixes the partition and allocates gradient buffers for trainable
// members.
func (g *graph) seal() {
	for _, u := range g.members {
		if g.trainable[u.Module] {
			g.grads[u.Module] = u.Module.NewGradients()
		}
	}
	g.sealed = true
}

// gradients returns the accumulation buffer for m, nil when m is frozen.
func (g *graph) gradients(m *nn.Module) *nn.Gradients {
	return g.grads[m]
}

// apply steps the optimizer of every trainable member and clears its
// gradients.
func (g *graph) apply() {
	for _, u := range g.members {
		if grads := g.grads[u.Module]; grads != nil {
			u.apply(grads)
			grads.Zero()
		}
	}
}

// ============================================================================
// Discriminator graph
// ============================================================================

// DiscriminatorLosses are the terms of one discriminator update. Cls sums
// the classification loss on the real and fake halves.
type DiscriminatorLosses struct {
	Total, Real, Fake, Cls, GP float64
}

// DiscriminatorGraph trains D on real images against their own labels and
// on generated images against the labels they were generated for.
type DiscriminatorGraph struct {
	graph
	d *Unit

	labels      int
	imageSize   int
	conditioned bool
	mode        Adversarial
	lambdaCls   float32
	lambdaGP    float32
	rng         *rand.Rand
}

// input returns the D input for images: the images themselves, or images
// with the labels tiled on as extra channels when D is label-conditioned.
func (dg *DiscriminatorGraph) input(images []float32, labels Labels) []float32 {
	if !dg.conditioned {
		return images
	}
	s := dg.imageSize
	return concatChannels(images, ImageChannels, labels.Tile(s, s), labels.L, labels.N, s*s)
}

// Step updates D twice: once on the real term, then once on the fake term
// (with the gradient penalty) using the weights the first update produced.
func (dg *DiscriminatorGraph) Step(real []float32, labelOrg Labels, fake []float32, labelTrg Labels) DiscriminatorLosses {
	d := dg.d.Module
	n := labelOrg.N
	stride := 1 + dg.labels
	grads := dg.gradients(d)
	var l DiscriminatorLosses

	inReal := dg.input(real, labelOrg)
	outReal, traceReal := d.Forward(inReal, n)
	dReal := make([]float32, len(outReal))
	if dg.mode == AdversarialWasserstein {
		l.Real = -scoreMean(outReal, dReal, n, stride, -1)
	} else {
		l.Real = scoreBCE(outReal, dReal, n, stride, 1, 1)
	}
	l.Cls = labelBCE(outReal, dReal, stride, 1, labelOrg, dg.lambdaCls)
	d.Backward(traceReal, dReal, grads)
	dg.apply()

	inFake := dg.input(fake, labelTrg)
	outFake, traceFake := d.Forward(inFake, n)
	dFake := make([]float32, len(outFake))
	if dg.mode == AdversarialWasserstein {
		l.Fake = scoreMean(outFake, dFake, n, stride, 1)
	} else {
		l.Fake = scoreBCE(outFake, dFake, n, stride, 0, 1)
	}
	l.Cls += labelBCE(outFake, dFake, stride, 1, labelTrg, dg.lambdaCls)
	d.Backward(traceFake, dFake, grads)

	if dg.mode == AdversarialWasserstein && dg.lambdaGP > 0 {
		l.GP = dg.gradientPenalty(inReal, inFake, n, grads)
	}

	l.Total = l.Real + l.Fake + float64(dg.lambdaCls)*l.Cls + float64(dg.lambdaGP)*l.GP
	dg.apply()
	return l
}

// gradientPenalty returns mean((‖∇x̂ score‖ - 1)²) at random interpolates
// x̂ of real and fake inputs, and adds λ_gp times its parameter gradient to
// grads. The second-order term is a central difference of the score along
// each sample's normalized input gradient.
func (dg *DiscriminatorGraph) gradientPenalty(real, fake []float32, n int, grads *nn.Gradients) float64 {
	d := dg.d.Module
	stride := 1 + dg.labels
	size := len(real) / n

	xh := make([]float32, len(real))
	for b := 0; b < n; b++ {
		alpha := dg.rng.Float32()
		for k := b * size; k < (b+1)*size; k++ {
			xh[k] = alpha*real[k] + (1-alpha)*fake[k]
		}
	}

	out, trace := d.Forward(xh, n)
	seed := make([]float32, len(out))
	for b := 0; b < n; b++ {
		seed[b*stride] = 1
	}
	gx := d.Backward(trace, seed, nil)

	penalties := make([]float64, n)
	coef := make([]float32, n)
	plus := make([]float32, len(xh))
	minus := make([]float32, len(xh))
	for b := 0; b < n; b++ {
		seg := gx[b*size : (b+1)*size]
		var sq float64
		for _, v := range seg {
			sq += float64(v) * float64(v)
		}
		norm := math.Sqrt(sq)
		penalties[b] = (norm - 1) * (norm - 1)
		coef[b] = dg.lambdaGP * 2 * float32(norm-1) / float32(n)

		for k := range seg {
			var u float32
			if norm > 0 {
				u = seg[k] / float32(norm)
			}
			plus[b*size+k] = xh[b*size+k] + gpEpsilon*u
			minus[b*size+k] = xh[b*size+k] - gpEpsilon*u
		}
	}

	for _, side := range []struct {
		x    []float32
		sign float32
	}{{plus, 1}, {minus, -1}} {
		o, t := d.Forward(side.x, n)
		g := make([]float32, len(o))
		for b := 0; b < n; b++ {
			g[b*stride] = side.sign * coef[b] / (2 * gpEpsilon)
		}
		d.Backward(t, g, grads)
	}

	return floats.Sum(penalties) / float64(n)
}

// ============================================================================
// Generator graphs
// ============================================================================

// GeneratorLosses are the terms of one generator-phase update. Adv is
// already signed: -BCE(score, fake) or -mean(score). Attr and Cycle are
// only produced by the encoder topology.
type GeneratorLosses struct {
	Total, Rec, Adv, Cls, Attr, Cycle float64
}

// GeneratorPhase is the graph updated in the generator phase. D is a frozen
// member of every GeneratorPhase.
type GeneratorPhase interface {
	Step(real []float32, labelOrg, labelTrg Labels) GeneratorLosses
	Freeze(m *nn.Module) error
	Unfreeze(m *nn.Module) error
	Trainable(m *nn.Module) bool
	Name() string
}

func generatorAdversarial(mode Adversarial, out, grad []float32, n, stride int) float64 {
	if mode == AdversarialWasserstein {
		return -scoreMean(out, grad, n, stride, -1)
	}
	return -scoreBCE(out, grad, n, stride, 0, -1)
}

// GeneratorGraph chains G into D for the direct topology. Loss weights are
// [λ_rec, -1, λ_cls] over reconstruction, real/fake and classification.
type GeneratorGraph struct {
	graph
	g, d *Unit

	labels    int
	imageSize int
	mode      Adversarial
	lambdaCls float32
	lambdaRec float32
}

// Step translates real to labelTrg and applies one G update.
func (gg *GeneratorGraph) Step(real []float32, _ Labels, labelTrg Labels) GeneratorLosses {
	g, d := gg.g.Module, gg.d.Module
	n, s := labelTrg.N, gg.imageSize
	stride := 1 + gg.labels
	var l GeneratorLosses

	in := concatChannels(real, ImageChannels, labelTrg.Tile(s, s), labelTrg.L, n, s*s)
	fake, traceG := g.Forward(in, n)
	out, traceD := d.Forward(fake, n)

	dOut := make([]float32, len(out))
	l.Adv = generatorAdversarial(gg.mode, out, dOut, n, stride)
	l.Cls = labelBCE(out, dOut, stride, 1, labelTrg, gg.lambdaCls)
	dFake := d.Backward(traceD, dOut, gg.gradients(d))

	l.Rec = mae(fake, real, dFake, gg.lambdaRec)
	g.Backward(traceG, dFake, gg.gradients(g))

	l.Total = float64(gg.lambdaRec)*l.Rec + l.Adv + float64(gg.lambdaCls)*l.Cls
	gg.apply()
	return l
}

// EncoderGraph updates G, Ez and Ey together for the encoder topology.
// Terms: reconstruction G(Ez(x), σ(Ey(x))) ≈ x and Ey supervision against
// the source labels; translation G(Ez(x), y_trg) scored by the frozen D;
// latent cycle Ez(G(Ez(x), y_trg)) ≈ Ez(x).
type EncoderGraph struct {
	graph
	g, d, ez, ey *Unit

	labels    int
	zDim      int
	imageSize int
	mode      Adversarial
	lambdaCls float32
	lambdaRec float32
}

// Step applies one update to G, Ez and Ey.
func (eg *EncoderGraph) Step(real []float32, labelOrg, labelTrg Labels) GeneratorLosses {
	g, d, ez, ey := eg.g.Module, eg.d.Module, eg.ez.Module, eg.ey.Module
	n, s, nl := labelOrg.N, eg.imageSize, eg.labels
	stride := 1 + nl
	var l GeneratorLosses

	z, traceZ := ez.Forward(real, n)
	logits, traceY := ey.Forward(real, n)
	probs := make([]float32, len(logits))
	for i, v := range logits {
		probs[i] = nn.Sigmoid(v)
	}

	// Reconstruction from the encoded attributes.
	rec, traceRec := g.Forward(concatChannels(z, eg.zDim, probs, nl, n, 1), n)
	dRec := make([]float32, len(rec))
	l.Rec = mae(rec, real, dRec, eg.lambdaRec)

	dLogits := make([]float32, len(logits))
	l.Attr = labelBCE(logits, dLogits, nl, 0, labelOrg, eg.lambdaCls)

	// Translation judged by the frozen discriminator.
	fake, traceFake := g.Forward(concatChannels(z, eg.zDim, labelTrg.Data, nl, n, 1), n)
	out, traceD := d.Forward(concatChannels(fake, ImageChannels, labelTrg.Tile(s, s), nl, n, s*s), n)
	dOut := make([]float32, len(out))
	l.Adv = generatorAdversarial(eg.mode, out, dOut, n, stride)
	l.Cls = labelBCE(out, dOut, stride, 1, labelTrg, eg.lambdaCls)
	dIn := d.Backward(traceD, dOut, eg.gradients(d))
	dFake, _ := splitChannels(dIn, ImageChannels, nl, n, s*s)

	// Latent cycle; z is the fixed target.
	zc, traceCycle := ez.Forward(fake, n)
	dzc := make([]float32, len(zc))
	l.Cycle = mae(zc, z, dzc, eg.lambdaRec)
	addInto(dFake, ez.Backward(traceCycle, dzc, eg.gradients(ez)))

	dz, _ := splitChannels(g.Backward(traceFake, dFake, eg.gradients(g)), eg.zDim, nl, n, 1)
	dzRec, dProbs := splitChannels(g.Backward(traceRec, dRec, eg.gradients(g)), eg.zDim, nl, n, 1)
	addInto(dz, dzRec)
	for i, p := range probs {
		dLogits[i] += dProbs[i] * p * (1 - p)
	}
	ey.Backward(traceY, dLogits, eg.gradients(ey))
	ez.Backward(traceZ, dz, eg.gradients(ez))

	l.Total = float64(eg.lambdaRec)*(l.Rec+l.Cycle) + float64(eg.lambdaCls)*(l.Attr+l.Cls) + l.Adv
	eg.apply()
	return l
}
