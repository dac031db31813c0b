package gan

import (
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/attrgan/nn"
)

// TestDiscriminatorFrozenInGeneratorPhase verifies generator-phase updates
// never touch D while its own graph does.
func TestDiscriminatorFrozenInGeneratorPhase(t *testing.T) {
	for _, topology := range []Topology{TopologyDirect, TopologyEncoder} {
		cfg := testConfig(t, topology)
		c := testComposer(t, cfg)
		src := testSource(t, cfg, 3, 2)

		dBefore := snapshot(c.D.Module)
		gBefore := snapshot(c.G.Module)
		for i := 0; i < 3; i++ {
			b, _ := src.Next()
			l := c.Generator().Step(b.Images, b.Labels, ReverseBatch(b.Labels))
			if math.IsNaN(l.Total) {
				t.Fatalf("%s: generator loss is NaN", topology)
			}
		}
		if !sameParams(dBefore, snapshot(c.D.Module)) {
			t.Errorf("%s: generator phase changed D", topology)
		}
		if sameParams(gBefore, snapshot(c.G.Module)) {
			t.Errorf("%s: generator phase left G unchanged", topology)
		}
		if c.D.Updates() != 0 || c.G.Updates() != 3 {
			t.Errorf("%s: expected 0 D and 3 G updates, got %d and %d", topology, c.D.Updates(), c.G.Updates())
		}

		if err := src.Restart(); err != nil {
			t.Fatal(err)
		}
		b, _ := src.Next()
		trg := ReverseBatch(b.Labels)
		gMid := snapshot(c.G.Module)
		c.Discriminator().Step(b.Images, b.Labels, c.Translate(b.Images, trg), trg)
		if sameParams(dBefore, snapshot(c.D.Module)) {
			t.Errorf("%s: discriminator phase left D unchanged", topology)
		}
		if !sameParams(gMid, snapshot(c.G.Module)) {
			t.Errorf("%s: discriminator phase changed G", topology)
		}
	}
}

// TestEncoderGraphUpdatesEncoders verifies Ez and Ey train in the encoder
// graph.
func TestEncoderGraphUpdatesEncoders(t *testing.T) {
	cfg := testConfig(t, TopologyEncoder)
	c := testComposer(t, cfg)
	b, _ := testSource(t, cfg, 1, 3).Next()

	ez, ey := snapshot(c.Ez.Module), snapshot(c.Ey.Module)
	l := c.Generator().Step(b.Images, b.Labels, ReverseBatch(b.Labels))
	if sameParams(ez, snapshot(c.Ez.Module)) || sameParams(ey, snapshot(c.Ey.Module)) {
		t.Error("encoder graph left an encoder unchanged")
	}
	if l.Cycle <= 0 || l.Attr <= 0 || l.Rec <= 0 {
		t.Errorf("expected positive reconstruction, attribute and cycle losses, got %+v", l)
	}
}

// TestGeneratorLossWeights verifies the total follows [λ_rec, -1, λ_cls].
func TestGeneratorLossWeights(t *testing.T) {
	cfg := testConfig(t, TopologyDirect)
	cfg.LambdaRec = 7
	cfg.LambdaCls = 0.5
	c := testComposer(t, cfg)
	b, _ := testSource(t, cfg, 1, 4).Next()

	l := c.Generator().Step(b.Images, b.Labels, ReverseBatch(b.Labels))
	want := 7*l.Rec + l.Adv + 0.5*l.Cls
	if math.Abs(l.Total-want) > 1e-9 {
		t.Errorf("expected total %f, got %f", want, l.Total)
	}
	if l.Adv >= 0 {
		t.Errorf("the BCE adversarial term is -BCE(score, fake) and must be negative, got %f", l.Adv)
	}
}

// TestGradientPenaltyLinearCritic checks the penalty gradient against the
// closed form for a linear critic, whose input gradient is its weight
// column: d/dw (‖w‖-1)² = 2(‖w‖-1) w/‖w‖.
func TestGradientPenaltyLinearCritic(t *testing.T) {
	const in, labels, n = 12, 2, 3
	stride := 1 + labels
	nn.SeedWeights(5)
	d, err := nn.NewModule("D", nn.InitDenseLayer(in, stride, nn.ActivationLinear))
	if err != nil {
		t.Fatalf("NewModule failed: %v", err)
	}
	u := &Unit{Module: d, Optimizer: nn.NewAdam(0.5, 0.999), Schedule: nn.NewConstantScheduler(1e-3)}
	dg := &DiscriminatorGraph{
		graph:    newGraph("discriminator", u),
		d:        u,
		labels:   labels,
		lambdaGP: 1,
		rng:      rand.New(rand.NewSource(1)),
	}
	dg.seal()

	rng := rand.New(rand.NewSource(2))
	real := make([]float32, n*in)
	fake := make([]float32, n*in)
	for i := range real {
		real[i] = float32(rng.NormFloat64())
		fake[i] = float32(rng.NormFloat64())
	}

	grads := dg.gradients(d)
	gp := dg.gradientPenalty(real, fake, n, grads)

	kernel := d.Layers[0].Kernel
	var sq float64
	for k := 0; k < in; k++ {
		w := float64(kernel[k*stride])
		sq += w * w
	}
	norm := math.Sqrt(sq)
	if want := (norm - 1) * (norm - 1); math.Abs(gp-want) > 1e-4 {
		t.Errorf("expected penalty %f, got %f", want, gp)
	}

	for k := 0; k < in; k++ {
		want := 2 * (norm - 1) * float64(kernel[k*stride]) / norm
		if got := float64(grads.Kernel[0][k*stride]); math.Abs(got-want) > 1e-3+1e-2*math.Abs(want) {
			t.Errorf("score weight %d: expected %f, got %f", k, want, got)
		}
		for j := 1; j < stride; j++ {
			if got := grads.Kernel[0][k*stride+j]; math.Abs(float64(got)) > 1e-3 {
				t.Errorf("attribute weight %d,%d: expected 0, got %f", k, j, got)
			}
		}
	}
	for j, b := range grads.Bias[0] {
		if math.Abs(float64(b)) > 1e-3 {
			t.Errorf("bias %d: expected 0, got %f", j, b)
		}
	}
}

// TestWassersteinStep runs the critic loss with the gradient penalty.
func TestWassersteinStep(t *testing.T) {
	for _, topology := range []Topology{TopologyDirect, TopologyEncoder} {
		cfg := testConfig(t, topology)
		cfg.Adversarial = AdversarialWasserstein
		c := testComposer(t, cfg)
		b, _ := testSource(t, cfg, 1, 5).Next()
		trg := ReverseBatch(b.Labels)

		l := c.Discriminator().Step(b.Images, b.Labels, c.Translate(b.Images, trg), trg)
		if l.GP < 0 || math.IsNaN(l.GP) || math.IsInf(l.GP, 0) {
			t.Errorf("%s: bad gradient penalty %f", topology, l.GP)
		}
		want := l.Real + l.Fake + float64(cfg.LambdaCls)*l.Cls + float64(cfg.LambdaGP)*l.GP
		if math.Abs(l.Total-want) > 1e-6*math.Max(1, math.Abs(want)) {
			t.Errorf("%s: expected total %f, got %f", topology, want, l.Total)
		}

		g := c.Generator().Step(b.Images, b.Labels, trg)
		if math.IsNaN(g.Total) {
			t.Errorf("%s: generator loss is NaN", topology)
		}
	}
}

// TestDiscriminatorStepUpdatesTwice verifies the real and fake terms are
// applied as two consecutive updates.
func TestDiscriminatorStepUpdatesTwice(t *testing.T) {
	for _, mode := range []Adversarial{AdversarialBCE, AdversarialWasserstein} {
		cfg := testConfig(t, TopologyDirect)
		cfg.Adversarial = mode
		c := testComposer(t, cfg)
		b, _ := testSource(t, cfg, 1, 6).Next()
		trg := ReverseBatch(b.Labels)

		c.Discriminator().Step(b.Images, b.Labels, c.Translate(b.Images, trg), trg)
		if c.D.Optimizer.StepCount() != 2 || c.D.Updates() != 2 {
			t.Errorf("%s: expected 2 D updates, got %d optimizer steps and %d updates",
				mode, c.D.Optimizer.StepCount(), c.D.Updates())
		}
		if g := c.Discriminator().gradients(c.D.Module); g.Norm() != 0 {
			t.Errorf("%s: gradients left after the step, norm %f", mode, g.Norm())
		}
	}
}
