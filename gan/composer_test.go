package gan

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/openfluke/attrgan/nn"
)

// testConfig is a tiny configuration that trains in milliseconds.
func testConfig(t *testing.T, topology Topology) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ImageSize = 8
	cfg.NLabels = 3
	cfg.SelectedAttrs = []string{"Black_Hair", "Blond_Hair", "Male"}
	cfg.GConvDim = 4
	cfg.DConvDim = 4
	cfg.GRepeatNum = 1
	cfg.DRepeatNum = 2
	cfg.ZDim = 6
	cfg.BatchSize = 2
	cfg.NumIters = 4
	cfg.NumItersDecay = 2
	cfg.NCritic = 2
	cfg.LogStep = 2
	cfg.SampleStep = 1
	cfg.ModelSaveStep = 1
	cfg.Topology = topology
	cfg.ModelSaveDir = t.TempDir()
	cfg.ModelSubDir = "run"
	cfg.SampleDir = filepath.Join(cfg.ModelSaveDir, "samples")
	return cfg
}

func testComposer(t *testing.T, cfg Config) *Composer {
	t.Helper()
	nn.SeedWeights(cfg.Seed)
	mods, err := BuildModules(cfg)
	if err != nil {
		t.Fatalf("BuildModules failed: %+v", err)
	}
	c, err := Compose(cfg, mods)
	if err != nil {
		t.Fatalf("Compose failed: %+v", err)
	}
	return c
}

func testSource(t *testing.T, cfg Config, batches int, seed int64) *SliceSource {
	t.Helper()
	src, err := NewSyntheticSource(cfg, batches, seed)
	if err != nil {
		t.Fatalf("NewSyntheticSource failed: %+v", err)
	}
	return src
}

// snapshot copies every parameter of m.
func snapshot(m *nn.Module) [][]float32 {
	var out [][]float32
	for _, l := range m.Layers {
		out = append(out, append([]float32(nil), l.Kernel...), append([]float32(nil), l.Bias...))
	}
	return out
}

func sameParams(a, b [][]float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

// TestComposeTopologies verifies both topologies compose with D trainable
// only in its own graph.
func TestComposeTopologies(t *testing.T) {
	for _, tt := range []struct {
		topology Topology
		units    int
	}{
		{TopologyDirect, 2},
		{TopologyEncoder, 4},
	} {
		c := testComposer(t, testConfig(t, tt.topology))
		if got := len(c.Units()); got != tt.units {
			t.Errorf("%s: expected %d units, got %d", tt.topology, tt.units, got)
		}
		d := c.D.Module
		if !c.Discriminator().Trainable(d) {
			t.Errorf("%s: D must be trainable in the discriminator graph", tt.topology)
		}
		if c.Generator().Trainable(d) {
			t.Errorf("%s: D must be frozen in the generator graph", tt.topology)
		}
		if !c.Generator().Trainable(c.G.Module) {
			t.Errorf("%s: G must be trainable in the generator graph", tt.topology)
		}
		if tt.topology == TopologyEncoder {
			if !c.Generator().Trainable(c.Ez.Module) || !c.Generator().Trainable(c.Ey.Module) {
				t.Errorf("encoders must be trainable in the encoder graph")
			}
		}
	}
}

// TestComposePartitionFixed verifies the partition cannot change after
// composition.
func TestComposePartitionFixed(t *testing.T) {
	c := testComposer(t, testConfig(t, TopologyDirect))
	d := c.D.Module

	if err := c.Generator().Unfreeze(d); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Unfreeze(D) on the generator graph: expected ErrConfiguration, got %v", err)
	}
	if err := c.Discriminator().Freeze(d); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Freeze(D) on the discriminator graph: expected ErrConfiguration, got %v", err)
	}
	if err := c.Generator().Freeze(d); err != nil {
		t.Errorf("Freeze(D) on the generator graph is a no-op, got %v", err)
	}
	if err := c.Discriminator().Freeze(c.G.Module); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Freeze(G) on the discriminator graph: expected ErrConfiguration, got %v", err)
	}
	if c.Generator().Trainable(d) {
		t.Error("a rejected edit changed the partition")
	}
}

// TestComposeErrors verifies shape and label mismatches are rejected.
func TestComposeErrors(t *testing.T) {
	cfg := testConfig(t, TopologyDirect)
	s, l := cfg.ImageSize, cfg.NLabels
	mustModule := func(name string, layers ...nn.LayerConfig) *nn.Module {
		m, err := nn.NewModule(name, layers...)
		if err != nil {
			t.Fatalf("NewModule failed: %v", err)
		}
		return m
	}
	defaults, err := BuildModules(cfg)
	if err != nil {
		t.Fatalf("BuildModules failed: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		mods Modules
		want error
	}{
		{
			name: "G emits four channels",
			cfg:  cfg,
			mods: Modules{
				G: mustModule("G", nn.InitConv2DLayer(s, s, ImageChannels+l, 3, 1, 1, 4, nn.ActivationTanh)),
				D: defaults.D,
			},
			want: ErrShapeMismatch,
		},
		{
			name: "D expects four channels",
			cfg:  cfg,
			mods: Modules{G: defaults.G, D: mustModule("D", convTrunk(4, s, 4, 2, 1+l)...)},
			want: ErrShapeMismatch,
		},
		{
			name: "D predicts an extra attribute",
			cfg:  cfg,
			mods: Modules{G: defaults.G, D: mustModule("D", convTrunk(ImageChannels, s, 4, 2, 2+l)...)},
			want: ErrConfiguration,
		},
		{
			name: "G takes fewer label channels",
			cfg:  cfg,
			mods: Modules{
				G: mustModule("G", nn.InitConv2DLayer(s, s, ImageChannels+l-1, 3, 1, 1, ImageChannels, nn.ActivationTanh)),
				D: defaults.D,
			},
			want: ErrConfiguration,
		},
		{
			name: "missing D",
			cfg:  cfg,
			mods: Modules{G: defaults.G},
			want: ErrConfiguration,
		},
		{
			name: "duplicate names",
			cfg:  cfg,
			mods: Modules{G: defaults.G, D: mustModule("G", convTrunk(ImageChannels, s, 4, 2, 1+l)...)},
			want: ErrConfiguration,
		},
	}

	enc := testConfig(t, TopologyEncoder)
	encMods, err := BuildModules(enc)
	if err != nil {
		t.Fatalf("BuildModules failed: %v", err)
	}
	tests = append(tests,
		struct {
			name string
			cfg  Config
			mods Modules
			want error
		}{
			name: "Ey predicts an extra attribute",
			cfg:  enc,
			mods: Modules{G: encMods.G, D: encMods.D, Ez: encMods.Ez, Ey: mustModule("Ey", convTrunk(ImageChannels, s, 4, 2, l+1)...)},
			want: ErrConfiguration,
		},
		struct {
			name string
			cfg  Config
			mods Modules
			want error
		}{
			name: "unconditioned D in the encoder topology",
			cfg:  enc,
			mods: Modules{G: encMods.G, D: defaults.D, Ez: encMods.Ez, Ey: encMods.Ey},
			want: ErrShapeMismatch,
		},
	)

	bad := cfg
	bad.LRSchedule = "cosine"
	tests = append(tests, struct {
		name string
		cfg  Config
		mods Modules
		want error
	}{name: "unknown schedule", cfg: bad, mods: defaults, want: ErrConfiguration})

	for _, tt := range tests {
		c, err := Compose(tt.cfg, tt.mods)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
		if c != nil {
			t.Errorf("%s: a composer was returned with the error", tt.name)
		}
	}
}

// TestTranslateShapes verifies Translate returns one image per target row.
func TestTranslateShapes(t *testing.T) {
	for _, topology := range []Topology{TopologyDirect, TopologyEncoder} {
		cfg := testConfig(t, topology)
		c := testComposer(t, cfg)
		b, ok := testSource(t, cfg, 1, 1).Next()
		if !ok {
			t.Fatal("empty source")
		}
		out := c.Translate(b.Images, ReverseBatch(b.Labels))
		if len(out) != len(b.Images) {
			t.Errorf("%s: expected %d values, got %d", topology, len(b.Images), len(out))
		}
		for _, v := range out {
			if v < -1 || v > 1 {
				t.Fatalf("%s: generated value %f outside [-1, 1]", topology, v)
			}
		}
	}
}
