package gan

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// recordingSink keeps every call for inspection.
type recordingSink struct {
	scalars map[string][]float64
	images  []string
	closed  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{scalars: make(map[string][]float64)}
}

func (s *recordingSink) Scalar(tag string, value float64, step int) {
	s.scalars[tag] = append(s.scalars[tag], value)
}

func (s *recordingSink) Image(tag string, img image.Image, step int) {
	s.images = append(s.images, tag)
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func runTrainer(t *testing.T, cfg Config, sink Sink) *Trainer {
	t.Helper()
	tr, err := NewTrainer(testComposer(t, cfg), testSource(t, cfg, 3, 1), sink)
	if err != nil {
		t.Fatalf("NewTrainer failed: %+v", err)
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("Run failed: %+v", err)
	}
	return tr
}

// TestTrainerFreshRun verifies epochs, checkpoints and emitted metrics of a
// fresh run.
func TestTrainerFreshRun(t *testing.T) {
	cfg := testConfig(t, TopologyDirect)
	sink := newRecordingSink()
	tr := runTrainer(t, cfg, sink)

	if tr.Iteration() != cfg.NumIters {
		t.Errorf("Expected %d iterations, got %d", cfg.NumIters, tr.Iteration())
	}
	got := tr.Scheduler().Counters()
	if got.GeneratorUps != 4 || got.DiscriminatorUps != 8 {
		t.Errorf("Expected 4 G and 8 D updates, got %+v", got)
	}
	for _, name := range []string{"checkpoint.e000001.json", "checkpoint.e000002.json"} {
		if _, err := os.Stat(filepath.Join(tr.RunDir(), name)); err != nil {
			t.Errorf("missing %s", name)
		}
	}
	for _, tag := range lossTags {
		if len(sink.scalars[tag]) != cfg.Epochs() {
			t.Errorf("%s: expected %d values, got %d", tag, cfg.Epochs(), len(sink.scalars[tag]))
		}
	}
	if len(sink.scalars["lr/G"]) != cfg.Epochs() || len(sink.scalars["lr/D"]) != cfg.Epochs() {
		t.Error("learning rates were not reported")
	}
	if len(sink.images) != 2*cfg.Epochs() || sink.images[0] != "sample/input" {
		t.Errorf("unexpected images %v", sink.images)
	}
}

// TestTrainerResumeLatest verifies a run continues from the newest
// checkpoint of the same directory.
func TestTrainerResumeLatest(t *testing.T) {
	cfg := testConfig(t, TopologyEncoder)
	first := runTrainer(t, cfg, newRecordingSink())

	resume := cfg
	resume.ResumeEpoch = -1
	resume.NumIters = 6
	resume.Seed = 3
	second := runTrainer(t, resume, newRecordingSink())

	if second.RunDir() != first.RunDir() {
		t.Errorf("Expected resume in %s, got %s", first.RunDir(), second.RunDir())
	}
	if second.Iteration() != 6 {
		t.Errorf("Expected 6 iterations, got %d", second.Iteration())
	}
	if got := second.Scheduler().Counters().GeneratorUps; got != 2 {
		t.Errorf("Expected 2 new G updates, got %d", got)
	}
	rec, err := NewCheckpointManager(second.RunDir()).Manifest(3)
	if err != nil {
		t.Fatalf("Manifest failed: %+v", err)
	}
	if rec.Iteration != 6 {
		t.Errorf("Expected iteration 6 in the manifest, got %d", rec.Iteration)
	}
	for _, u := range rec.Units {
		if u.Name == "G" && u.Step != 6 {
			t.Errorf("Expected 6 G optimizer steps, got %d", u.Step)
		}
	}

	// A resume that already reaches the configured length does nothing.
	done := runTrainer(t, resume, newRecordingSink())
	if done.Iteration() != 6 || done.Scheduler().Counters().GeneratorUps != 0 {
		t.Errorf("a finished run trained again: %+v", done.Scheduler().Counters())
	}
}

// TestTrainerResumeMissing verifies a missing resume epoch fails instead of
// starting over.
func TestTrainerResumeMissing(t *testing.T) {
	cfg := testConfig(t, TopologyDirect)
	cfg.ResumeEpoch = 5
	tr, err := NewTrainer(testComposer(t, cfg), testSource(t, cfg, 3, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("Expected ErrCheckpointNotFound, got %v", err)
	}
}

// TestTrainerFreshRunsAreDistinct verifies two fresh runs never share a
// directory.
func TestTrainerFreshRunsAreDistinct(t *testing.T) {
	cfg := testConfig(t, TopologyDirect)
	cfg.NumIters = 2
	a := runTrainer(t, cfg, nil)
	b := runTrainer(t, cfg, nil)
	if a.RunDir() == b.RunDir() {
		t.Errorf("both runs used %s", a.RunDir())
	}
}

// TestNewTrainerValidation verifies a trainer needs a composer and a source.
func TestNewTrainerValidation(t *testing.T) {
	cfg := testConfig(t, TopologyDirect)
	if _, err := NewTrainer(nil, testSource(t, cfg, 1, 1), nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil composer: expected ErrConfiguration, got %v", err)
	}
	if _, err := NewTrainer(testComposer(t, cfg), nil, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nil source: expected ErrConfiguration, got %v", err)
	}
}
