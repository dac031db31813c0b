package gan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/openfluke/attrgan/nn"
)

// ResolveRunDirectory creates and returns a fresh directory for a new run:
// baseDir/subName, or baseDir/subName_1, _2, ... if that already exists.
// An existing directory is never returned.
func ResolveRunDirectory(baseDir, subName string) (string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", errors.WithMessagef(err, "creating %s", baseDir)
	}
	base := filepath.Join(baseDir, subName)
	path := base
	for i := 1; ; i++ {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", errors.WithMessagef(err, "creating run directory %s", path)
		}
		path = fmt.Sprintf("%s_%d", base, i)
	}
}

// UnitRecord locates the files of one unit inside a checkpoint.
type UnitRecord struct {
	Name         string  `json:"name"`
	Weights      string  `json:"weights"`
	Optimizer    string  `json:"optimizer"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	Parameters   int     `json:"parameters"`
}

// CheckpointRecord is the manifest of one checkpoint. It is written after
// every file it references, so its presence marks a complete checkpoint.
type CheckpointRecord struct {
	Epoch     int          `json:"epoch"`
	Iteration int          `json:"iteration"`
	Units     []UnitRecord `json:"units"`
	SavedAt   time.Time    `json:"saved_at"`
}

// CheckpointManager saves and restores checkpoints inside one run directory.
type CheckpointManager struct {
	dir string
}

func NewCheckpointManager(dir string) *CheckpointManager {
	return &CheckpointManager{dir: dir}
}

// Dir returns the run directory.
func (m *CheckpointManager) Dir() string {
	return m.dir
}

func weightsFile(name string, epoch int) string {
	return fmt.Sprintf("%s.e%06d.weights.safetensors", name, epoch)
}

func optimizerFile(name string, epoch int) string {
	return fmt.Sprintf("%s.e%06d.optim.safetensors", name, epoch)
}

func manifestFile(epoch int) string {
	return fmt.Sprintf("checkpoint.e%06d.json", epoch)
}

var manifestPattern = regexp.MustCompile(`^checkpoint\.e(\d{6,})\.json$`)

// writeFileAtomic writes data under a temporary name and renames it into
// place, so a reader never sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Save writes the weights and optimizer state of every unit, then the
// manifest.
func (m *CheckpointManager) Save(epoch, iteration int, units []*Unit) (*CheckpointRecord, error) {
	rec := &CheckpointRecord{Epoch: epoch, Iteration: iteration, SavedAt: time.Now().UTC()}
	for _, u := range units {
		weights, err := u.Module.MarshalWeights()
		if err != nil {
			return nil, errors.WithMessagef(err, "serializing %s weights", u.Name())
		}
		optim, err := nn.MarshalAdamState(u.Optimizer.State())
		if err != nil {
			return nil, errors.WithMessagef(err, "serializing %s optimizer", u.Name())
		}

		ur := UnitRecord{
			Name:         u.Name(),
			Weights:      weightsFile(u.Name(), epoch),
			Optimizer:    optimizerFile(u.Name(), epoch),
			Step:         u.Optimizer.StepCount(),
			LearningRate: u.LearningRate(),
			Parameters:   u.Module.ParamCount(),
		}
		if err := writeFileAtomic(filepath.Join(m.dir, ur.Weights), weights); err != nil {
			return nil, errors.WithMessagef(err, "writing %s", ur.Weights)
		}
		if err := writeFileAtomic(filepath.Join(m.dir, ur.Optimizer), optim); err != nil {
			return nil, errors.WithMessagef(err, "writing %s", ur.Optimizer)
		}
		rec.Units = append(rec.Units, ur)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, errors.WithMessage(err, "encoding manifest")
	}
	if err := writeFileAtomic(filepath.Join(m.dir, manifestFile(epoch)), data); err != nil {
		return nil, errors.WithMessagef(err, "writing %s", manifestFile(epoch))
	}
	klog.Infof("checkpoint: saved epoch %d (iteration %d) to %s", epoch, iteration, m.dir)
	return rec, nil
}

func (m *CheckpointManager) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrCheckpointNotFound, "%s in %s", name, m.dir)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %s", name)
	}
	return data, nil
}

// Manifest reads the manifest of epoch.
func (m *CheckpointManager) Manifest(epoch int) (*CheckpointRecord, error) {
	data, err := m.read(manifestFile(epoch))
	if err != nil {
		return nil, err
	}
	rec := &CheckpointRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.WithMessagef(err, "decoding %s", manifestFile(epoch))
	}
	return rec, nil
}

// RestoreWeights loads only the weights of every unit; optimizers are left
// untouched. Every file is decoded and checked before any unit is modified.
func (m *CheckpointManager) RestoreWeights(epoch int, units []*Unit) error {
	decoded := make([]*nn.DecodedWeights, len(units))
	for i, u := range units {
		data, err := m.read(weightsFile(u.Name(), epoch))
		if err != nil {
			return err
		}
		if decoded[i], err = u.Module.DecodeWeights(data); err != nil {
			return errors.Wrapf(ErrShapeMismatch, "restoring %s weights: %v", u.Name(), err)
		}
	}
	for _, w := range decoded {
		w.Apply()
	}
	return nil
}

// Restore loads weights and optimizer state of every unit. Optimizer state
// is restored in two steps: Prime allocates zeroed moments for every
// parameter, then LoadState overwrites them after checking sizes. States
// are checked against a scratch optimizer first, so a bad checkpoint
// leaves every unit as it was.
func (m *CheckpointManager) Restore(epoch int, units []*Unit) (*CheckpointRecord, error) {
	rec, err := m.Manifest(epoch)
	if err != nil {
		return nil, err
	}
	states := make([]*nn.AdamState, len(units))
	for i, u := range units {
		data, err := m.read(optimizerFile(u.Name(), epoch))
		if err != nil {
			return nil, err
		}
		if states[i], err = nn.UnmarshalAdamState(data); err != nil {
			return nil, errors.WithMessagef(err, "decoding %s optimizer", u.Name())
		}
		scratch := nn.NewAdam(0, 0)
		scratch.Prime(u.Module)
		if err := scratch.LoadState(states[i]); err != nil {
			return nil, errors.Wrapf(ErrShapeMismatch, "restoring %s optimizer: %v", u.Name(), err)
		}
	}

	if err := m.RestoreWeights(epoch, units); err != nil {
		return nil, err
	}
	for i, u := range units {
		u.Optimizer.Reset()
		u.Optimizer.Prime(u.Module)
		if err := u.Optimizer.LoadState(states[i]); err != nil {
			return nil, errors.Wrapf(ErrShapeMismatch, "restoring %s optimizer: %v", u.Name(), err)
		}
	}
	klog.Infof("checkpoint: restored epoch %d (iteration %d) from %s", rec.Epoch, rec.Iteration, m.dir)
	return rec, nil
}

// Latest returns the highest epoch with a manifest in the run directory.
func (m *CheckpointManager) Latest() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return 0, errors.Wrapf(ErrCheckpointNotFound, "run directory %s", m.dir)
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "listing %s", m.dir)
	}
	latest := -1
	for _, e := range entries {
		match := manifestPattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		if epoch, err := strconv.Atoi(match[1]); err == nil && epoch > latest {
			latest = epoch
		}
	}
	if latest < 0 {
		return 0, errors.Wrapf(ErrCheckpointNotFound, "no checkpoint in %s", m.dir)
	}
	return latest, nil
}
