package gan

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Topology selects how the generator is conditioned.
type Topology string

const (
	// TopologyDirect feeds the target labels to G as extra image channels.
	TopologyDirect Topology = "direct"
	// TopologyEncoder feeds G a latent code from Ez and an attribute
	// vector from Ey (IcGAN).
	TopologyEncoder Topology = "encoder"
)

// Adversarial selects the real/fake loss.
type Adversarial string

const (
	AdversarialBCE         Adversarial = "bce"
	AdversarialWasserstein Adversarial = "wasserstein"
)

// ImageChannels is the channel count of every image the trainer handles.
const ImageChannels = 3

// Config is every option the trainer recognizes.
type Config struct {
	// Model
	ImageSize  int `json:"image_size"`
	NLabels    int `json:"n_labels"`
	GConvDim   int `json:"g_conv_dim"`
	DConvDim   int `json:"d_conv_dim"`
	GRepeatNum int `json:"g_repeat_num"`
	DRepeatNum int `json:"d_repeat_num"`
	ZDim       int `json:"z_dim"`

	// Loss weights
	LambdaCls float32 `json:"lambda_cls"`
	LambdaRec float32 `json:"lambda_rec"`
	LambdaGP  float32 `json:"lambda_gp"`

	// Optimizers
	GLR        float32 `json:"g_lr"`
	DLR        float32 `json:"d_lr"`
	ELR        float32 `json:"e_lr"`
	Beta1      float32 `json:"beta1"`
	Beta2      float32 `json:"beta2"`
	LRSchedule string  `json:"lr_schedule"`

	// Training
	BatchSize     int         `json:"batch_size"`
	NumIters      int         `json:"num_iters"`
	NumItersDecay int         `json:"num_iters_decay"`
	NCritic       int         `json:"n_critic"`
	ResumeEpoch   int         `json:"resume_epoch"`
	SelectedAttrs []string    `json:"selected_attrs"`
	Topology      Topology    `json:"topology"`
	Adversarial   Adversarial `json:"adversarial"`
	Seed          int64       `json:"seed"`
	UseGPU        bool        `json:"use_gpu"`

	// Steps
	LogStep       int `json:"log_step"`
	SampleStep    int `json:"sample_step"`
	ModelSaveStep int `json:"model_save_step"`

	// Directories
	ModelSaveDir string `json:"model_save_dir"`
	ModelSubDir  string `json:"model_sub_dir"`
	SampleDir    string `json:"sample_dir"`
}

// DefaultConfig returns a small configuration that trains on a CPU.
func DefaultConfig() Config {
	return Config{
		ImageSize:     16,
		NLabels:       5,
		GConvDim:      16,
		DConvDim:      16,
		GRepeatNum:    2,
		DRepeatNum:    3,
		ZDim:          32,
		LambdaCls:     1,
		LambdaRec:     10,
		LambdaGP:      10,
		GLR:           1e-4,
		DLR:           1e-4,
		ELR:           1e-4,
		Beta1:         0.5,
		Beta2:         0.999,
		LRSchedule:    "linear",
		BatchSize:     8,
		NumIters:      2000,
		NumItersDecay: 1000,
		NCritic:       5,
		SelectedAttrs: []string{"Black_Hair", "Blond_Hair", "Brown_Hair", "Male", "Young"},
		Topology:      TopologyDirect,
		Adversarial:   AdversarialBCE,
		Seed:          1,
		LogStep:       10,
		SampleStep:    10,
		ModelSaveStep: 50,
		ModelSaveDir:  "models",
		ModelSubDir:   "attrgan",
		SampleDir:     "samples",
	}
}

// LoadConfig reads a JSON file over DefaultConfig; fields missing from the
// file keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WithMessagef(err, "reading config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrConfiguration, "parsing config %s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

// Epochs is the number of log_step-long epochs in the run.
func (c Config) Epochs() int {
	return c.NumIters / c.LogStep
}

// Validate checks option ranges and label consistency.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"image_size", c.ImageSize},
		{"n_labels", c.NLabels},
		{"g_conv_dim", c.GConvDim},
		{"d_conv_dim", c.DConvDim},
		{"d_repeat_num", c.DRepeatNum},
		{"batch_size", c.BatchSize},
		{"num_iters", c.NumIters},
		{"n_critic", c.NCritic},
		{"log_step", c.LogStep},
		{"sample_step", c.SampleStep},
		{"model_save_step", c.ModelSaveStep},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Wrapf(ErrConfiguration, "%s must be > 0, got %d", p.name, p.value)
		}
	}
	if c.GRepeatNum < 0 || c.NumItersDecay < 0 {
		return errors.Wrap(ErrConfiguration, "g_repeat_num and num_iters_decay must be >= 0")
	}
	if c.ResumeEpoch < -1 {
		return errors.Wrapf(ErrConfiguration, "resume_epoch %d: use -1 for latest or 0 for a fresh run", c.ResumeEpoch)
	}
	if c.Epochs() == 0 {
		return errors.Wrapf(ErrConfiguration, "num_iters %d is shorter than log_step %d", c.NumIters, c.LogStep)
	}
	if err := checkAttributeNames(c.SelectedAttrs, c.NLabels); err != nil {
		return errors.WithMessage(err, "selected_attrs")
	}
	switch c.Topology {
	case TopologyDirect:
	case TopologyEncoder:
		if c.ZDim <= 0 {
			return errors.Wrap(ErrConfiguration, "encoder topology needs z_dim > 0")
		}
	default:
		return errors.Wrapf(ErrConfiguration, "unknown topology %q", c.Topology)
	}
	switch c.Adversarial {
	case AdversarialBCE, AdversarialWasserstein:
	default:
		return errors.Wrapf(ErrConfiguration, "unknown adversarial loss %q", c.Adversarial)
	}
	for _, lr := range []float32{c.GLR, c.DLR, c.ELR} {
		if lr <= 0 {
			return errors.Wrap(ErrConfiguration, "learning rates must be > 0")
		}
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Wrapf(ErrConfiguration, "betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	if c.ModelSaveDir == "" || c.ModelSubDir == "" {
		return errors.Wrap(ErrConfiguration, "model_save_dir and model_sub_dir are required")
	}
	return nil
}
