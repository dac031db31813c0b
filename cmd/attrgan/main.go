// attrgan trains an attribute-conditioned image-to-image GAN on procedural
// portraits.
//
//	attrgan -config run.json -v=1
//	attrgan -config run.json -resume_epoch=-1
package main

import (
	"flag"
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/openfluke/attrgan/gan"
	"github.com/openfluke/attrgan/nn"
)

var (
	flagConfig      = flag.String("config", "", "JSON config file; built-in defaults when empty.")
	flagBatches     = flag.Int("batches", 32, "Batches per pass of the synthetic source.")
	flagNumIters    = flag.Int("num_iters", 0, "Overrides num_iters when > 0.")
	flagResumeEpoch = flag.Int("resume_epoch", 0, "Checkpoint epoch to resume from, -1 for the latest, 0 for a fresh run.")
	flagTopology    = flag.String("topology", "", "Overrides topology: direct or encoder.")
	flagAdversarial = flag.String("adversarial", "", "Overrides adversarial loss: bce or wasserstein.")
	flagSaveDir     = flag.String("model_save_dir", "", "Overrides model_save_dir.")
	flagSampleDir   = flag.String("sample_dir", "", "Overrides sample_dir.")
	flagGPU         = flag.Bool("gpu", false, "Compute large activations with WebGPU.")
)

func loadConfig() (gan.Config, error) {
	cfg := gan.DefaultConfig()
	if *flagConfig != "" {
		var err error
		if cfg, err = gan.LoadConfig(*flagConfig); err != nil {
			return cfg, err
		}
	}
	if *flagNumIters > 0 {
		cfg.NumIters = *flagNumIters
	}
	if *flagResumeEpoch != 0 {
		cfg.ResumeEpoch = *flagResumeEpoch
	}
	if *flagTopology != "" {
		cfg.Topology = gan.Topology(*flagTopology)
	}
	if *flagAdversarial != "" {
		cfg.Adversarial = gan.Adversarial(*flagAdversarial)
	}
	if *flagSaveDir != "" {
		cfg.ModelSaveDir = *flagSaveDir
	}
	if *flagSampleDir != "" {
		cfg.SampleDir = *flagSampleDir
	}
	if *flagGPU {
		cfg.UseGPU = true
	}
	return cfg, cfg.Validate()
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := loadConfig()
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
	nn.SeedWeights(cfg.Seed)

	mods, err := gan.BuildModules(cfg)
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
	composer, err := gan.Compose(cfg, mods)
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}

	if cfg.UseGPU {
		release, err := nn.InitGPU(composer.Modules()...)
		if err != nil {
			klog.Warningf("GPU unavailable, training on CPU: %v", err)
		} else {
			defer release()
		}
	}

	source, err := gan.NewSyntheticSource(cfg, *flagBatches, rand.New(rand.NewSource(cfg.Seed)).Int63())
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
	plots, err := gan.NewPlotSink(cfg.SampleDir)
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
	sink := gan.MultiSink{gan.LogSink{}, plots}

	trainer, err := gan.NewTrainer(composer, source, sink)
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
	runErr := trainer.Run()
	if err := sink.Close(); err != nil {
		klog.Errorf("closing sinks: %v", err)
	}
	if runErr != nil {
		klog.Fatalf("Error:\n%+v", runErr)
	}
	klog.Infof("finished %d iterations; checkpoints in %s, samples in %s", trainer.Iteration(), trainer.RunDir(), cfg.SampleDir)
}
