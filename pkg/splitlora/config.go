// Package splitlora wires a split-LLaMA LoRA training run together: tokenizer, dataset
// splits, model, adapters and tracker.
package splitlora

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/splitgen/pkg/data"
	"github.com/conneroisu/splitgen/pkg/llama"
	"github.com/conneroisu/splitgen/pkg/tracker"
)

// RayConfig configures the cluster launcher. Runs are always local.
type RayConfig struct {
	AutoStartCluster bool `yaml:"auto_start_cluster"`
}

// TrainerConfig configures the run loop.
type TrainerConfig struct {
	NumTrainSteps  int `yaml:"num_train_steps"`
	TrainBatchSize int `yaml:"train_batch_size"`
	// MaxEvalBatches bounds the validation batches per run; zero evaluates the whole set.
	MaxEvalBatches     int            `yaml:"max_eval_batches"`
	Tracker            tracker.Config `yaml:"tracker"`
	RequireAccelerator bool           `yaml:"require_accelerator"`
	Ray                RayConfig      `yaml:"ray"`
	Seed               uint64         `yaml:"seed"`
}

// TrainLmConfig is the top-level run configuration.
type TrainLmConfig struct {
	// InitializeFromHF names a pretrained checkpoint to start from.
	InitializeFromHF string                 `yaml:"initialize_from_hf"`
	Data             data.LMDatasetConfig   `yaml:"data"`
	Model            llama.SplitLlamaConfig `yaml:"model"`
	Trainer          TrainerConfig          `yaml:"trainer"`
	LoraSeed         uint64                 `yaml:"lora_seed"`
}

// DefaultConfig returns the configuration unset fields fall back to.
func DefaultConfig() TrainLmConfig {
	return TrainLmConfig{
		Model: llama.DefaultSplitLlamaConfig(),
		Trainer: TrainerConfig{
			NumTrainSteps:  100,
			TrainBatchSize: 8,
			MaxEvalBatches: 8,
		},
	}
}

// LoadConfig reads a YAML configuration over DefaultConfig.
func LoadConfig(path string) (TrainLmConfig, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the trainer and model settings.
func (c TrainLmConfig) Validate() error {
	var errs []error
	if c.Trainer.NumTrainSteps <= 0 {
		errs = append(errs, fmt.Errorf("num_train_steps must be positive, got %d", c.Trainer.NumTrainSteps))
	}
	if c.Trainer.TrainBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("train_batch_size must be positive, got %d", c.Trainer.TrainBatchSize))
	}
	if c.Trainer.MaxEvalBatches < 0 {
		errs = append(errs, fmt.Errorf("max_eval_batches must not be negative, got %d", c.Trainer.MaxEvalBatches))
	}
	if err := c.Model.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
