package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/splitgen/pkg/splitlora"
)

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a split-LLaMA LoRA training configuration",
		Long: `
Runs a split-LLaMA LoRA training configuration.

Builds the dataset cache, initializes the model, attaches LoRA adapters to the
blocks that are not skipped and reports the loss of every step.
	`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := splitlora.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			summary, err := splitlora.Main(cmd.Context(), cfg, splitlora.WithOutput(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("failed to train model: %w", err)
			}
			kv := []any{"steps", summary.Steps, "trainable", summary.TrainableCount, "elapsed", summary.Elapsed}
			if n := len(summary.TrainLoss); n > 0 {
				kv = append(kv, "train_loss", summary.TrainLoss[n-1])
			}
			if summary.EvalLoss != nil {
				kv = append(kv, "eval_loss", *summary.EvalLoss)
			}
			log.Info("done", kv...)
			return nil
		},
	}

	cmd.Flags().
		StringVarP(&configPath, "config", "c", "", "Path to the YAML run configuration")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
