package cmd

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/splitgen/pkg/gpt2"
	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
)

// NewCheckCommand returns a command verifying that gradient checkpointing leaves the
// outputs and gradients of a random GPT-2 unchanged.
func NewCheckCommand() *cobra.Command {
	var (
		cfg       = gpt2.DefaultConfig()
		vocabSize int
		batchSize int
		seed      uint64
		tolerance float32
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check gradient checkpointing on a random GPT-2",
		Long: `
Initializes a random GPT-2, runs a random batch with and without gradient
checkpointing and fails if logits, loss or gradients differ by more than the
tolerance.
	`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vocab := named.Axis{Name: "vocab", Size: vocabSize}
			keys := prng.NewKey(seed).Split(3)
			model, err := gpt2.NewLMHeadModel(vocab, cfg, keys[0])
			if err != nil {
				return err
			}
			batch := named.Axis{Name: "batch", Size: batchSize}
			tokens, err := named.New(keys[1].RandInt(batchSize*cfg.SeqLen, 0, int32(vocabSize)), batch, cfg.Pos())
			if err != nil {
				return err
			}
			ex := lm.Example{Tokens: tokens, Attn: lm.Causal()}
			log.Debug("checking", "parameters", model.NumParams(), "layers", cfg.NumLayers, "batch", batchSize)
			report, err := gpt2.CompareCheckpointing(model, ex, keys[2])
			if err != nil {
				return err
			}
			log.Info("compared",
				"loss", report.Loss,
				"checkpointed_loss", report.CheckpointedLoss,
				"max_logit_diff", report.MaxLogitDiff,
				"max_grad_diff", report.MaxGradDiff)
			if !report.Within(tolerance) {
				return fmt.Errorf("gradient checkpointing changed results beyond %g", tolerance)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.SeqLen, "seq-len", 64, "Sequence length")
	cmd.Flags().IntVar(&cfg.HiddenDim, "hidden-dim", 128, "Hidden dimension")
	cmd.Flags().IntVar(&cfg.NumLayers, "layers", 4, "Number of blocks")
	cmd.Flags().IntVar(&cfg.NumHeads, "heads", 4, "Attention heads")
	cmd.Flags().Float32Var(&cfg.ResidPdrop, "dropout", 0.1, "Residual dropout")
	cmd.Flags().IntVar(&vocabSize, "vocab", 512, "Vocabulary size")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 2, "Batch size")
	cmd.Flags().Uint64VarP(&seed, "seed", "s", 0, "Seed for the model, batch and dropout keys")
	cmd.Flags().Float32Var(&tolerance, "tolerance", 1e-5, "Largest accepted difference")
	return cmd
}
