package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conneroisu/splitgen/pkg/text"
	"github.com/conneroisu/splitgen/pkg/tokenizer"
)

// NewTokenizeCommand returns a command printing the encoding of a document.
func NewTokenizeCommand() *cobra.Command {
	var (
		tokenizerDir  string
		workaroundLen int
		workers       int
	)
	cmd := &cobra.Command{
		Use:   "tokenize [file]",
		Short: "Tokenize a document",
		Long: `
Tokenizes a document of any length and prints its token ids and byte offsets
as JSON.

Documents longer than the tokenizer can safely encode are split at whitespace,
encoded piecewise and merged back.
	`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenizer.LoadGPT2(tokenizerDir)
			if err != nil {
				return fmt.Errorf("failed to load tokenizer: %w", err)
			}
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			bt := text.NewBatchTokenizer(tok,
				text.WithWorkaroundLen(workaroundLen),
				text.WithWorkers(workers))
			log.Debug("tokenizing",
				"bytes", len(doc),
				"safe_length", tok.MaxSafeLength(),
				"workaround", bt.NeedsLongSequenceWorkaround())
			out, err := bt.Encode(cmd.Context(), []string{string(doc)})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(out[0])
		},
	}

	cmd.Flags().
		StringVarP(&tokenizerDir, "tokenizer", "t", "", "Directory holding vocab.json and merges.txt")
	cmd.Flags().
		IntVar(&workaroundLen, "workaround-len", text.DefaultWorkaroundLen, "Chunk length for tokenizers with a small safe length")
	cmd.Flags().
		IntVarP(&workers, "workers", "w", 0, "Parallel encoders (0 for one per CPU)")
	_ = cmd.MarkFlagRequired("tokenizer")
	return cmd
}
