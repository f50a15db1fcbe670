// Package cmd contains the root command for the splitgen CLI.
package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose bool
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "splitgen",
	Short: "Split-LLaMA LoRA training and GPT-2 tooling",
	Long: `
Split-LLaMA LoRA training and GPT-2 tooling.

Runs LoRA training configurations, tokenizes documents of any length and
checks that gradient checkpointing leaves GPT-2 results unchanged.
	`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewTokenizeCommand())
	rootCmd.AddCommand(NewCheckCommand())
}
