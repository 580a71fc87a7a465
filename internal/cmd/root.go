package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the asrprogram CLI
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "asrprogram",
		Short: "Batch speech-to-text job runner",
		Long: `asrprogram transcribes a directory of audio files into word-level JSON
artifacts. Runs are idempotent: completed inputs are skipped, failed inputs
are retried on the next run, and concurrent runs on the same output
directory never process an input twice.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default ./asrprogram.yaml or ~/.config/asrprogram/asrprogram.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "named profile from the config file")

	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewWatchCmd())
	rootCmd.AddCommand(NewStopCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewValidateCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}
