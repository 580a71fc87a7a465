package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alalapi-0/ASRProgram/internal/transcribe"
)

// NewWatchCmd creates the watch command
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Transcribe the input directory, then keep transcribing new files",
		Long: `Process the input directory once, then watch it for new audio files.
Each new file is transcribed as soon as its size stops changing, using the
same rules as run.

The command runs until interrupted with Ctrl+C or SIGTERM. Linux only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			opts := append([]transcribe.Option{transcribe.WithProgressOutput(cmd.ErrOrStderr())}, serviceOptions...)
			svc, err := transcribe.NewService(cfg, opts...)
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching: %s\n", cfg.Input)
			fmt.Fprintf(out, "Output:   %s\n", cfg.OutDir)
			fmt.Fprintln(out, "Press Ctrl+C to stop")
			fmt.Fprintln(out)

			return svc.Watch(cmd.Context(), func(sum *transcribe.Summary) {
				if sum.Total == 0 {
					return
				}
				printSummary(out, sum)
			})
		},
	}

	addRunFlags(cmd.Flags())
	cmd.Flags().Duration("stable-interval", transcribe.DefaultWatchInterval, "poll interval while waiting for a file to stop changing")
	cmd.Flags().Int("stable-checks", transcribe.DefaultWatchChecks, "unchanged polls required before a file is processed")
	return cmd
}
