package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/manifest"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/status"
)

// ErrNoManifest is returned when status cannot work out which manifest to read.
var ErrNoManifest = errors.New("no manifest: pass --manifest or --out-dir")

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the manifest of an output directory",
		Long: `Replay the manifest and report how many inputs ended in each state,
which inputs failed last time, and the most recently transcribed file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.ManifestPath == "" {
				return ErrNoManifest
			}

			stats, err := status.FromManifest(cfg.ManifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			printStatus(cmd, cfg.ManifestPath, stats)
			return nil
		},
	}

	cmd.Flags().StringP("out-dir", "o", "", "output directory holding the manifest")
	cmd.Flags().String("manifest", "", "manifest path (default <out-dir>/_manifest.jsonl)")
	return cmd
}

func printStatus(cmd *cobra.Command, path string, stats *status.Stats) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Manifest: %s\n", path)
	if stats.Records == 0 {
		fmt.Fprintln(out, "No records")
		return
	}
	fmt.Fprintf(out, "Inputs:   %d (%d records, %d runs)\n", stats.Inputs, stats.Records, stats.Runs)

	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-10s %d\n", s, stats.Count(manifest.Status(s)))
	}
	if stats.Stale > 0 {
		fmt.Fprintf(out, "Stale:    %d (rerun with --overwrite to rebuild)\n", stats.Stale)
	}

	if stats.LastProcessed != nil {
		fmt.Fprintf(out, "Last:     %s at %s\n",
			status.BaseName(stats.LastProcessed.Path),
			status.FormatTimestamp(stats.LastProcessed.Timestamp))
	}

	if len(stats.Failed) > 0 {
		fmt.Fprintln(out, "Failed:")
		for _, f := range stats.Failed {
			fmt.Fprintf(out, "  %s [%s] %s (attempts %d)\n", status.BaseName(f.Input), f.Type, f.Message, f.Attempts)
		}
	}
}
