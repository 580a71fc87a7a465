package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alalapi-0/ASRProgram/internal/transcribe"
)

// serviceOptions lets tests inject collaborators into commands that build
// a Service.
var serviceOptions []transcribe.Option

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transcribe every audio file under the input path",
		Long: `Scan the input path for audio files and transcribe each one into
<name>.words.json (and <name>.segments.json) inside the output directory.

Completed inputs are skipped unless --force is set. Stale results (the
input changed since it was transcribed) are reported and only rebuilt with
--overwrite. Failed inputs leave a <name>.error.txt and are retried on the
next run. Every decision is appended to the manifest.

Ctrl+C stops new work from starting; files already in progress finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return runBatch(cmd, cfg, asJSON)
		},
	}

	addRunFlags(cmd.Flags())
	cmd.Flags().Bool("json", false, "print the run summary as JSON")
	return cmd
}

func runBatch(cmd *cobra.Command, cfg *transcribe.Config, asJSON bool) error {
	opts := append([]transcribe.Option{transcribe.WithProgressOutput(cmd.ErrOrStderr())}, serviceOptions...)
	svc, err := transcribe.NewService(cfg, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	sum, err := svc.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	printSummary(cmd.OutOrStdout(), sum)
	return nil
}

// addRunFlags registers the flags shared by run and watch. Defaults shown
// here are informational; a flag only overrides lower config layers when
// set on the command line.
func addRunFlags(fs *pflag.FlagSet) {
	def := transcribe.DefaultConfig()

	fs.StringP("input", "i", "", "input audio file or directory")
	fs.StringP("out-dir", "o", "", "output directory for artifacts")
	fs.String("manifest", "", "manifest path (default <out-dir>/"+transcribe.DefaultManifestName+")")
	fs.IntP("workers", "w", def.NumWorkers, "maximum concurrent tasks")
	fs.Int("max-retries", def.MaxRetries, "retries per task after the first attempt")
	fs.Float64("rate-limit", def.RateLimit, "task submissions per second (0 disables)")
	fs.Bool("skip-done", def.SkipDone, "skip inputs with complete, current outputs")
	fs.Bool("overwrite", def.Overwrite, "rebuild stale outputs")
	fs.Bool("force", def.Force, "reprocess every input")
	fs.Bool("fail-fast", def.FailFast, "stop submitting tasks after the first failure")
	fs.Bool("integrity-check", def.IntegrityCheck, "compare input hashes against recorded outputs")
	fs.Duration("lock-timeout", def.LockTimeout, "how long to wait for a per-input lock")
	fs.String("lock-strategy", def.LockStrategy, "lock strategy: auto, flock or exclusive")
	fs.Bool("cleanup-temp", def.CleanupTemp, "remove leftover temporary files")
	fs.Bool("segments-json", def.SegmentsJSON, "also write <name>.segments.json")
	fs.Bool("dry-run", def.DryRun, "report decisions without writing anything")
	fs.StringSlice("extensions", nil, "audio extensions to include (default .wav,.mp3,.m4a,.flac,.ogg,.aac)")
	fs.Bool("progress", def.Progress, "print per-file progress on stderr")
	fs.StringP("backend", "b", def.Runtime.Backend, "transcription backend")
	fs.String("language", def.Runtime.Language, "language hint")
	fs.String("model", def.Runtime.Model, "backend model name")
	fs.String("log-format", def.Log.Format, "log format: human or jsonl")
	fs.String("log-level", def.Log.Level, "log level: debug, info, warn or error")
	fs.String("log-dir", def.Log.Dir, "log directory")
	fs.String("metrics-file", "", "export run metrics to this file")
	fs.String("metrics-format", def.Metrics.Format, "metrics format: jsonl or csv")
}

func loadConfig(cmd *cobra.Command) (*transcribe.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	profile, _ := cmd.Flags().GetString("profile")

	cfg, err := transcribe.Load(transcribe.LoadOptions{
		File:    file,
		Profile: profile,
		Flags:   cmd.Flags(),
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printSummary(w io.Writer, sum *transcribe.Summary) {
	if sum.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was written")
	}
	fmt.Fprintln(w, sum.String())
	if sum.SkippedStale > 0 {
		fmt.Fprintf(w, "Stale results skipped: %d (use --overwrite to rebuild)\n", sum.SkippedStale)
	}
	if sum.LockConflict > 0 {
		fmt.Fprintf(w, "Inputs locked by another run: %d\n", sum.LockConflict)
	}
	if len(sum.Errors) > 0 {
		fmt.Fprintf(w, "Failed inputs (%d):\n", len(sum.Errors))
		for _, item := range sum.Errors {
			fmt.Fprintf(w, "  %s: %s (attempts %d, see %s)\n", item.Input, item.Reason, item.Attempts, item.ErrorPath)
		}
	}
	if !sum.DryRun {
		fmt.Fprintf(w, "Output:   %s\n", sum.OutDir)
		fmt.Fprintf(w, "Manifest: %s\n", sum.ManifestPath)
	}
}
