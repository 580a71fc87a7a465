package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/validate"
)

// ErrInvalidArtifacts is returned when any artifact fails its schema.
var ErrInvalidArtifacts = errors.New("artifacts failed validation")

// NewValidateCmd creates the validate command
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check output artifacts against their JSON schemas",
		Long: `Validate every <name>.words.json and <name>.segments.json in the output
directory against the embedded schemas. The directory defaults to the
configured out_dir.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				dir = cfg.OutDir
			}
			if dir == "" {
				return ErrOutDirMissing
			}

			problems, err := validate.Dir(dir)
			if err != nil {
				return fmt.Errorf("validate %s: %w", dir, err)
			}

			out := cmd.OutOrStdout()
			if len(problems) == 0 {
				fmt.Fprintf(out, "All artifacts in %s are valid\n", dir)
				return nil
			}

			paths := make([]string, 0, len(problems))
			for p := range problems {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Fprintln(out, p)
				for _, msg := range problems[p] {
					fmt.Fprintf(out, "  - %s\n", msg)
				}
			}
			return fmt.Errorf("%w: %d file(s)", ErrInvalidArtifacts, len(problems))
		},
	}

	cmd.Flags().StringP("out-dir", "o", "", "output directory to validate")
	return cmd
}
