package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate_RunOutputIsValid(t *testing.T) {
	quietServices(t)
	in, out, cfgPath := testWorkspace(t, "a.wav")

	if _, err := execute(t, "run", "--config", cfgPath, "--input", in, "--out-dir", out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	output, err := execute(t, "validate", "--config", cfgPath, out)
	if err != nil {
		t.Fatalf("expected no error, got: %v\n%s", err, output)
	}
	if !strings.Contains(output, "are valid") {
		t.Errorf("expected success message, got: %q", output)
	}
}

func TestValidate_ReportsBadArtifact(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "broken.words.json")
	if err := os.WriteFile(bad, []byte(`{"schema": "nope"}`), 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	output, err := execute(t, "validate", dir)
	if !errors.Is(err, ErrInvalidArtifacts) {
		t.Fatalf("expected ErrInvalidArtifacts, got: %v", err)
	}
	if !strings.Contains(output, "broken.words.json") {
		t.Errorf("expected the bad file in output, got: %q", output)
	}
}

func TestValidate_RequiresDirectory(t *testing.T) {
	_, _, cfgPath := testWorkspace(t)

	_, err := execute(t, "validate", "--config", cfgPath)
	if !errors.Is(err, ErrOutDirMissing) {
		t.Errorf("expected ErrOutDirMissing, got: %v", err)
	}
}
