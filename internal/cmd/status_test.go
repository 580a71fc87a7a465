package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatus_AfterRun(t *testing.T) {
	quietServices(t)
	in, out, cfgPath := testWorkspace(t, "a.wav", "b.wav")

	if _, err := execute(t, "run", "--config", cfgPath, "--input", in, "--out-dir", out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	output, err := execute(t, "status", "--config", cfgPath, "--out-dir", out)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(output, "Inputs:   2") {
		t.Errorf("expected 2 inputs, got: %q", output)
	}
	if !strings.Contains(output, "succeeded  2") {
		t.Errorf("expected 2 succeeded, got: %q", output)
	}
	if !strings.Contains(output, "Last:") {
		t.Errorf("expected last processed file, got: %q", output)
	}
}

func TestStatus_EmptyManifest(t *testing.T) {
	_, out, cfgPath := testWorkspace(t)

	output, err := execute(t, "status", "--config", cfgPath, "--manifest", filepath.Join(out, "none.jsonl"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(output, "No records") {
		t.Errorf("expected empty report, got: %q", output)
	}
}

func TestStatus_RequiresManifest(t *testing.T) {
	_, _, cfgPath := testWorkspace(t)

	_, err := execute(t, "status", "--config", cfgPath)
	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("expected ErrNoManifest, got: %v", err)
	}
}
