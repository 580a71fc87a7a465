package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/manifest"
)

const sampleManifest = `{"ts":"2026-01-22T10:00:00Z","input":"/in/a.wav","input_hash_sha256":"aa","status":"started","backend":"dummy","out":{"words":"/out/a.words.json","segments":null},"duration_sec":0,"elapsed_sec":0,"error":null,"attempts":0,"trace_id":"run-1"}
{"ts":"2026-01-22T10:00:02Z","input":"/in/a.wav","input_hash_sha256":"aa","status":"succeeded","backend":"dummy","out":{"words":"/out/a.words.json","segments":null},"duration_sec":1,"elapsed_sec":2,"error":null,"attempts":1,"trace_id":"run-1"}
{"ts":"2026-01-22T10:00:03Z","input":"/in/b.wav","input_hash_sha256":"bb","status":"failed","backend":"dummy","out":{"words":"/out/b.words.json","segments":null},"duration_sec":0,"elapsed_sec":1,"error":{"type":"NonRetryableError","message":"corrupt"},"attempts":1,"trace_id":"run-1"}
not json
{"ts":"2026-01-22T11:00:00Z","input":"/in/a.wav","input_hash_sha256":"cc","status":"skipped","backend":"dummy","out":{"words":"/out/a.words.json","segments":null},"duration_sec":0,"elapsed_sec":0,"error":{"type":"StaleResult","message":"stale"},"attempts":0,"trace_id":"run-2"}
{"ts":"2026-01-22T11:00:01Z","input":"/in/c.wav","input_hash_sha256":"dd","status":"succeeded","backend":"dummy","out":{"words":"/out/c.words.json","segments":null},"duration_sec":1,"elapsed_sec":1,"error":null,"attempts":2,"trace_id":"run-2"}
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "_manifest.jsonl")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return path
}

func TestFromManifest_NonExistent(t *testing.T) {
	stats, err := FromManifest(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("unexpected error for missing manifest: %v", err)
	}
	if stats.Inputs != 0 || stats.Records != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
	if stats.LastProcessed != nil {
		t.Error("expected LastProcessed to be nil")
	}
}

func TestFromManifest_LastRecordWins(t *testing.T) {
	stats, err := FromManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Records != 5 {
		t.Errorf("expected 5 records, got %d", stats.Records)
	}
	if stats.Inputs != 3 {
		t.Errorf("expected 3 inputs, got %d", stats.Inputs)
	}
	if got := stats.Count(manifest.StatusSkipped); got != 1 {
		t.Errorf("expected 1 skipped, got %d", got)
	}
	if got := stats.Count(manifest.StatusSucceeded); got != 1 {
		t.Errorf("expected 1 succeeded, got %d", got)
	}
	if got := stats.Count(manifest.StatusFailed); got != 1 {
		t.Errorf("expected 1 failed, got %d", got)
	}
	if stats.Stale != 1 {
		t.Errorf("expected 1 stale, got %d", stats.Stale)
	}
	if stats.Runs != 2 {
		t.Errorf("expected 2 runs, got %d", stats.Runs)
	}
}

func TestFromManifest_Failures(t *testing.T) {
	stats, err := FromManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(stats.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(stats.Failed))
	}
	f := stats.Failed[0]
	if f.Input != "/in/b.wav" || f.Type != "NonRetryableError" || f.Message != "corrupt" || f.Attempts != 1 {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestFromManifest_LastProcessed(t *testing.T) {
	stats, err := FromManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.LastProcessed == nil {
		t.Fatal("expected LastProcessed to be set")
	}
	want := time.Date(2026, 1, 22, 11, 0, 1, 0, time.UTC)
	if !stats.LastProcessed.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, stats.LastProcessed.Timestamp)
	}
	if stats.LastProcessed.Path != "/in/c.wav" {
		t.Errorf("expected path /in/c.wav, got %s", stats.LastProcessed.Path)
	}
	if stats.LastProcessed.Output != "/out/c.words.json" {
		t.Errorf("expected output /out/c.words.json, got %s", stats.LastProcessed.Output)
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/in/meeting.m4a", "meeting.m4a"},
		{"/in/dir/", "dir"},
		{"file.wav", "file.wav"},
	}

	for _, tt := range tests {
		if got := BaseName(tt.input); got != tt.expected {
			t.Errorf("BaseName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
