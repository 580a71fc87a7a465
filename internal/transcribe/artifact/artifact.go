// Package artifact writes and inspects the per-input result files.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	WordsSuffix    = ".words.json"
	SegmentsSuffix = ".segments.json"
	ErrorSuffix    = ".error.txt"
	LockSuffix     = ".lock"
)

// Paths are the files derived from one input.
type Paths struct {
	Base     string
	Words    string
	Segments string
	Error    string
	Lock     string
}

// PathsFor derives the artifact paths of input inside outDir.
func PathsFor(outDir, input string) Paths {
	name := filepath.Base(input)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	prefix := filepath.Join(outDir, base)
	return Paths{
		Base:     base,
		Words:    prefix + WordsSuffix,
		Segments: prefix + SegmentsSuffix,
		Error:    prefix + ErrorSuffix,
		Lock:     prefix + LockSuffix,
	}
}

// Ready reports whether the primary artifact exists and, when withSegments
// is set, the secondary one too.
func (p Paths) Ready(withSegments bool) bool {
	if !exists(p.Words) {
		return false
	}
	return !withSegments || exists(p.Segments)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteJSON encodes v with two-space indentation and atomically replaces
// path with it. The temporary file matches "<name>.*.tmp" so that
// CleanupPartials can find it after a crash.
func WriteJSON(ctx context.Context, path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteFile(ctx, path, buf.Bytes())
}

// WriteFile atomically replaces path with data via a synced temp file and
// rename.
func WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	committed = true
	return nil
}

// RecordedAudio is the audio block of an existing primary artifact.
type RecordedAudio struct {
	Hash        string
	DurationSec float64
}

// ReadRecordedAudio returns the audio block of a primary artifact. A
// missing or unreadable file yields the zero value.
func ReadRecordedAudio(path string) RecordedAudio {
	data, err := os.ReadFile(path)
	if err != nil {
		return RecordedAudio{}
	}
	var doc struct {
		Audio struct {
			HashSHA256  *string  `json:"hash_sha256"`
			DurationSec *float64 `json:"duration_sec"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return RecordedAudio{}
	}
	var rec RecordedAudio
	if doc.Audio.HashSHA256 != nil {
		rec.Hash = *doc.Audio.HashSHA256
	}
	if doc.Audio.DurationSec != nil {
		rec.DurationSec = *doc.Audio.DurationSec
	}
	return rec
}

// RecordedHash returns audio.hash_sha256 from a primary artifact, or "" if
// the file is missing, unreadable or carries no hash.
func RecordedHash(path string) string {
	return ReadRecordedAudio(path).Hash
}

// ErrorReport is the content of an error artifact.
type ErrorReport struct {
	Input    string
	Message  string
	Kind     string
	Attempts int
	Stack    string
	Time     time.Time
}

// WriteError atomically writes report to path.
func WriteError(ctx context.Context, path string, report ErrorReport) error {
	ts := report.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "input: %s\n", report.Input)
	fmt.Fprintf(&sb, "time: %s\n", ts.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "type: %s\n", report.Kind)
	fmt.Fprintf(&sb, "attempts: %d\n", report.Attempts)
	fmt.Fprintf(&sb, "message: %s\n", report.Message)
	if report.Stack != "" {
		sb.WriteString("\ntraceback:\n")
		sb.WriteString(strings.TrimLeft(report.Stack, "\n"))
		sb.WriteString("\n")
	}

	return WriteFile(ctx, path, []byte(sb.String()))
}

// Remove deletes path, ignoring a missing file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CleanupPartials removes leftover temp files of p and any
// "<base>.partial" or "<base>.*.partial" file. The lock file is never touched. It returns
// the removed paths.
func CleanupPartials(p Paths) ([]string, error) {
	dir := filepath.Dir(p.Words)
	base := escapeGlob(p.Base)
	patterns := []string{
		base + WordsSuffix + "*.tmp",
		base + SegmentsSuffix + "*.tmp",
		base + ErrorSuffix + "*.tmp",
		base + ".partial",
		base + ".*.partial",
	}

	var removed []string
	var errs []error
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(escapeGlob(dir), pattern))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range matches {
			if m == p.Lock {
				continue
			}
			if err := Remove(m); err != nil {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, m)
		}
	}
	return removed, errors.Join(errs...)
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
