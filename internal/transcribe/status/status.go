// Package status replays a manifest into a per-input status report.
package status

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/manifest"
)

// Stats is the state of a corpus as recorded by its manifest.
type Stats struct {
	// Inputs is the number of distinct inputs seen.
	Inputs int
	// Records is the number of manifest lines replayed.
	Records int
	// ByStatus counts inputs by their last recorded status.
	ByStatus map[manifest.Status]int
	// Stale counts inputs whose last record is a stale skip.
	Stale         int
	Failed        []Failure
	LastProcessed *ProcessedFile
	Runs          int
}

// Failure is an input whose last record is a failure.
type Failure struct {
	Input    string
	Type     string
	Message  string
	Attempts int
}

// ProcessedFile is the most recent successful input.
type ProcessedFile struct {
	Timestamp time.Time
	Path      string
	Output    string
}

// Count returns the number of inputs whose last status is s.
func (st *Stats) Count(s manifest.Status) int {
	return st.ByStatus[s]
}

// FromManifest replays the manifest at path. A missing manifest yields
// empty stats.
func FromManifest(path string) (*Stats, error) {
	records, err := manifest.ReadAll(path)
	if err != nil {
		return nil, err
	}
	return Replay(records), nil
}

// Replay folds records in file order; the last record per input wins.
func Replay(records []manifest.Record) *Stats {
	stats := &Stats{Records: len(records), ByStatus: map[manifest.Status]int{}}

	last := make(map[string]manifest.Record, len(records))
	traces := map[string]struct{}{}
	for _, rec := range records {
		last[rec.Input] = rec
		if rec.TraceID != "" {
			traces[rec.TraceID] = struct{}{}
		}

		if rec.Status != manifest.StatusSucceeded {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.TS)
		if err != nil {
			continue
		}
		if stats.LastProcessed == nil || !ts.Before(stats.LastProcessed.Timestamp) {
			stats.LastProcessed = &ProcessedFile{Timestamp: ts, Path: rec.Input}
			if rec.Out.Words != nil {
				stats.LastProcessed.Output = *rec.Out.Words
			}
		}
	}
	stats.Inputs = len(last)
	stats.Runs = len(traces)

	for _, rec := range last {
		stats.ByStatus[rec.Status]++
		if rec.Error == nil {
			continue
		}
		if rec.Error.Type == "StaleResult" {
			stats.Stale++
		}
		if rec.Status == manifest.StatusFailed {
			stats.Failed = append(stats.Failed, Failure{
				Input:    rec.Input,
				Type:     rec.Error.Type,
				Message:  rec.Error.Message,
				Attempts: rec.Attempts,
			})
		}
	}
	sort.Slice(stats.Failed, func(i, j int) bool { return stats.Failed[i].Input < stats.Failed[j].Input })
	return stats
}

// FormatTimestamp formats a timestamp for display.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02T15:04:05")
}

// BaseName returns just the filename from a path.
func BaseName(path string) string {
	return filepath.Base(strings.TrimSuffix(path, "/"))
}
