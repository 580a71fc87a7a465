// Package metrics collects run counters and observations and exports them
// as JSONL or CSV.
package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/artifact"
)

// Metric names emitted by a run.
const (
	FilesTotal     = "files_total"
	FilesSucceeded = "files_succeeded"
	FilesFailed    = "files_failed"
	FilesSkipped   = "files_skipped"
	TaskElapsed    = "task_elapsed_sec"
	TaskSegments   = "task_num_segments"
	TaskWords      = "task_num_words"
	ElapsedTotal   = "elapsed_total_sec"
	AvgFile        = "avg_file_sec"
	Throughput     = "throughput_files_per_min"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// Labels qualify a metric.
type Labels map[string]string

func (l Labels) key() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
		sb.WriteByte(',')
	}
	return sb.String()
}

type seriesKey struct {
	name   string
	labels string
}

type stats struct {
	count int
	sum   float64
	min   float64
	max   float64
}

func (s *stats) update(v float64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.count++
	s.sum += v
}

// Sink accumulates counters and summaries. The zero value is not usable;
// call NewSink.
type Sink struct {
	mu        sync.Mutex
	counters  map[seriesKey]float64
	summaries map[seriesKey]*stats
	labels    map[seriesKey]Labels
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{
		counters:  make(map[seriesKey]float64),
		summaries: make(map[seriesKey]*stats),
		labels:    make(map[seriesKey]Labels),
	}
}

func (s *Sink) series(name string, labels Labels) seriesKey {
	k := seriesKey{name: name, labels: labels.key()}
	if _, ok := s.labels[k]; !ok {
		cp := make(Labels, len(labels))
		for lk, lv := range labels {
			cp[lk] = lv
		}
		s.labels[k] = cp
	}
	return k
}

// Add increases a counter by v.
func (s *Sink) Add(name string, v float64, labels Labels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[s.series(name, labels)] += v
}

// Inc increases a counter by one.
func (s *Sink) Inc(name string, labels Labels) {
	s.Add(name, 1, labels)
}

// Observe records one value of a summary.
func (s *Sink) Observe(name string, v float64, labels Labels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.series(name, labels)
	st, ok := s.summaries[k]
	if !ok {
		st = &stats{}
		s.summaries[k] = st
	}
	st.update(v)
}

// Counter returns the current value of a counter, 0 when unknown.
func (s *Sink) Counter(name string, labels Labels) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[seriesKey{name: name, labels: labels.key()}]
}

// Phase starts timing a named phase; calling the returned func records
// "phase_<name>_sec".
func (s *Sink) Phase(name string, labels Labels) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		d := time.Since(start)
		s.Observe("phase_"+name+"_sec", d.Seconds(), labels)
		return d
	}
}

// Record is one exported series.
type Record struct {
	Type   string   `json:"type"`
	Metric string   `json:"metric"`
	Labels Labels   `json:"labels"`
	Value  *float64 `json:"value,omitempty"`
	Count  *int     `json:"count,omitempty"`
	Sum    *float64 `json:"sum,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Avg    *float64 `json:"avg,omitempty"`
}

// Snapshot returns counters followed by summaries, each sorted by name
// and labels.
func (s *Sink) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counters, summaries []Record
	for k, v := range s.counters {
		v := v
		counters = append(counters, Record{Type: "counter", Metric: k.name, Labels: s.labels[k], Value: &v})
	}
	for k, st := range s.summaries {
		count, sum, minV, maxV := st.count, st.sum, st.min, st.max
		avg := 0.0
		if count > 0 {
			avg = sum / float64(count)
		}
		summaries = append(summaries, Record{
			Type: "summary", Metric: k.name, Labels: s.labels[k],
			Count: &count, Sum: &sum, Min: &minV, Max: &maxV, Avg: &avg,
		})
	}

	less := func(recs []Record) func(i, j int) bool {
		return func(i, j int) bool {
			if recs[i].Metric != recs[j].Metric {
				return recs[i].Metric < recs[j].Metric
			}
			return recs[i].Labels.key() < recs[j].Labels.key()
		}
	}
	sort.Slice(counters, less(counters))
	sort.Slice(summaries, less(summaries))
	return append(counters, summaries...)
}

// Summary is the derived overview of a run.
type Summary struct {
	FilesTotal     float64 `json:"files_total"`
	FilesSucceeded float64 `json:"files_succeeded"`
	FilesFailed    float64 `json:"files_failed"`
	FilesSkipped   float64 `json:"files_skipped"`
	ElapsedSec     float64 `json:"elapsed_total_sec"`
	AvgFileSec     float64 `json:"avg_file_sec"`
	ThroughputPM   float64 `json:"throughput_files_per_min"`
}

// Summarize derives averages and throughput from the file counters.
// Throughput counts succeeded files per minute of elapsed.
func (s *Sink) Summarize(elapsed time.Duration, labels Labels) Summary {
	sum := Summary{
		FilesTotal:     s.Counter(FilesTotal, labels),
		FilesSucceeded: s.Counter(FilesSucceeded, labels),
		FilesFailed:    s.Counter(FilesFailed, labels),
		FilesSkipped:   s.Counter(FilesSkipped, labels),
		ElapsedSec:     elapsed.Seconds(),
	}
	if sum.FilesTotal > 0 {
		sum.AvgFileSec = sum.ElapsedSec / sum.FilesTotal
	}
	if sum.ElapsedSec > 0 {
		sum.ThroughputPM = sum.FilesSucceeded / sum.ElapsedSec * 60
	}
	return sum
}

// Finish records the run-level observations derived from elapsed.
func (s *Sink) Finish(elapsed time.Duration, labels Labels) Summary {
	sum := s.Summarize(elapsed, labels)
	s.Observe(ElapsedTotal, sum.ElapsedSec, labels)
	s.Observe(AvgFile, sum.AvgFileSec, labels)
	s.Observe(Throughput, sum.ThroughputPM, labels)
	return sum
}

// Export atomically writes the snapshot to path in format.
func (s *Sink) Export(ctx context.Context, path, format string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "", FormatJSONL:
		data, err = s.encodeJSONL()
	case FormatCSV:
		data, err = s.encodeCSV()
	default:
		return fmt.Errorf("unknown metrics format %q", format)
	}
	if err != nil {
		return err
	}
	return artifact.WriteFile(ctx, path, data)
}

func (s *Sink) encodeJSONL() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range s.Snapshot() {
		if rec.Labels == nil {
			rec.Labels = Labels{}
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode metric %s: %w", rec.Metric, err)
		}
	}
	return buf.Bytes(), nil
}

func (s *Sink) encodeCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"type", "metric", "value", "count", "sum", "min", "max", "avg", "labels"}); err != nil {
		return nil, err
	}

	num := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	for _, rec := range s.Snapshot() {
		labels := rec.Labels
		if labels == nil {
			labels = Labels{}
		}
		lj, err := json.Marshal(labels)
		if err != nil {
			return nil, err
		}
		count := ""
		if rec.Count != nil {
			count = strconv.Itoa(*rec.Count)
		}
		row := []string{rec.Type, rec.Metric, num(rec.Value), count, num(rec.Sum), num(rec.Min), num(rec.Max), num(rec.Avg), string(lj)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
