// Package manifest maintains the append-only JSONL audit log of task
// attempts.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/filelock"
)

// Status is the lifecycle state recorded for an input.
type Status string

const (
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

const (
	// DefaultLockTimeout bounds the wait for the cross-process append lock.
	DefaultLockTimeout = 10 * time.Second

	lockPollInterval = 10 * time.Millisecond
	timestampLayout  = "2006-01-02T15:04:05Z"
)

// Outputs lists the artifacts of a record.
type Outputs struct {
	Words    *string `json:"words"`
	Segments *string `json:"segments"`
}

// ErrorInfo describes why a task failed or was skipped.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Record is one manifest line.
type Record struct {
	TS          string     `json:"ts"`
	Input       string     `json:"input"`
	InputHash   *string    `json:"input_hash_sha256"`
	Status      Status     `json:"status"`
	Backend     string     `json:"backend"`
	Out         Outputs    `json:"out"`
	DurationSec float64    `json:"duration_sec"`
	ElapsedSec  float64    `json:"elapsed_sec"`
	Error       *ErrorInfo `json:"error"`
	Attempts    int        `json:"attempts"`
	TraceID     string     `json:"trace_id,omitempty"`
}

// Timestamp formats t as a manifest timestamp.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Recorder appends records to a manifest file. It is safe for concurrent
// use within a process and across processes sharing the file.
type Recorder struct {
	path     string
	acquirer *filelock.Acquirer
	timeout  time.Duration
	now      func() time.Time

	mu sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLockTimeout bounds the wait for the append lock.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		r.timeout = d
	}
}

// WithLocker replaces the cross-process locker.
func WithLocker(l filelock.Locker) Option {
	return func(r *Recorder) {
		r.acquirer = filelock.NewAcquirer(l, filelock.WithPollInterval(lockPollInterval))
	}
}

// WithClock replaces the time source used to fill empty timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder prepares a recorder for path, creating its directory.
func NewRecorder(path string, opts ...Option) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	r := &Recorder{path: path, timeout: DefaultLockTimeout, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.acquirer == nil {
		locker, err := filelock.NewLocker(filelock.StrategyAuto)
		if err != nil {
			return nil, err
		}
		r.acquirer = filelock.NewAcquirer(locker, filelock.WithPollInterval(lockPollInterval))
	}
	return r, nil
}

// Path returns the manifest location.
func (r *Recorder) Path() string {
	return r.path
}

// Append writes rec as a single line. An empty TS is filled in.
func (r *Recorder) Append(rec Record) error {
	if rec.TS == "" {
		rec.TS = Timestamp(r.now())
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode manifest record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := r.acquirer.Acquire(context.Background(), r.path+".lock", r.timeout)
	if err != nil {
		return fmt.Errorf("lock manifest: %w", err)
	}
	defer lock.Release()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append manifest: %w", err)
	}
	return f.Close()
}

// ReadAll returns every well-formed record in file order. A missing file
// yields no records. Lines that fail to decode, such as a torn final line,
// are skipped.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var records []Record
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec Record
			if json.Unmarshal(trimmed, &rec) == nil && rec.Input != "" {
				records = append(records, rec)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("read manifest: %w", err)
		}
	}
	return records, nil
}

// LoadIndex replays the manifest into the latest record per input.
func LoadIndex(path string) (map[string]Record, error) {
	records, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	index := make(map[string]Record, len(records))
	for _, rec := range records {
		index[rec.Input] = rec
	}
	return index, nil
}
