// Package task runs the lifecycle of a single input: lock, staleness
// check, transcription with retry, and recording.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/artifact"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/backend"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/filelock"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/integrity"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/logging"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/manifest"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/metrics"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/reconcile"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/retry"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
)

// Error types written to manifest records.
const (
	ErrorTypeStale       = "StaleResult"
	ErrorTypeSkip        = "Skip"
	ErrorTypeLockTimeout = "LockTimeout"

	staleHint = "stale result; use --overwrite true to rebuild"
)

// Task is one input and its derived artifact paths.
type Task struct {
	Index int
	Input string
	Paths artifact.Paths
}

// New builds the task for input writing into outDir.
func New(index int, input, outDir string) Task {
	return Task{Index: index, Input: input, Paths: artifact.PathsFor(outDir, input)}
}

// Status is the terminal state of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result describes how a task ended.
type Result struct {
	Input       string
	Status      Status
	Attempts    int
	Elapsed     time.Duration
	Outputs     []string
	Error       string
	ErrorType   string
	ErrorPath   string
	Reason      integrity.Reason
	Stale       bool
	Hash        string
	Backend     string
	DurationSec float64
	Words       int
	Segments    int
}

// Failed reports whether the task ended in failure.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Options are the run flags a Processor applies to every task.
type Options struct {
	BackendName    string
	Language       string
	Segments       bool
	SkipDone       bool
	Overwrite      bool
	Force          bool
	IntegrityCheck bool
	DryRun         bool
	CleanupTemp    bool
	LockTimeout    time.Duration
	Retry          retry.Policy
	// TraceID tags every manifest record written by this run.
	TraceID string
}

// DurationProber measures audio duration in seconds, 0 when unknown.
type DurationProber interface {
	Duration(ctx context.Context, path string) float64
}

// Deps are the collaborators of a Processor. Metrics and Prober may be nil.
type Deps struct {
	Backend  backend.Backend
	Locks    *filelock.Acquirer
	Manifest *manifest.Recorder
	Prober   DurationProber
	Metrics  *metrics.Sink
	Logger   logging.Logger
	Now      func() time.Time
}

// Processor executes tasks. It is safe for concurrent use when its
// backend is.
type Processor struct {
	opts Options
	deps Deps
}

// NewProcessor wires a Processor.
func NewProcessor(opts Options, deps Deps) *Processor {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewSink()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Processor{opts: opts, deps: deps}
}

func (p *Processor) labels() metrics.Labels {
	return metrics.Labels{"backend": p.opts.BackendName}
}

// Process drives t to a terminal state. Failures are reported in the
// Result, never as a panic or error.
func (p *Processor) Process(ctx context.Context, t Task) Result {
	start := p.deps.Now()
	log := p.deps.Logger.With(logging.String("input", t.Input), logging.Int("index", t.Index))
	res := Result{Input: t.Input, Backend: p.opts.BackendName}

	hash, err := p.hashInput(ctx, t)
	if err != nil {
		res.Hash = hash
		return p.fail(ctx, log, t, res, err, start, false)
	}
	res.Hash = hash

	if p.opts.DryRun {
		return p.dryRun(log, t, res, start)
	}

	lock, err := p.deps.Locks.Acquire(ctx, t.Paths.Lock, p.opts.LockTimeout)
	if err != nil {
		if errors.Is(err, filelock.ErrTimeout) {
			return p.lockTimeout(log, t, res, err, start)
		}
		return p.fail(ctx, log, t, res, err, start, false)
	}
	defer lock.Release()

	if p.opts.CleanupTemp {
		removed, err := artifact.CleanupPartials(t.Paths)
		if err != nil {
			log.Warn("cleanup of partial files failed", logging.String("error", err.Error()))
		}
		if len(removed) > 0 {
			log.Debug("removed partial files", logging.Int("count", len(removed)))
		}
	}

	decision := p.classify(t, hash)
	res.Stale = decision.Stale
	if decision.Skip {
		return p.skip(log, t, res, decision, start)
	}

	return p.run(ctx, log, t, res, start)
}

// hashInput hashes the input when integrity checking is on. Otherwise it
// only confirms the input still exists.
func (p *Processor) hashInput(ctx context.Context, t Task) (string, error) {
	if !p.opts.IntegrityCheck {
		if _, err := os.Stat(t.Input); err != nil {
			return "", taskerr.NonRetryable(fmt.Errorf("input unavailable: %w", err))
		}
		return "", nil
	}

	done := p.deps.Metrics.Phase("hash", p.labels())
	hash, err := integrity.HashFile(ctx, t.Input)
	done()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", taskerr.NonRetryable(fmt.Errorf("input vanished: %w", err))
		}
		return "", err
	}
	return hash, nil
}

func (p *Processor) classify(t Task, hash string) integrity.Decision {
	ready := t.Paths.Ready(p.opts.Segments)
	var recorded string
	if ready && p.opts.IntegrityCheck {
		recorded = artifact.RecordedHash(t.Paths.Words)
	}
	return integrity.Classify(integrity.Inputs{
		OutputsReady:   ready,
		Force:          p.opts.Force,
		Overwrite:      p.opts.Overwrite,
		SkipDone:       p.opts.SkipDone,
		IntegrityCheck: p.opts.IntegrityCheck,
		CurrentHash:    hash,
		RecordedHash:   recorded,
	})
}

func (p *Processor) skip(log logging.Logger, t Task, res Result, d integrity.Decision, start time.Time) Result {
	if err := artifact.Remove(t.Paths.Error); err != nil {
		log.Warn("remove stale error artifact failed", logging.String("error", err.Error()))
	}

	res.Status = StatusSkipped
	res.Reason = d.Reason
	res.Outputs = p.outputs(t)
	res.DurationSec = artifact.ReadRecordedAudio(t.Paths.Words).DurationSec
	res.Elapsed = p.deps.Now().Sub(start)

	info := &manifest.ErrorInfo{Type: ErrorTypeSkip, Message: string(d.Reason)}
	if d.Reason == integrity.ReasonStale {
		info = &manifest.ErrorInfo{Type: ErrorTypeStale, Message: staleHint}
	}
	p.record(log, t, res, manifest.StatusSkipped, p.existingOut(t), info)

	p.deps.Metrics.Inc(metrics.FilesSkipped, p.labels())
	p.deps.Metrics.Observe(metrics.TaskElapsed, res.Elapsed.Seconds(), p.labels())
	log.Info("task skipped", logging.String("reason", string(d.Reason)), logging.Bool("stale", d.Stale))
	return res
}

// dryRun reports what a real run would do without taking the lock or
// writing anything.
func (p *Processor) dryRun(log logging.Logger, t Task, res Result, start time.Time) Result {
	d := p.classify(t, res.Hash)
	res.Status = StatusSkipped
	res.Stale = d.Stale
	res.Reason = integrity.ReasonDryRun
	if d.Skip {
		res.Reason = d.Reason
	}
	res.Elapsed = p.deps.Now().Sub(start)
	log.Info("task skipped", logging.String("reason", string(res.Reason)), logging.Bool("dry_run", true))
	return res
}

func (p *Processor) lockTimeout(log logging.Logger, t Task, res Result, err error, start time.Time) Result {
	res.Status = StatusSkipped
	res.Reason = integrity.ReasonLockTimeout
	res.Error = err.Error()
	res.ErrorType = ErrorTypeLockTimeout
	res.Elapsed = p.deps.Now().Sub(start)

	p.record(log, t, res, manifest.StatusSkipped, p.plannedOut(t), &manifest.ErrorInfo{Type: ErrorTypeLockTimeout, Message: err.Error()})

	p.deps.Metrics.Inc(metrics.FilesSkipped, p.labels())
	p.deps.Metrics.Observe(metrics.TaskElapsed, res.Elapsed.Seconds(), p.labels())
	log.Warn("task skipped", logging.String("reason", string(res.Reason)))
	return res
}

func (p *Processor) run(ctx context.Context, log logging.Logger, t Task, res Result, start time.Time) Result {
	p.record(log, t, res, manifest.StatusStarted, p.plannedOut(t), nil)
	log.Info("task start", logging.String("backend", p.opts.BackendName))

	policy := p.opts.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("task retry",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.String("error", err.Error()),
			logging.String("kind", taskerr.Classify(err).String()),
		)
	}

	payload, attempts, err := retry.Do(ctx, policy, func(ctx context.Context) (*reconcile.Payload, error) {
		return p.attempt(ctx, t, res.Hash)
	})
	res.Attempts = attempts
	if err != nil {
		return p.fail(ctx, log, t, res, err, start, true)
	}

	res.Status = StatusSuccess
	res.Outputs = p.outputs(t)
	res.DurationSec = payload.DurationSec()
	res.Words = len(payload.Words.Words)
	res.Segments = len(payload.Segments.Segments)
	res.Elapsed = p.deps.Now().Sub(start)

	p.record(log, t, res, manifest.StatusSucceeded, p.plannedOut(t), nil)

	labels := p.labels()
	p.deps.Metrics.Inc(metrics.FilesSucceeded, labels)
	p.deps.Metrics.Observe(metrics.TaskElapsed, res.Elapsed.Seconds(), labels)
	p.deps.Metrics.Observe(metrics.TaskSegments, float64(res.Segments), labels)
	p.deps.Metrics.Observe(metrics.TaskWords, float64(res.Words), labels)
	log.Info("task success",
		logging.Int("attempts", attempts),
		logging.Duration("elapsed", res.Elapsed),
		logging.Int("words", res.Words),
		logging.Int("segments", res.Segments),
	)
	return res
}

// attempt is one try of backend, reconcile and write.
func (p *Processor) attempt(ctx context.Context, t Task, hash string) (*reconcile.Payload, error) {
	labels := p.labels()

	done := p.deps.Metrics.Phase("backend", labels)
	raw, err := p.deps.Backend.Transcribe(ctx, t.Input)
	done()
	if err != nil {
		return nil, err
	}

	done = p.deps.Metrics.Phase("reconcile", labels)
	payload := reconcile.Reconcile(raw, reconcile.Options{
		AudioPath:   t.Input,
		Hash:        hash,
		Language:    p.opts.Language,
		BackendName: p.opts.BackendName,
		Now:         p.deps.Now,
	})
	if payload.DurationSec() <= 0 {
		var d float64
		if p.deps.Prober != nil {
			d = p.deps.Prober.Duration(ctx, t.Input)
		}
		if d <= 0 {
			d = payload.MaxSegmentEnd()
		}
		payload.OverrideDuration(d)
	}
	done()

	if err := artifact.Remove(t.Paths.Error); err != nil {
		return nil, fmt.Errorf("remove error artifact: %w", err)
	}

	done = p.deps.Metrics.Phase("write", labels)
	defer done()
	if err := artifact.WriteJSON(ctx, t.Paths.Words, payload.Words); err != nil {
		return nil, err
	}
	if p.opts.Segments {
		if err := artifact.WriteJSON(ctx, t.Paths.Segments, payload.Segments); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// fail writes the error artifact and the failed record. withCleanup purges
// partial files left by the attempt.
func (p *Processor) fail(ctx context.Context, log logging.Logger, t Task, res Result, err error, start time.Time, withCleanup bool) Result {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.ErrorType = taskerr.TypeName(err)
	res.ErrorPath = t.Paths.Error
	res.Elapsed = p.deps.Now().Sub(start)

	if p.opts.DryRun {
		res.ErrorPath = ""
	} else {
		// The run context may already be cancelled; the report must still land.
		writeCtx := context.WithoutCancel(ctx)
		report := artifact.ErrorReport{
			Input:    t.Input,
			Message:  res.Error,
			Kind:     res.ErrorType,
			Attempts: res.Attempts,
			Stack:    taskerr.StackTrace(err),
			Time:     p.deps.Now(),
		}
		if werr := artifact.WriteError(writeCtx, t.Paths.Error, report); werr != nil {
			log.Error("write error artifact failed", werr)
			res.ErrorPath = ""
		}
	}

	if withCleanup && p.opts.CleanupTemp {
		if _, cerr := artifact.CleanupPartials(t.Paths); cerr != nil {
			log.Warn("cleanup of partial files failed", logging.String("error", cerr.Error()))
		}
	}

	p.record(log, t, res, manifest.StatusFailed, p.plannedOut(t), &manifest.ErrorInfo{Type: res.ErrorType, Message: res.Error})

	p.deps.Metrics.Inc(metrics.FilesFailed, p.labels())
	p.deps.Metrics.Observe(metrics.TaskElapsed, res.Elapsed.Seconds(), p.labels())
	log.Error("task failure", err,
		logging.Int("attempts", res.Attempts),
		logging.String("kind", res.ErrorType),
		logging.String("error_path", res.ErrorPath),
	)
	return res
}

func (p *Processor) outputs(t Task) []string {
	if p.opts.Segments {
		return []string{t.Paths.Words, t.Paths.Segments}
	}
	return []string{t.Paths.Words}
}

// plannedOut names the artifacts a run writes.
func (p *Processor) plannedOut(t Task) manifest.Outputs {
	words := t.Paths.Words
	out := manifest.Outputs{Words: &words}
	if p.opts.Segments {
		seg := t.Paths.Segments
		out.Segments = &seg
	}
	return out
}

// existingOut names only the artifacts present on disk.
func (p *Processor) existingOut(t Task) manifest.Outputs {
	var out manifest.Outputs
	if fileExists(t.Paths.Words) {
		words := t.Paths.Words
		out.Words = &words
	}
	if p.opts.Segments && fileExists(t.Paths.Segments) {
		seg := t.Paths.Segments
		out.Segments = &seg
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (p *Processor) record(log logging.Logger, t Task, res Result, status manifest.Status, out manifest.Outputs, info *manifest.ErrorInfo) {
	if p.deps.Manifest == nil || p.opts.DryRun {
		return
	}

	rec := manifest.Record{
		TS:          manifest.Timestamp(p.deps.Now()),
		Input:       t.Input,
		Status:      status,
		Backend:     p.opts.BackendName,
		Out:         out,
		DurationSec: res.DurationSec,
		ElapsedSec:  res.Elapsed.Seconds(),
		Error:       info,
		Attempts:    res.Attempts,
		TraceID:     p.opts.TraceID,
	}
	if res.Hash != "" {
		h := res.Hash
		rec.InputHash = &h
	}
	if err := p.deps.Manifest.Append(rec); err != nil {
		log.Error("manifest append failed", err, logging.String("status", string(status)))
	}
}
