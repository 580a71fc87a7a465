package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/backend"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/filelock"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/logging"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/manifest"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/metrics"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/pidfile"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/probe"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/progress"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/scanner"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/scheduler"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/stabilizer"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/task"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/watcher"
)

// ErrOutDirUnavailable is returned when the output directory cannot be created.
var ErrOutDirUnavailable = errors.New("output directory unavailable")

// Service runs batches of inputs through the task pipeline.
type Service struct {
	config     *Config
	logger     logging.Logger
	ownsLogger bool
	registry   *backend.Registry
	backend    backend.Backend
	prober     Prober
	progress   io.Writer
	stabilizer Stabilizer
	newWatcher func() (FileWatcher, error)

	// shared by every batch so serialization spans concurrent watch batches
	backendMu sync.Mutex
	opened    backend.Backend
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger replaces the file logger built from the config.
func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegistry replaces the built-in backend registry.
func WithRegistry(r *backend.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithBackend uses b instead of building one from the registry. It is
// serialized only when runtime.serialize_backend is set.
func WithBackend(b backend.Backend) Option {
	return func(s *Service) { s.backend = b }
}

// WithProber replaces the ffprobe based duration prober.
func WithProber(p Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithProgressOutput sets where progress lines go. Nil disables them.
func WithProgressOutput(w io.Writer) Option {
	return func(s *Service) { s.progress = w }
}

// WithStabilizer replaces the polling stabilizer used in watch mode.
func WithStabilizer(st Stabilizer) Option {
	return func(s *Service) { s.stabilizer = st }
}

// WithWatcher replaces the native watcher used in watch mode.
func WithWatcher(newWatcher func() (FileWatcher, error)) Option {
	return func(s *Service) { s.newWatcher = newWatcher }
}

// NewService validates cfg and wires the collaborators.
func NewService(cfg *Config, opts ...Option) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{config: cfg, progress: os.Stderr}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		level, _ := logging.ParseLevel(cfg.Log.Level)
		logConfig := logging.DefaultConfig().WithMinLevel(level)
		logConfig.LogDir = cfg.Log.Dir
		logConfig.RetentionDays = cfg.Log.RetentionDays
		logConfig.Format = logging.Format(cfg.Log.Format)
		logConfig.Component = "run"
		logger, err := logging.New(logConfig)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		s.logger = logger
		s.ownsLogger = true
	}
	if s.registry == nil {
		s.registry = backend.DefaultRegistry()
	}
	if s.prober == nil {
		s.prober = probe.New(cfg.Probe.FFprobePath, nil)
	}
	if s.stabilizer == nil {
		s.stabilizer = stabilizer.NewPollStabilizer(cfg.Watch.Interval, cfg.Watch.Checks, cfg.Watch.Timeout)
	}
	if s.newWatcher == nil {
		s.newWatcher = func() (FileWatcher, error) { return watcher.New() }
	}
	return s, nil
}

// Close releases the logger when the service created it.
func (s *Service) Close() error {
	if s.ownsLogger {
		return s.logger.Close()
	}
	return nil
}

// Run scans the configured input and processes every file found. Task
// failures are reported in the Summary; only run-level problems return an
// error. SIGINT and SIGTERM stop submission of new tasks while running
// tasks finish.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs, err := scanner.Scan(s.config.Input, s.config.Extensions)
	if err != nil {
		return nil, fmt.Errorf("scan input: %w", err)
	}
	return s.runBatch(ctx, inputs)
}

// openBackend builds the backend on first use and returns the same
// instance afterwards.
func (s *Service) openBackend() (backend.Backend, error) {
	s.backendMu.Lock()
	defer s.backendMu.Unlock()
	if s.opened != nil {
		return s.opened, nil
	}

	b, serialize := s.backend, s.config.Runtime.SerializeBackend
	if b == nil {
		name := s.config.Runtime.Backend
		var err error
		b, err = s.registry.New(name, s.config.BackendOptions())
		if err != nil {
			return nil, err
		}
		serialize = serialize || !s.registry.Reentrant(name)
	}
	if serialize {
		b = backend.Serialize(b)
	}
	s.opened = b
	return b, nil
}

func (s *Service) runBatch(ctx context.Context, inputs []string) (*Summary, error) {
	cfg := s.config
	traceID := uuid.NewString()
	log := s.logger.With(logging.String("trace_id", traceID))
	start := time.Now()

	labels := metrics.Labels{"backend": cfg.Runtime.Backend}
	sink := metrics.NewSink()
	sink.Add(metrics.FilesTotal, float64(len(inputs)), labels)

	if !cfg.DryRun {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutDirUnavailable, err)
		}
	}

	be, err := s.openBackend()
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}

	locker, err := filelock.NewLocker(filelock.Strategy(cfg.LockStrategy))
	if err != nil {
		return nil, fmt.Errorf("lock strategy %q: %w", cfg.LockStrategy, err)
	}

	var recorder *manifest.Recorder
	if !cfg.DryRun {
		recorder, err = manifest.NewRecorder(cfg.ManifestPath, manifest.WithLocker(locker))
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
	}

	tasks := lo.Map(inputs, func(in string, i int) task.Task {
		return task.New(i, in, cfg.OutDir)
	})
	for _, dup := range lo.FindDuplicatesBy(tasks, func(t task.Task) string { return t.Paths.Base }) {
		log.Warn("inputs share an output base name", logging.String("base", dup.Paths.Base))
	}

	processor := task.NewProcessor(task.Options{
		BackendName:    be.Name(),
		Language:       cfg.Runtime.Language,
		Segments:       cfg.SegmentsJSON,
		SkipDone:       cfg.SkipDone,
		Overwrite:      cfg.Overwrite,
		Force:          cfg.Force,
		IntegrityCheck: cfg.IntegrityCheck,
		DryRun:         cfg.DryRun,
		CleanupTemp:    cfg.CleanupTemp,
		LockTimeout:    cfg.LockTimeout,
		Retry:          cfg.RetryPolicy(),
		TraceID:        traceID,
	}, task.Deps{
		Backend:  be,
		Locks:    filelock.NewAcquirer(locker),
		Manifest: recorder,
		Prober:   s.prober,
		Metrics:  sink,
		Logger:   log,
	})

	log.Info("run start",
		logging.Int("inputs", len(tasks)),
		logging.String("backend", be.Name()),
		logging.Int("workers", cfg.NumWorkers),
		logging.Bool("dry_run", cfg.DryRun),
	)

	printer := progress.New(s.progress, len(tasks), cfg.Progress)
	work := func(ctx context.Context, t task.Task) (task.Result, error) {
		// A running task is never interrupted; cancellation only stops
		// new submissions.
		return processor.Process(context.WithoutCancel(ctx), t), nil
	}
	onDone := func(o scheduler.Outcome[task.Task, task.Result]) {
		status := string(o.Result.Status)
		if o.Err != nil {
			status = string(task.StatusFailed)
			log.Error("task panicked", o.Err, logging.String("input", o.Job.Input))
		}
		printer.Update(status, o.Job.Input)
	}

	rep := scheduler.Run(ctx, scheduler.Config{
		Workers:   cfg.NumWorkers,
		RateLimit: cfg.RateLimit,
		FailFast:  cfg.FailFast,
	}, tasks, work, task.Result.Failed, onDone)
	printer.Close()

	elapsed := time.Since(start)
	summary := summarize(rep, len(inputs), elapsed)
	summary.OutDir = cfg.OutDir
	summary.ManifestPath = cfg.ManifestPath
	summary.TraceID = traceID
	summary.DryRun = cfg.DryRun

	perf := sink.Finish(elapsed, labels)
	if cfg.Metrics.File != "" && !cfg.DryRun {
		if err := sink.Export(context.WithoutCancel(ctx), cfg.Metrics.File, cfg.Metrics.Format); err != nil {
			log.Error("metrics export failed", err, logging.String("path", cfg.Metrics.File))
		} else {
			log.Info("metrics exported", logging.String("path", cfg.Metrics.File), logging.String("format", cfg.Metrics.Format))
		}
	}

	if ctx.Err() != nil {
		log.Warn("run interrupted", logging.Int("cancelled", summary.Cancelled))
	}
	if summary.SkippedStale > 0 {
		log.Info("stale results skipped", logging.Int("count", summary.SkippedStale))
	}
	if summary.LockConflict > 0 {
		log.Info("lock conflicts", logging.Int("count", summary.LockConflict))
	}
	log.Info("run complete",
		logging.Int("total", summary.Total),
		logging.Int("succeeded", summary.Succeeded),
		logging.Int("failed", summary.Failed),
		logging.Int("skipped", summary.Skipped),
		logging.Int("cancelled", summary.Cancelled),
		logging.Int("retried", summary.RetriedCount),
		logging.Float64("throughput_files_per_min", perf.ThroughputPM),
		logging.Duration("elapsed", elapsed),
	)
	return summary, nil
}

// Watch processes the existing corpus once, then runs a single-input batch
// for every audio file that appears in the input directory after it
// stabilizes. It blocks until ctx ends or a signal arrives. onBatch, when
// set, receives each batch summary; calls are serialized.
func (s *Service) Watch(ctx context.Context, onBatch func(*Summary)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	info, err := os.Stat(s.config.Input)
	if err != nil {
		return fmt.Errorf("%w: %s", scanner.ErrInputNotFound, s.config.Input)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch needs a directory, got %s", s.config.Input)
	}

	if err := os.MkdirAll(s.config.OutDir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrOutDirUnavailable, err)
	}
	pidPath := pidfile.PathFor(s.config.OutDir)
	if err := pidfile.Claim(pidPath, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Release(pidPath, os.Getpid()); err != nil {
			s.logger.Warn("remove PID file failed", logging.String("error", err.Error()))
		}
	}()

	w, err := s.newWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Stop()

	events, err := w.Watch(ctx, s.config.Input, s.config.Extensions)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	var mu sync.Mutex
	report := func(sum *Summary) {
		if onBatch == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onBatch(sum)
	}

	initial, err := s.Run(ctx)
	if err != nil {
		return err
	}
	report(initial)

	s.logger.Info("watching for files", logging.String("dir", s.config.Input))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watch stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				s.logger.Info("watcher channel closed")
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleEvent(ctx, ev, report)
			}()
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev watcher.FileEvent, report func(*Summary)) {
	log := s.logger.With(logging.String("input", ev.Path))
	log.Debug("waiting for file to stabilize", logging.Int64("size", ev.Size))

	if err := s.stabilizer.WaitForStable(ctx, ev.Path); err != nil {
		if ctx.Err() == nil {
			log.Error("stabilization failed", err)
		}
		return
	}

	sum, err := s.runBatch(ctx, []string{ev.Path})
	if err != nil {
		log.Error("batch failed", err)
		return
	}
	report(sum)
}
