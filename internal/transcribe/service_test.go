package transcribe

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/artifact"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/backend"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/logging"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/manifest"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/pidfile"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/scanner"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/watcher"
)

// flaky fails the first calls for a file name with the queued errors, then
// answers like the dummy backend. Names in always fail on every call.
type flaky struct {
	mu       sync.Mutex
	failures map[string][]error
	always   map[string]error
	calls    map[string]int
	delay    time.Duration
	dummy    backend.Backend
}

func newFlaky(t *testing.T) *flaky {
	d, err := backend.NewDummy(backend.Options{Language: "en"})
	require.NoError(t, err)
	return &flaky{
		failures: map[string][]error{},
		always:   map[string]error{},
		calls:    map[string]int{},
		dummy:    d,
	}
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Transcribe(ctx context.Context, path string) (*backend.Result, error) {
	name := filepath.Base(path)
	f.mu.Lock()
	f.calls[name]++
	n := f.calls[name]
	queue := f.failures[name]
	always := f.always[name]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if always != nil {
		return nil, always
	}
	if n <= len(queue) {
		return nil, queue[n-1]
	}
	return f.dummy.Transcribe(ctx, path)
}

func (f *flaky) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fakeProber struct{}

func (fakeProber) Duration(context.Context, string) float64 { return 1.5 }

func writeInputs(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("audio "+name), 0o644))
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Input = t.TempDir()
	cfg.OutDir = filepath.Join(t.TempDir(), "out")
	cfg.ManifestPath = ""
	cfg.NumWorkers = 3
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryJitter = false
	cfg.LockTimeout = 0
	cfg.SkipDone = true
	cfg.IntegrityCheck = true
	cfg.Overwrite = false
	cfg.Force = false
	cfg.DryRun = false
	cfg.FailFast = false
	cfg.Progress = false
	cfg.Metrics.File = ""
	return cfg
}

func newTestService(t *testing.T, cfg *Config, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithLogger(logging.Nop()),
		WithProber(fakeProber{}),
		WithProgressOutput(io.Discard),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestRun_MixedOutcomes(t *testing.T) {
	cfg := testConfig(t)
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav", "d.wav", "e.wav", "f.wav")

	be := newFlaky(t)
	be.failures["b.wav"] = []error{taskerr.Retryable(errors.New("busy"))}
	be.always["c.wav"] = taskerr.NonRetryable(errors.New("corrupt"))
	be.always["d.wav"] = taskerr.Retryable(errors.New("overloaded"))
	be.failures["f.wav"] = []error{errors.New("transient")}

	svc := newTestService(t, cfg, WithBackend(be))
	sum, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 6, sum.Queued)
	assert.Equal(t, 6, sum.Processed)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 0, sum.Cancelled)
	assert.Equal(t, 4, sum.RetriedCount)
	assert.NotEmpty(t, sum.TraceID)
	assert.Equal(t, filepath.Join(cfg.OutDir, DefaultManifestName), sum.ManifestPath)

	assert.Equal(t, 1, be.callsFor("c.wav"))
	assert.Equal(t, 3, be.callsFor("d.wav"))

	require.Len(t, sum.Errors, 2)
	assert.Equal(t, filepath.Join(cfg.Input, "c.wav"), sum.Errors[0].Input)
	assert.Equal(t, 1, sum.Errors[0].Attempts)
	assert.Equal(t, filepath.Join(cfg.Input, "d.wav"), sum.Errors[1].Input)
	assert.Equal(t, 3, sum.Errors[1].Attempts)
	for _, item := range sum.Errors {
		assert.FileExists(t, item.ErrorPath)
	}

	for _, name := range []string{"a.wav", "b.wav", "e.wav", "f.wav"} {
		paths := artifact.PathsFor(cfg.OutDir, filepath.Join(cfg.Input, name))
		assert.FileExists(t, paths.Words)
		assert.NoFileExists(t, paths.Error)
	}

	index, err := manifest.LoadIndex(sum.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, index, 6)
	for _, r := range index {
		assert.Equal(t, sum.TraceID, r.TraceID)
	}
	assert.Equal(t, manifest.StatusFailed, index[filepath.Join(cfg.Input, "c.wav")].Status)
}

func TestRun_FailFast(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumWorkers = 2
	cfg.FailFast = true
	cfg.MaxRetries = 0
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav", "d.wav", "e.wav")

	be := newFlaky(t)
	be.delay = 20 * time.Millisecond
	for _, name := range []string{"a.wav", "b.wav", "c.wav", "d.wav", "e.wav"} {
		be.always[name] = taskerr.NonRetryable(errors.New("bad input"))
	}

	svc := newTestService(t, cfg, WithBackend(be))
	sum, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 3, sum.Cancelled)
	assert.Equal(t, sum.Queued, sum.Processed+sum.Cancelled)
	assert.Equal(t, 5, sum.Queued)
	assert.Equal(t, 0, be.callsFor("e.wav"))
}

func TestRun_SecondRunSkipsCompleted(t *testing.T) {
	cfg := testConfig(t)
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav")

	first, err := newTestService(t, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Succeeded)

	second, err := newTestService(t, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.Queued)
	assert.Equal(t, 0, second.Processed)
	for _, item := range second.SkippedItems {
		assert.Equal(t, "completed", item.Reason)
	}
}

func TestRun_RerunRetriesOnlyFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 0
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav", "d.wav")

	be := newFlaky(t)
	be.always["b.wav"] = taskerr.NonRetryable(errors.New("bad"))
	be.always["d.wav"] = taskerr.NonRetryable(errors.New("bad"))

	first, err := newTestService(t, cfg, WithBackend(be)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, first.Failed)

	healthy := newFlaky(t)
	second, err := newTestService(t, cfg, WithBackend(healthy)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, second.Queued)
	assert.Equal(t, 2, second.Succeeded)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, healthy.callsFor("a.wav"))
	assert.Equal(t, 1, healthy.callsFor("b.wav"))

	index, err := manifest.LoadIndex(second.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusSucceeded, index[filepath.Join(cfg.Input, "b.wav")].Status)
}

func TestRun_StaleResultIsReported(t *testing.T) {
	cfg := testConfig(t)
	writeInputs(t, cfg.Input, "a.wav", "b.wav")

	_, err := newTestService(t, cfg).Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Input, "a.wav"), []byte("re-recorded"), 0o644))

	sum, err := newTestService(t, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.SkippedStale)

	cfg.Overwrite = true
	sum, err = newTestService(t, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
}

func TestRun_ConcurrentRunsShareWork(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumWorkers = 2
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav", "d.wav")

	be := newFlaky(t)
	be.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	sums := make([]*Summary, 2)
	for i := range sums {
		svc := newTestService(t, cfg, WithBackend(be))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, err := svc.Run(context.Background())
			assert.NoError(t, err)
			sums[i] = sum
		}(i)
	}
	wg.Wait()
	require.NotNil(t, sums[0])
	require.NotNil(t, sums[1])

	assert.Equal(t, 4, sums[0].Succeeded+sums[1].Succeeded)
	assert.Equal(t, 4, sums[0].Skipped+sums[1].Skipped)

	index, err := manifest.LoadIndex(filepath.Join(cfg.OutDir, DefaultManifestName))
	require.NoError(t, err)
	assert.Len(t, index, 4)

	records, err := manifest.ReadAll(filepath.Join(cfg.OutDir, DefaultManifestName))
	require.NoError(t, err)
	succeeded := 0
	for _, r := range records {
		if r.Status == manifest.StatusSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 4, succeeded)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	writeInputs(t, cfg.Input, "a.wav", "b.wav")

	be := newFlaky(t)
	sum, err := newTestService(t, cfg, WithBackend(be)).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.DryRun)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 0, be.callsFor("a.wav"))
	assert.NoDirExists(t, cfg.OutDir)
}

func TestRun_MissingInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input = filepath.Join(t.TempDir(), "nope")

	_, err := newTestService(t, cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scanner.ErrInputNotFound)
}

func TestRun_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.Backend = "does-not-exist"
	writeInputs(t, cfg.Input, "a.wav")

	_, err := newTestService(t, cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUnknownBackend)
}

func TestRun_MetricsExport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.File = filepath.Join(t.TempDir(), "metrics.csv")
	cfg.Metrics.Format = "csv"
	writeInputs(t, cfg.Input, "a.wav")

	_, err := newTestService(t, cfg).Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.Metrics.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "files_total")
}

func TestNewService_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumWorkers = -1

	_, err := NewService(cfg, WithLogger(logging.Nop()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWorkers)
}

type fakeWatcher struct {
	events chan watcher.FileEvent
}

func (w *fakeWatcher) Watch(context.Context, string, []string) (<-chan watcher.FileEvent, error) {
	return w.events, nil
}

func (w *fakeWatcher) Stop() error { return nil }

type instantStabilizer struct{}

func (instantStabilizer) WaitForStable(context.Context, string) error { return nil }

func TestWatch_ProcessesNewFiles(t *testing.T) {
	cfg := testConfig(t)
	writeInputs(t, cfg.Input, "existing.wav")

	fw := &fakeWatcher{events: make(chan watcher.FileEvent, 1)}
	svc := newTestService(t, cfg,
		WithWatcher(func() (FileWatcher, error) { return fw, nil }),
		WithStabilizer(instantStabilizer{}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		sums []*Summary
	)
	done := make(chan error, 1)
	go func() {
		done <- svc.Watch(ctx, func(s *Summary) {
			mu.Lock()
			sums = append(sums, s)
			n := len(sums)
			mu.Unlock()

			if n == 1 {
				writeInputs(t, cfg.Input, "new.wav")
				fw.events <- watcher.FileEvent{Path: filepath.Join(cfg.Input, "new.wav"), Timestamp: time.Now()}
			}
			if n == 2 {
				cancel()
			}
		})
	}()

	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sums, 2)
	assert.Equal(t, 1, sums[0].Succeeded)
	assert.Equal(t, 1, sums[1].Total)
	assert.Equal(t, 1, sums[1].Succeeded)
	assert.FileExists(t, artifact.PathsFor(cfg.OutDir, filepath.Join(cfg.Input, "new.wav")).Words)
	assert.NoFileExists(t, pidfile.PathFor(cfg.OutDir))
}

func TestWatch_RefusesSecondWatcher(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, pidfile.Write(pidfile.PathFor(cfg.OutDir), os.Getppid()))

	svc := newTestService(t, cfg,
		WithWatcher(func() (FileWatcher, error) { return &fakeWatcher{events: make(chan watcher.FileEvent)}, nil }),
		WithStabilizer(instantStabilizer{}),
	)
	err := svc.Watch(context.Background(), nil)
	assert.ErrorIs(t, err, pidfile.ErrAlreadyRunning)
}

func TestWatch_RequiresDirectory(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(cfg.Input, "a.wav")
	writeInputs(t, cfg.Input, "a.wav")
	cfg.Input = file

	err := newTestService(t, cfg).Watch(context.Background(), nil)
	require.Error(t, err)
}

// gauge records how many Transcribe calls overlap.
type gauge struct {
	mu     sync.Mutex
	active int
	peak   int
	builds int
	dummy  backend.Backend
}

func newGauge(t *testing.T) *gauge {
	d, err := backend.NewDummy(backend.Options{Language: "en"})
	require.NoError(t, err)
	return &gauge{dummy: d}
}

func (g *gauge) Name() string { return "gauge" }

func (g *gauge) Transcribe(ctx context.Context, path string) (*backend.Result, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return g.dummy.Transcribe(ctx, path)
}

func (g *gauge) peakCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func gaugeRegistry(g *gauge, reentrant bool) *backend.Registry {
	r := backend.NewRegistry()
	r.Register("gauge", func(backend.Options) (backend.Backend, error) {
		g.mu.Lock()
		g.builds++
		g.mu.Unlock()
		return g, nil
	}, reentrant)
	return r
}

func TestRun_NonReentrantBackendIsSerialized(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.Backend = "gauge"
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav", "d.wav")

	g := newGauge(t)
	svc := newTestService(t, cfg, WithRegistry(gaugeRegistry(g, false)))

	sum, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Equal(t, 1, g.peakCalls())
}

func TestRunBatch_SerializationSpansConcurrentBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.Backend = "gauge"
	cfg.Runtime.SerializeBackend = true
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav")

	g := newGauge(t)
	svc := newTestService(t, cfg, WithRegistry(gaugeRegistry(g, true)))

	// watch mode runs one batch per new file, each on its own goroutine
	var wg sync.WaitGroup
	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		name := name // per-iteration copy (Go 1.21 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := svc.runBatch(context.Background(), []string{filepath.Join(cfg.Input, name)})
			assert.NoError(t, err)
			if sum != nil {
				assert.Equal(t, 1, sum.Succeeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, g.peakCalls())
	assert.Equal(t, 1, g.builds, "backend built once per service")
}

func TestRun_SerializeBackendWrapsInjectedBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.SerializeBackend = true
	writeInputs(t, cfg.Input, "a.wav", "b.wav", "c.wav")

	g := newGauge(t)
	svc := newTestService(t, cfg, WithBackend(g))

	sum, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 1, g.peakCalls())
}
