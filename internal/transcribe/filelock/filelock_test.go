package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategies(t *testing.T) []Strategy {
	t.Helper()
	if flockSupported {
		return []Strategy{StrategyFlock, StrategyExclusive}
	}
	return []Strategy{StrategyExclusive}
}

func newTestAcquirer(t *testing.T, s Strategy) *Acquirer {
	t.Helper()
	l, err := NewLocker(s)
	require.NoError(t, err)
	return NewAcquirer(l, WithPollInterval(10*time.Millisecond))
}

func TestAcquire_SecondHolderTimesOut(t *testing.T) {
	for _, s := range strategies(t) {
		t.Run(string(s), func(t *testing.T) {
			a := newTestAcquirer(t, s)
			path := filepath.Join(t.TempDir(), "clip.lock")

			first, err := a.Acquire(context.Background(), path, time.Second)
			require.NoError(t, err)

			start := time.Now()
			_, err = a.Acquire(context.Background(), path, 100*time.Millisecond)
			require.ErrorIs(t, err, ErrTimeout)
			assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

			require.NoError(t, first.Release())
			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr), "lock file should be removed on release")

			second, err := a.Acquire(context.Background(), path, 100*time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, second.Release())
		})
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	for _, s := range strategies(t) {
		t.Run(string(s), func(t *testing.T) {
			a := newTestAcquirer(t, s)
			path := filepath.Join(t.TempDir(), "clip.lock")

			first, err := a.Acquire(context.Background(), path, time.Second)
			require.NoError(t, err)

			go func() {
				time.Sleep(50 * time.Millisecond)
				first.Release()
			}()

			second, err := a.Acquire(context.Background(), path, 2*time.Second)
			require.NoError(t, err)
			require.NoError(t, second.Release())
		})
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	for _, s := range strategies(t) {
		t.Run(string(s), func(t *testing.T) {
			a := newTestAcquirer(t, s)
			path := filepath.Join(t.TempDir(), "shared.lock")

			var inside, maxInside, entered int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					lock, err := a.Acquire(context.Background(), path, 5*time.Second)
					if err != nil {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					atomic.AddInt32(&entered, 1)
					lock.Release()
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), maxInside)
			assert.Equal(t, int32(8), entered)
		})
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	a := newTestAcquirer(t, StrategyExclusive)
	path := filepath.Join(t.TempDir(), "clip.lock")

	held, err := a.Acquire(context.Background(), path, 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = a.Acquire(ctx, path, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExclusive_RemovesStaleLock(t *testing.T) {
	if !flockSupported {
		t.Skip("process liveness probe unavailable")
	}
	path := filepath.Join(t.TempDir(), "clip.lock")
	require.NoError(t, os.WriteFile(path, []byte("2147483000\n"), 0644))

	a := newTestAcquirer(t, StrategyExclusive)
	lock, err := a.Acquire(context.Background(), path, 0)
	require.NoError(t, err)
	defer lock.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestExclusive_KeepsLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))

	a := newTestAcquirer(t, StrategyExclusive)
	_, err := a.Acquire(context.Background(), path, 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

// A caller that read a dead PID must not delete a lock another caller
// created after taking over the same stale file.
func TestReclaim_KeepsFreshLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.lock")
	fresh := []byte(strconv.Itoa(os.Getpid()) + "\n")
	require.NoError(t, os.WriteFile(path, fresh, 0644))

	assert.False(t, reclaim(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fresh, data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover stale file")
}

func TestReclaim_RemovesDeadHolder(t *testing.T) {
	if !flockSupported {
		t.Skip("process liveness probe unavailable")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.lock")
	require.NoError(t, os.WriteFile(path, []byte("2147483000\n"), 0644))

	assert.True(t, reclaim(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReclaim_MissingFile(t *testing.T) {
	assert.False(t, reclaim(filepath.Join(t.TempDir(), "clip.lock")))
}

func TestReadPID_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.lock")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	_, err := ReadPID(path)
	assert.ErrorIs(t, err, ErrInvalidPID)
}

func TestNewLocker(t *testing.T) {
	l, err := NewLocker(StrategyAuto)
	require.NoError(t, err)
	if flockSupported {
		assert.Equal(t, "flock", l.Name())
	} else {
		assert.Equal(t, "exclusive", l.Name())
	}

	_, err = NewLocker("semaphore")
	assert.Error(t, err)
}

func TestLock_ReleaseIdempotent(t *testing.T) {
	a := newTestAcquirer(t, StrategyExclusive)
	lock, err := a.Acquire(context.Background(), filepath.Join(t.TempDir(), "x.lock"), 0)
	require.NoError(t, err)

	assert.NoError(t, lock.Release())
	assert.NoError(t, lock.Release())
}
