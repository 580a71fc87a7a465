//go:build linux

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatch(t *testing.T, dir string, exts []string) (<-chan FileEvent, context.Context) {
	t.Helper()
	w, err := NewInotifyWatcher()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	events, err := w.Watch(ctx, dir, exts)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	return events, ctx
}

func TestInotifyWatcher_DetectsNewAudio(t *testing.T) {
	dir := t.TempDir()
	events, ctx := startWatch(t, dir, []string{"wav"})

	path := filepath.Join(dir, "take1.WAV")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	select {
	case ev := <-events:
		assert.Equal(t, path, ev.Path)
		assert.Equal(t, int64(5), ev.Size)
	case <-ctx.Done():
		t.Fatal("timeout waiting for file event")
	}
}

func TestInotifyWatcher_IgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	events, _ := startWatch(t, dir, []string{".m4a"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))

	select {
	case ev := <-events:
		t.Errorf("unexpected event for non-audio file: %v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInotifyWatcher_DefaultsToAudioExtensions(t *testing.T) {
	dir := t.TempDir()
	events, ctx := startWatch(t, dir, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))
	path := filepath.Join(dir, "keep.flac")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	select {
	case ev := <-events:
		assert.Equal(t, path, ev.Path)
	case <-ctx.Done():
		t.Fatal("timeout waiting for file event")
	}
}

func TestInotifyWatcher_DetectsMovedFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(t.TempDir(), "audio.m4a")
	events, ctx := startWatch(t, dir, []string{".m4a"})

	require.NoError(t, os.WriteFile(src, []byte("fake audio content"), 0o644))
	dst := filepath.Join(dir, "audio.m4a")
	require.NoError(t, os.Rename(src, dst))

	select {
	case ev := <-events:
		assert.Equal(t, dst, ev.Path)
	case <-ctx.Done():
		t.Fatal("timeout waiting for moved file event")
	}
}

func TestInotifyWatcher_StopClosesChannel(t *testing.T) {
	w, err := NewInotifyWatcher()
	require.NoError(t, err)

	events, err := w.Watch(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, w.Stop())

	select {
	case _, ok := <-events:
		assert.False(t, ok, "expected events channel to be closed")
	case <-time.After(time.Second):
		t.Error("events channel not closed after stop")
	}

	assert.NoError(t, w.Stop(), "second stop is a no-op")
}

func TestInotifyWatcher_MissingDir(t *testing.T) {
	w, err := NewInotifyWatcher()
	require.NoError(t, err)
	defer w.Stop()

	_, err = w.Watch(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}
