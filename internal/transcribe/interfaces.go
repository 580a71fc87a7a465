package transcribe

import (
	"context"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/watcher"
)

// FileWatcher detects new files in a directory.
type FileWatcher interface {
	// Watch emits an event for each audio file written or moved into dir.
	Watch(ctx context.Context, dir string, exts []string) (<-chan watcher.FileEvent, error)
	Stop() error
}

// Stabilizer waits for a file to finish writing.
type Stabilizer interface {
	// WaitForStable blocks until the file at the given path has stopped changing.
	WaitForStable(ctx context.Context, path string) error
}

// Prober measures audio duration in seconds, returning 0 when unknown.
type Prober interface {
	Duration(ctx context.Context, path string) float64
}
