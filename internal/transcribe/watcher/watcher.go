// Package watcher reports audio files that appear in a directory.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/scanner"
)

// ErrUnsupported is returned where no native watcher exists.
var ErrUnsupported = errors.New("directory watching is not supported on this platform")

// FileEvent is a file that was closed after writing or moved into the
// watched directory.
type FileEvent struct {
	Path      string
	Size      int64
	Timestamp time.Time
}

// FileWatcher detects new files in a directory.
type FileWatcher interface {
	// Watch emits events for files in dir whose extension is in exts. The
	// channel closes when ctx ends or Stop is called.
	Watch(ctx context.Context, dir string, exts []string) (<-chan FileEvent, error)
	Stop() error
}

func matches(name string, exts []string) bool {
	if len(exts) == 0 {
		exts = scanner.DefaultExtensions
	}
	return scanner.Matches(name, scanner.NormalizeExtensions(exts))
}
