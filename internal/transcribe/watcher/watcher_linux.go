//go:build linux

package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	eventBuffer  = 100
	readBuffer   = 4096
	idleInterval = 10 * time.Millisecond
)

// InotifyWatcher implements FileWatcher using Linux inotify.
type InotifyWatcher struct {
	fd       int
	wd       int
	stopCh   chan struct{}
	stopOnce sync.Once
	closeErr error
}

var _ FileWatcher = (*InotifyWatcher)(nil)

// New returns the native watcher.
func New() (FileWatcher, error) {
	return NewInotifyWatcher()
}

// NewInotifyWatcher creates a non-blocking inotify instance.
func NewInotifyWatcher() (*InotifyWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	return &InotifyWatcher{fd: fd, wd: -1, stopCh: make(chan struct{})}, nil
}

// Watch adds dir to the instance and starts the read loop.
func (w *InotifyWatcher) Watch(ctx context.Context, dir string, exts []string) (<-chan FileEvent, error) {
	wd, err := unix.InotifyAddWatch(w.fd, dir, unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w.wd = wd

	events := make(chan FileEvent, eventBuffer)
	go w.readEvents(ctx, dir, exts, events)
	return events, nil
}

// Stop ends the read loop and closes the descriptor. It is safe to call
// more than once.
func (w *InotifyWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.wd >= 0 {
			_, _ = unix.InotifyRmWatch(w.fd, uint32(w.wd))
		}
		w.closeErr = unix.Close(w.fd)
	})
	return w.closeErr
}

func (w *InotifyWatcher) readEvents(ctx context.Context, dir string, exts []string, events chan<- FileEvent) {
	defer close(events)

	buf := make([]byte, readBuffer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				time.Sleep(idleInterval)
				continue
			}
			return
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		for offset := 0; offset+unix.SizeofInotifyEvent <= n; {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameLen := int(raw.Len)
			start := offset + unix.SizeofInotifyEvent
			offset = start + nameLen
			if nameLen == 0 || offset > n {
				continue
			}

			name := strings.TrimRight(string(buf[start:offset]), "\x00")
			if !matches(name, exts) {
				continue
			}

			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}

			select {
			case events <- FileEvent{Path: path, Size: info.Size(), Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}
	}
}
