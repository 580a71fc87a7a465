//go:build !linux

package watcher

// New returns ErrUnsupported outside Linux.
func New() (FileWatcher, error) {
	return nil, ErrUnsupported
}
