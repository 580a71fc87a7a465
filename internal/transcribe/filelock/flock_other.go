//go:build !unix

package filelock

const flockSupported = false

type flockLocker struct{}

func (flockLocker) Name() string { return string(StrategyFlock) }

func (flockLocker) TryLock(string) (Handle, error) {
	return nil, ErrUnsupported
}

// processAlive cannot probe foreign processes here; stale lock files are
// left for the operator.
func processAlive(int) bool {
	return true
}
