package folder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RunLock keeps two worker processes on one host from sharing a work root.
type RunLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

func NewRunLock(root string) *RunLock {
	p := filepath.Join(root, ".tenderscan.lock")
	return &RunLock{path: p, flock: flock.New(p)}
}

// TryLock returns false when another process holds the root.
func (l *RunLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	l.locked = ok
	return ok, nil
}

func (l *RunLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

func (l *RunLock) Path() string { return l.path }
