// Package folder owns the per-tender working directories under the work root.
package folder

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"tenderscan/domain"
	"tenderscan/obs"
)

// FileUnlocker frees a file held open by another process so it can be deleted.
type FileUnlocker interface {
	Unlock(path string) error
}

// NoopUnlocker is used where open files never block deletion.
type NoopUnlocker struct{}

func (NoopUnlocker) Unlock(string) error { return nil }

// PrefetchDir is the subfolder background downloads write into, apart from
// any synchronous fetch of the same tender.
const PrefetchDir = ".prefetch"

type Manager struct {
	root     string
	unlocker FileUnlocker
	log      *slog.Logger
}

func NewManager(root string, unlocker FileUnlocker, log *slog.Logger) *Manager {
	if unlocker == nil {
		unlocker = NoopUnlocker{}
	}
	return &Manager{root: root, unlocker: unlocker, log: obs.Or(log)}
}

func (m *Manager) Root() string { return m.root }

// Path is the folder of a tender, whether or not it exists.
func (m *Manager) Path(k domain.TenderKey, lc domain.Lifecycle) string {
	return filepath.Join(m.root, domain.FolderName(k, lc))
}

// Prepare creates the tender folder if needed and returns it.
func (m *Manager) Prepare(k domain.TenderKey, lc domain.Lifecycle) (string, error) {
	dir := m.Path(k, lc)
	if st, err := os.Stat(dir); err == nil && !st.IsDir() {
		return "", fmt.Errorf("%s exists and is not a directory", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tender folder: %w", err)
	}
	return dir, nil
}

// CleanForce empties dir, asking the unlocker once for anything that resists.
func (m *Manager) CleanForce(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := m.remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove deletes dir and everything below it.
func (m *Manager) Remove(dir string) error { return m.remove(dir) }

// DropStaging removes the prefetch subfolder of dir, and dir too when nothing else is left.
func (m *Manager) DropStaging(dir string) {
	if err := m.remove(filepath.Join(dir, PrefetchDir)); err != nil {
		m.log.Warn("remove prefetch folder failed", "folder", dir, "err", err)
	}
	if Empty(dir) {
		_ = os.Remove(dir)
	}
}

// RemoveFiles deletes the given files except those in keep. Missing files are fine.
func (m *Manager) RemoveFiles(paths []string, keep map[string]struct{}) int {
	removed := 0
	for _, p := range paths {
		if _, ok := keep[p]; ok {
			continue
		}
		if err := m.remove(p); err != nil {
			m.log.Warn("remove file failed", "file", p, "err", err)
			continue
		}
		removed++
	}
	return removed
}

// Prune deletes every file below dir except those in keep, then drops the
// directories left empty. dir itself survives when something was kept.
func (m *Manager) Prune(dir string, keep map[string]struct{}) int {
	var (
		files []string
		dirs  []string
	)
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir {
				dirs = append(dirs, p)
			}
			return nil
		}
		files = append(files, p)
		return nil
	})
	n := m.RemoveFiles(files, keep)
	// deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		if Empty(dirs[i]) {
			_ = os.Remove(dirs[i])
		}
	}
	if len(keep) == 0 && Empty(dir) {
		_ = os.Remove(dir)
	}
	return n
}

func (m *Manager) remove(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	if uerr := m.unlocker.Unlock(path); uerr != nil {
		m.log.Debug("unlock failed", "path", path, "err", uerr)
	}
	return os.RemoveAll(path)
}

// Size sums regular file sizes below dir. A missing folder is 0.
func Size(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Empty reports whether dir is missing or has no entries.
func Empty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err != nil || len(entries) == 0
}
