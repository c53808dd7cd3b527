package paths

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	osgrepErrors "github.com/osgrep/osgrep/internal/errors"
)

// LockFileName is the writer lock placed in a project's data directory.
const LockFileName = "writer.lock"

// WriterLock is the single-writer lock for a project's data directory. Only one
// process may hold it at a time; readers never need it. The lock file's content
// is the holder's PID, so a process that finds the lock already held can tell
// whether the holder is actually still alive (stale-PID reclaim).
type WriterLock struct {
	path   string
	fl     *flock.Flock
	locked bool
}

// NewWriterLock creates a writer lock for the given project data directory.
func NewWriterLock(dataDir string) *WriterLock {
	path := dataDir + string(os.PathSeparator) + LockFileName
	return &WriterLock{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (w *WriterLock) Path() string {
	return w.path
}

// TryLock attempts to acquire the writer lock without blocking. If the lock is
// held by a process that is no longer alive, the stale lock is reclaimed
// automatically. Returns osgrepErrors.LockHeld if a live process holds it.
func (w *WriterLock) TryLock() error {
	acquired, err := w.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	if acquired {
		w.locked = true
		return w.writePID()
	}

	holderPID, readErr := w.readPID()
	if readErr == nil && holderPID > 0 && !processAlive(holderPID) {
		if reclaimErr := w.reclaim(); reclaimErr == nil {
			w.locked = true
			return w.writePID()
		}
	}
	return osgrepErrors.LockHeld(w.path, holderPID)
}

// reclaim removes a stale lock file and re-acquires the flock.
func (w *WriterLock) reclaim() error {
	stalePID, _ := w.readPID()
	_ = os.Remove(w.path)
	w.fl = flock.New(w.path)
	acquired, err := w.fl.TryLock()
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("lock still contended after reclaim attempt")
	}
	if stalePID > 0 {
		_ = osgrepErrors.LockStale(w.path, stalePID)
	}
	return nil
}

// Unlock releases the lock and removes the lock file.
func (w *WriterLock) Unlock() error {
	if !w.locked {
		return nil
	}
	if err := w.fl.Unlock(); err != nil {
		return fmt.Errorf("release writer lock: %w", err)
	}
	w.locked = false
	_ = os.Remove(w.path)
	return nil
}

func (w *WriterLock) writePID() error {
	return os.WriteFile(w.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (w *WriterLock) readPID() (int, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 liveness probe (sending signal 0 performs existence/permission
// checks only, no actual signal is delivered).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
