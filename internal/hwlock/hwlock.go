// Package hwlock keeps one process at a time in charge of the camera. The
// lock is a JSON file naming the holding process; a file whose process is
// gone is treated as stale and replaced.
package hwlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adrg/xdg"
)

// ErrHeld is returned when another live process holds the camera.
var ErrHeld = errors.New("camera is held by another process")

// Holder describes the process owning the lock.
type Holder struct {
	PID        int       `json:"pid"`
	Owner      string    `json:"owner"` // e.g. the daemon URL the holder drives
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is an acquired camera lock.
type Lock struct {
	path   string
	holder Holder
}

// Acquire takes the lock at path for owner.
func Acquire(path, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	h := Holder{PID: os.Getpid(), Owner: owner, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}

	// Second attempt runs only after a stale file was removed.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(append(data, '\n'))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path, holder: h}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		existing, ok := Read(path)
		if ok && isProcessRunning(existing.PID) {
			return nil, fmt.Errorf("%w (PID %d, owner %s)", ErrHeld, existing.PID, existing.Owner)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock file keeps reappearing", ErrHeld)
}

// Holder returns who holds l.
func (l *Lock) Holder() Holder { return l.holder }

// Release deletes the lock file if it is still ours.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if h, ok := Read(l.path); ok && h.PID == l.holder.PID {
		return os.Remove(l.path)
	}
	return nil
}

// Read parses the lock file at path.
func Read(path string) (Holder, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, false
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil || h.PID <= 0 {
		return Holder{}, false
	}
	return h, true
}

// Active returns the holder of path if its process is still alive.
func Active(path string) (Holder, bool) {
	h, ok := Read(path)
	if !ok || !isProcessRunning(h.PID) {
		return Holder{}, false
	}
	return h, true
}

// isProcessRunning checks if a process with the given PID is running
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 probes existence.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}

// DefaultPath returns the standard lock path for appName.
func DefaultPath(appName string) string {
	return PathIn(filepath.Join(xdg.StateHome, "shutter"), appName)
}

// PathIn returns the lock path for appName inside dir.
func PathIn(dir, appName string) string {
	return filepath.Join(dir, appName+".lock")
}
