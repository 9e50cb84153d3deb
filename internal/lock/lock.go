// Package lock keeps a single host process per state directory.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("another triggerhost instance holds the lock")

// Holder is the record the owning process writes into the lock file.
type Holder struct {
	PID   int       `json:"pid"`
	Host  string    `json:"host"`
	Since time.Time `json:"since"`
}

// HeldError reports the current holder when it could be read.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%v (pid %d on %s since %s)", ErrLocked, e.Holder.PID, e.Holder.Host, e.Holder.Since.Format(time.RFC3339))
}

func (e *HeldError) Is(target error) bool { return target == ErrLocked }

// Instance is an acquired lock. The flock lives as long as the descriptor.
type Instance struct {
	path string
	f    *os.File
}

// PathFor returns the lock file that guards a state database.
func PathFor(statePath string) string {
	return filepath.Join(filepath.Dir(statePath), "triggerhost.lock")
}

// Acquire takes an exclusive non-blocking flock on path and records this
// process as the holder.
func Acquire(path string) (*Instance, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if h, rerr := ReadHolder(path); rerr == nil {
			return nil, &HeldError{Holder: h}
		}
		return nil, ErrLocked
	}

	in := &Instance{path: path, f: f}
	if err := in.record(); err != nil {
		_ = in.Release()
		return nil, err
	}
	return in, nil
}

func (in *Instance) record() error {
	host, _ := os.Hostname()
	rec, err := json.Marshal(Holder{PID: os.Getpid(), Host: host, Since: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := in.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := in.f.WriteAt(append(rec, '\n'), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return in.f.Sync()
}

// ReadHolder returns the holder recorded in a lock file.
func ReadHolder(path string) (Holder, error) {
	var h Holder
	raw, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("parse %s: %w", path, err)
	}
	return h, nil
}

func (in *Instance) Path() string { return in.path }

// Release drops the lock. It is safe to call more than once.
func (in *Instance) Release() error {
	if in == nil || in.f == nil {
		return nil
	}
	_ = unix.Flock(int(in.f.Fd()), unix.LOCK_UN)
	err := in.f.Close()
	in.f = nil
	return err
}
