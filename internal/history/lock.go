package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// ErrLocked is returned when another run holds the history lock.
var ErrLocked = errors.New("another run is active")

// Lock is an exclusive lock file guarding the history file against
// overlapping runs.
type Lock struct {
	path string
}

type lockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockPath returns the lock file path for a history file.
func LockPath(historyPath string) string {
	return historyPath + ".lock"
}

// AcquireLock creates the lock file at path. A lock file older than ttl is
// treated as left behind by a crashed run and reclaimed.
func AcquireLock(path string, ttl time.Duration) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			info := lockInfo{PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()}
			werr := json.NewEncoder(f).Encode(info)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if ttl > 0 && time.Since(fi.ModTime()) >= ttl {
			os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%w: lock held at %s", ErrLocked, path)
	}
	return nil, fmt.Errorf("%w: lock held at %s", ErrLocked, path)
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}
