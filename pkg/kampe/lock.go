package kampe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive flock(2) on the per-instance lock file. The lock is
// bound to the open file, so it also disappears when the holder exits.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// AcquireLock takes the lock without blocking. A lock held elsewhere yields
// ErrAlreadyRunning.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: lock %s is held", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	l := &Lock{path: path, file: f}
	if err := l.WriteOwner(os.Getpid()); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

func (l *Lock) Path() string {
	return l.path
}

// WriteOwner records pid in the lock file for operators and reconciliation.
func (l *Lock) WriteOwner(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("lock %s already released", l.path)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	if _, err := l.file.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	return nil
}

// Held reports whether Release has not been called yet.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// ReadOwner returns the pid recorded in a lock file.
func ReadOwner(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
