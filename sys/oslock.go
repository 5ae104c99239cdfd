package sys

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/walog/core"
)

// lockRetryInterval is how often a contended lock is polled.
const lockRetryInterval = 5 * time.Millisecond

// FileLock is an advisory, exclusive, cross-process lock backed by an OS
// file lock. The lock file itself is never removed so every process agrees
// on the same inode.
//
// Lock is meant for a single acquiring goroutine. Held may be called from
// any goroutine and never waits on a pending Lock.
type FileLock struct {
	path string

	mu   sync.Mutex // guards f and the held transitions
	f    *os.File
	held atomic.Bool
}

// NewFileLock returns a lock for path. The file is created on first use.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Held reports whether this FileLock currently owns the lock.
func (l *FileLock) Held() bool {
	return l.held.Load()
}

func (l *FileLock) file() (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file %s: %w", l.path, err)
		}
		l.f = f
	}
	return l.f, nil
}

// Lock acquires the lock, polling until timeout elapses. A zero timeout
// makes a single attempt. It returns an error wrapping core.ErrLockTimeout
// when another holder keeps the lock past the deadline.
func (l *FileLock) Lock(timeout time.Duration) error {
	if l.held.Load() {
		return nil
	}
	f, err := l.file()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLockFile(f)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", l.path, err)
		}
		if ok {
			l.mu.Lock()
			l.held.Store(true)
			l.mu.Unlock()
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("lock %s held by another writer after %v: %w", l.path, timeout, core.ErrLockTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Unlock releases the lock if held. The file stays open for reuse.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held.Load() {
		return nil
	}
	l.held.Store(false)
	if err := unlockFile(l.f); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock and closes the lock file.
func (l *FileLock) Close() error {
	if err := l.Unlock(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
