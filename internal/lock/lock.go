package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// The Telegram Bot API rejects a second concurrent poller for the same token,
// including one left over from a previous process. Locker is the
// exclusive-owner abstraction the lifecycle manager acquires before
// connecting: acquire-or-fail with staleness reclamation, nothing more.

// ErrHeld is returned when another live owner holds the lock.
var ErrHeld = errors.New("lock: held by another owner")

// StaleAfter is how old a lock may be before it is considered abandoned and
// reclaimed.
const StaleAfter = 2 * time.Minute

// Locker guards a resource against concurrent ownership.
type Locker interface {
	Acquire() error
	Release() error
	// Refresh marks the lock as still owned, resetting the staleness clock.
	Refresh() error
}

// FileLock is a cross-process advisory lock backed by a lock file. The file
// holds the owner PID; its modification time is the staleness clock. Safe for
// concurrent use: the poll loop refreshes while a teardown may release.
type FileLock struct {
	path       string
	staleAfter time.Duration

	mu   sync.Mutex
	held bool
}

// NewFileLock creates a file lock at dir/name.lock with the default staleness
// threshold.
func NewFileLock(dir, name string) *FileLock {
	return &FileLock{
		path:       filepath.Join(dir, name+".lock"),
		staleAfter: StaleAfter,
	}
}

// Acquire takes the lock, reclaiming it if the current owner looks abandoned.
// A lock held by a live other owner is a hard failure, not a retry.
func (l *FileLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("lock: creating %s: %w", l.path, err)
		}

		info, statErr := os.Stat(l.path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue // owner released between our attempts
			}
			return fmt.Errorf("lock: inspecting %s: %w", l.path, statErr)
		}

		if time.Since(info.ModTime()) < l.staleAfter {
			return fmt.Errorf("%w (pid %s, age %s)", ErrHeld, l.ownerPID(), time.Since(info.ModTime()).Round(time.Second))
		}

		// Stale lock: the owner stopped refreshing it. Reclaim and retry.
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("lock: reclaiming stale %s: %w", l.path, rmErr)
		}
	}
	return ErrHeld
}

// Release removes the lock file if this process holds it.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Refresh bumps the lock file's modification time so other processes do not
// reclaim it as stale while the connection is alive.
func (l *FileLock) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	now := time.Now()
	return os.Chtimes(l.path, now, now)
}

func (l *FileLock) ownerPID() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	pid := strings.TrimSpace(string(data))
	if _, err := strconv.Atoi(pid); err != nil {
		return "unknown"
	}
	return pid
}

// MemoryLock is an in-process Locker for single-process deployments and tests.
type MemoryLock struct {
	mu   sync.Mutex
	held bool
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{}
}

func (l *MemoryLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrHeld
	}
	l.held = true
	return nil
}

func (l *MemoryLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func (l *MemoryLock) Refresh() error {
	return nil
}
