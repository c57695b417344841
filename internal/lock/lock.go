// Package lock provides the per-task mutexes that serialize lifecycle events
// for one task and the single-instance lock a daemon holds on its data dir.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per task id. Entries are reference counted and
// dropped once no goroutine holds or waits on them, so ids of finished tasks
// do not accumulate.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*refMutex)}
}

func (m *MutexMap) Lock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		rm = &refMutex{}
		m.mutexes[key] = rm
	}
	rm.refs++
	m.mu.Unlock()

	rm.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.mutexes[key]
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	rm.refs--
	if rm.refs == 0 {
		delete(m.mutexes, key)
	}
	rm.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

// ErrLocked is matched by errors.Is when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// HeldError reports the holder of a contended FileLock. PID is 0 when the
// lock file could not be read.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s is held by pid %d (another slawarden daemon is using this data dir)", e.Path, e.PID)
	}
	return fmt.Sprintf("%s is held (another slawarden daemon is using this data dir)", e.Path)
}

func (e *HeldError) Is(target error) bool { return target == ErrLocked }

// FileLock is an exclusive flock on a file holding the owner's PID.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. A contended lock yields a
// *HeldError.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return &HeldError{Path: fl.path, PID: readPID(fl.path)}
		}
		return fmt.Errorf("flock %s: %w", fl.path, err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return err
	}
	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Unlock releases the lock and removes the file. It is a no-op when the lock
// is not held.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	// Remove while still holding the flock so a waiting daemon never locks
	// a file that is about to disappear.
	_ = os.Remove(fl.path)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Path() string {
	return fl.path
}
