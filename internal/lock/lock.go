// Package lock guarantees a single running scheduler per deployment using an
// advisory file lock, and records the holder's PID for status and stop.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another luawatch scheduler is already running")

// ErrNoPID is returned when the PID file does not exist.
var ErrNoPID = errors.New("pid file not found")

// Lock is an acquired single-instance lock. The OS releases it if the process dies.
type Lock struct {
	file    *os.File
	pidPath string
}

// Acquire takes an exclusive, non-blocking lock on lockPath and writes the
// current PID to pidPath.
func Acquire(lockPath, pidPath string) (*Lock, error) {
	f, err := tryLock(lockPath)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &Lock{file: f, pidPath: pidPath}, nil
}

// Release removes the PID file and drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.pidPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove pid file: %w", err))
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil
	return errors.Join(errs...)
}

// Held reports whether some process currently holds the lock on lockPath.
func Held(lockPath string) (bool, error) {
	f, err := tryLock(lockPath)
	if errors.Is(err, ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	return false, nil
}

func tryLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	return f, nil
}

// ReadPID returns the PID recorded in pidPath.
func ReadPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if os.IsNotExist(err) {
		return 0, ErrNoPID
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt", pidPath)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to the process recorded in pidPath.
func Signal(pidPath string, sig syscall.Signal) (int, error) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		return 0, err
	}
	if err := unix.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}
