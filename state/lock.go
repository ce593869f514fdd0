package state

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"sprintd/log"
)

// LockHeldError reports that another live engine instance holds the sprint
// lock. It is fatal; the second instance must not touch the sprint state.
type LockHeldError struct {
	Slug   string
	Number int
	Path   string
	PID    int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf(
		"sprint %s-%d is already being run by process %d (lock file %s); stop that process or wait for it to finish",
		e.Slug, e.Number, e.PID, e.Path,
	)
}

// Lock is an acquired sprint lock. It exists for the life of a running engine
// instance and is removed on graceful shutdown.
type Lock struct {
	path string
	pid  int
}

// PID returns the holder process id recorded in the lock.
func (l *Lock) PID() int {
	return l.pid
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// AcquireLock takes the per-sprint lock for this process. If a lock file
// exists, the recorded holder is liveness-probed: a live holder fails the
// acquisition with *LockHeldError, a dead holder's marker is overwritten and
// ownership transfers silently.
func (s *Store) AcquireLock(slug string, number int) (*Lock, error) {
	path := s.LockPath(slug, number)

	if pid, err := readLockPID(path); err == nil {
		if processAlive(pid) {
			return nil, &LockHeldError{Slug: slug, Number: number, Path: path, PID: pid}
		}
		// Stale lock from a crashed run; reclaim it.
		log.WarningLog.Printf("reclaiming stale sprint lock %s held by dead process %d", path, pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		// A lock file we cannot parse names no holder to probe; treat it as
		// stale rather than wedging the sprint forever.
		log.WarningLog.Printf("removing unreadable sprint lock %s: %v", path, err)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove unreadable lock %s: %w", path, err)
		}
	}

	pid := os.Getpid()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Lost the race to another process.
			holder, readErr := readLockPID(path)
			if readErr != nil {
				holder = -1
			}
			return nil, &LockHeldError{Slug: slug, Number: number, Path: path, PID: holder}
		}
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close lock file %s: %w", path, err)
	}

	log.InfoLog.Printf("acquired sprint lock %s (pid %d)", path, pid)
	return &Lock{path: path, pid: pid}, nil
}

// Release removes the lock marker. Removing an already-missing marker is not
// an error.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

// readLockPID parses the decimal pid recorded in a lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive probes whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still means
// the process is there.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
