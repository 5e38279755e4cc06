// Package lockfile guarantees a single FunnelPipe process per state directory.
//
// Two schedulers over the same follow_ups table would arm the same wake-ups
// and deliver each follow-up twice, so startup takes an flock on a file in the
// state directory. The kernel drops the lock when the process exits, however
// it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "funnelpipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Host    string
	Started time.Time
}

func (o Owner) String() string {
	if o.PID <= 0 {
		return ""
	}
	s := fmt.Sprintf("PID %d", o.PID)
	if o.Host != "" {
		s += " on " + o.Host
	}
	if !o.Started.IsZero() {
		s += ", started " + o.Started.Format(time.RFC3339)
	}
	return s
}

func (o Owner) encode() string {
	return fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", o.PID, o.Host, o.Started.UTC().Format(time.RFC3339))
}

// parseOwner reads key=value lines. Unknown keys and bad values are ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "host":
			o.Host = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.Started = t
			}
		}
	}
	return o
}

// Lock represents an active directory lock
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// AcquireLock takes an exclusive lock on stateDir, creating the directory if
// needed. If another process holds the lock it returns a *LockError naming
// that process.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Attempting to acquire lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory for lock", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// no O_TRUNC: the current holder's details must survive a failed attempt
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		slog.Error("Failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, rerr := os.ReadFile(lockPath); rerr == nil {
			lockErr.Owner = parseOwner(string(data))
			lockErr.OwnerRunning = lockErr.Owner.PID > 0 && isProcessRunning(lockErr.Owner.PID)
		}
		slog.Error("Failed to acquire lock, another FunnelPipe instance is running",
			"error", err, "lock_path", lockPath, "owner", lockErr.Owner.String())
		return nil, lockErr
	}

	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, Started: time.Now().Truncate(time.Second)}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		slog.Error("Failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, owner: owner}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(owner.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Owner returns the details written for this process.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// remove while still holding the lock so no successor's file is deleted
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}

	slog.Info("Released state directory lock", "lock_path", l.path)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath     string
	Owner        Owner
	OwnerRunning bool
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another FunnelPipe instance is already using this state directory (lock file %s)", e.LockPath)
	if owner := e.Owner.String(); owner != "" {
		state := "running"
		if !e.OwnerRunning {
			state = "not running here, the lock may be stale"
		}
		fmt.Fprintf(&b, "; holder: %s (%s)", owner, state)
	}
	fmt.Fprintf(&b, "; stop the other instance, or remove %s only if you are sure none is running", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
