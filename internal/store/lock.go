package store

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/AI-enthusiasts/opencode-ctl/internal/errors"
	"github.com/AI-enthusiasts/opencode-ctl/internal/logging"
)

// LockFileName is the name of the lock file within the data directory
const LockFileName = "store.lock"

// lockRetryInterval is how often a blocked acquirer re-checks the lock.
const lockRetryInterval = 50 * time.Millisecond

// lockInfo identifies the current lock holder.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Gate is the cross-process exclusive lock guarding store access.
// At most one holder exists system-wide for a given lock path; a lock
// left behind by a dead process is treated as stale and broken.
type Gate struct {
	path    string
	timeout time.Duration
	logger  *logging.Logger
	held    *lockInfo
}

// NewGate creates a Gate for the given lock file path.
// The logger may be nil.
func NewGate(path string, timeout time.Duration, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gate{
		path:    path,
		timeout: timeout,
		logger:  logger,
	}
}

// Acquire blocks until the exclusive lock is obtained, or fails with
// LockTimeoutError after the configured bounded wait.
func (g *Gate) Acquire() error {
	deadline := time.Now().Add(g.timeout)

	for {
		acquired, err := g.tryAcquire()
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			g.logger.Error("failed to acquire store lock",
				"lock_path", g.path,
				"timeout", g.timeout.String(),
			)
			return errors.NewLockTimeoutError(g.path, g.timeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// tryAcquire makes a single attempt at the lock. It breaks stale locks
// held by dead processes before attempting the exclusive create.
func (g *Gate) tryAcquire() (bool, error) {
	if existing, err := readLockInfo(g.path); err == nil {
		if IsProcessAlive(existing.PID) {
			return false, nil
		}
		if err := g.breakStaleLock(); err != nil {
			return false, err
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info := &lockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL so a racing process cannot acquire simultaneously
	f, err := os.OpenFile(g.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(g.path)
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}

	g.held = info
	return true, nil
}

// breakStaleLock discards the lock file at g.path after re-verifying
// its holder is dead. The file is claimed by rename first, so two
// racing breakers cannot both remove it and a fresh lock created by
// another process in the meantime is never deleted.
func (g *Gate) breakStaleLock() error {
	tmp := fmt.Sprintf("%s.stale.%d", g.path, os.Getpid())
	if err := os.Rename(g.path, tmp); err != nil {
		if os.IsNotExist(err) {
			// Another process already broke it
			return nil
		}
		return fmt.Errorf("failed to claim stale lock: %w", err)
	}

	claimed, err := readLockInfo(tmp)
	if err == nil && IsProcessAlive(claimed.PID) {
		// A live lock replaced the stale one between the liveness
		// check and the rename. Put it back unless an even newer
		// holder has appeared at the lock path since.
		if err := os.Link(tmp, g.path); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to restore lock: %w", err)
		}
		os.Remove(tmp)
		return nil
	}

	os.Remove(tmp)
	if err == nil {
		g.logger.Warn("stale store lock cleaned",
			"lock_path", g.path,
			"old_pid", claimed.PID,
		)
	}
	return nil
}

// Release removes the lock file if we hold it. Safe to call twice.
func (g *Gate) Release() error {
	if g.held == nil {
		return nil
	}

	existing, err := readLockInfo(g.path)
	if err != nil {
		// Lock file gone or unreadable - nothing to do
		g.held = nil
		return nil
	}

	if existing.PID != g.held.PID {
		// Not our lock anymore - don't remove it
		g.held = nil
		return nil
	}

	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	g.held = nil
	return nil
}

// readLockInfo reads and parses a lock file.
func readLockInfo(path string) (*lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// IsProcessAlive checks if a process with the given PID is running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// On Unix, signal 0 checks existence without affecting the process
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil
}
