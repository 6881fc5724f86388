package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AI-enthusiasts/opencode-ctl/internal/logging"
)

// Manager is the transactional accessor for the session store: the only
// code path that ever persists the document. Each logical operation
// opens exactly one scope via Update or View; batch operations thread
// the *Store they receive through all per-item work instead of opening
// a scope per item, which would self-deadlock on the gate.
type Manager struct {
	dataDir     string
	basePort    int
	lockTimeout time.Duration
	logger      *logging.Logger
}

// NewManager creates a Manager rooted at the given data directory.
// The logger may be nil.
func NewManager(dataDir string, basePort int, lockTimeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		dataDir:     dataDir,
		basePort:    basePort,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// DataDir returns the directory holding the store and lock files.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// StorePath returns the path of the persisted session document.
func (m *Manager) StorePath() string {
	return filepath.Join(m.dataDir, StoreFileName)
}

// LockPath returns the path of the advisory lock file.
func (m *Manager) LockPath() string {
	return filepath.Join(m.dataDir, LockFileName)
}

// Update runs fn inside an exclusive scope: acquire lock, load store,
// call fn, and persist iff fn returned nil. The lock is always released.
// An error from fn skips the save, leaving the document untouched.
func (m *Manager) Update(fn func(*Store) error) error {
	return m.scope(fn, true)
}

// View runs fn inside an exclusive scope without ever persisting.
// Mutations made to the store inside a View scope are discarded.
func (m *Manager) View(fn func(*Store) error) error {
	return m.scope(fn, false)
}

func (m *Manager) scope(fn func(*Store) error, save bool) error {
	if err := os.MkdirAll(m.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	gate := NewGate(m.LockPath(), m.lockTimeout, m.logger)
	if err := gate.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := gate.Release(); err != nil {
			m.logger.Error("failed to release store lock", "error", err)
		}
	}()

	s, err := load(m.StorePath(), m.basePort)
	if err != nil {
		return err
	}

	if err := fn(s); err != nil {
		return err
	}

	if !save {
		return nil
	}
	return s.save(m.StorePath())
}
