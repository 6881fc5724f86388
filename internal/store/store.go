// Package store provides the persisted session store for occtl.
// All session records live in a single JSON document next to an advisory
// lock file; every mutation goes through the transactional Manager so
// that concurrent occtl invocations on the same machine serialize their
// access and always observe a fully committed document.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/AI-enthusiasts/opencode-ctl/internal/errors"
)

// StoreFileName is the name of the session document within the data directory
const StoreFileName = "store.json"

// Status is the persisted lifecycle state of a session.
type Status string

const (
	// StatusRunning indicates the process is alive and actively working.
	StatusRunning Status = "running"
	// StatusIdle indicates the process is alive but has been inactive.
	StatusIdle Status = "idle"
	// StatusWaitingPermission indicates the process is alive and blocked
	// on a pending permission request.
	StatusWaitingPermission Status = "waiting_permission"
	// StatusDead indicates the backing process is gone. Terminal: a dead
	// session is only ever removed, never transitioned.
	StatusDead Status = "dead"
	// StatusError indicates the process is alive but its server is
	// unreachable or reporting a failure.
	StatusError Status = "error"
)

// Active reports whether the session still holds its port.
// Dead sessions no longer count toward port uniqueness.
func (s Status) Active() bool {
	return s != StatusDead
}

// Session is one managed opencode server instance.
//
// HasPendingChanges and ChangedFiles are read-time enrichment computed
// from the working directory on demand; they are never persisted.
type Session struct {
	ID           string    `json:"id"`
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Workdir      string    `json:"workdir,omitempty"`
	Status       Status    `json:"status"`

	HasPendingChanges bool     `json:"-"`
	ChangedFiles      []string `json:"-"`
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Store is the in-memory form of the persisted session document.
// It is only ever handed out inside a Manager scope.
type Store struct {
	Sessions map[string]*Session `json:"sessions"`

	basePort int
}

// document is the on-disk shape of the store.
type document struct {
	Sessions map[string]*Session `json:"sessions"`
}

// newStore returns an empty store allocating ports from basePort.
func newStore(basePort int) *Store {
	return &Store{
		Sessions: make(map[string]*Session),
		basePort: basePort,
	}
}

// load parses the document at path. An absent file yields an empty
// store; an unparsable document yields CorruptStoreError. Records with
// missing optional fields are repaired with safe defaults.
func load(path string, basePort int) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newStore(basePort), nil
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewCorruptStoreError(path, err)
	}

	s := newStore(basePort)
	for id, sess := range doc.Sessions {
		if sess == nil {
			continue
		}
		if sess.ID == "" {
			sess.ID = id
		}
		if sess.Status == "" {
			sess.Status = StatusRunning
		}
		if sess.LastActivity.IsZero() {
			sess.LastActivity = sess.CreatedAt
		}
		s.Sessions[id] = sess
	}
	return s, nil
}

// save writes the document back atomically (write-temp-then-rename) so
// a crash mid-write cannot leave a partially-written store.
func (s *Store) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(document{Sessions: s.Sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	return nil
}

// AllocatePort returns the lowest port at or above the base port not
// currently held by a non-dead session. Ports come free again as soon
// as their owning session is removed.
func (s *Store) AllocatePort() int {
	used := make(map[int]bool, len(s.Sessions))
	for _, sess := range s.Sessions {
		if sess.Status.Active() {
			used[sess.Port] = true
		}
	}

	port := s.basePort
	for used[port] {
		port++
	}
	return port
}

// Add inserts or replaces a session record.
func (s *Store) Add(sess *Session) {
	s.Sessions[sess.ID] = sess
}

// Remove deletes a session record. Removing an absent ID is a no-op.
func (s *Store) Remove(id string) {
	delete(s.Sessions, id)
}

// Get returns the session with the given ID, or nil if absent.
func (s *Store) Get(id string) *Session {
	return s.Sessions[id]
}

// UpdateActivity sets the session's last-activity timestamp to now.
// The timestamp never moves backwards.
func (s *Store) UpdateActivity(id string, now time.Time) {
	if sess := s.Sessions[id]; sess != nil && now.After(sess.LastActivity) {
		sess.LastActivity = now
	}
}
