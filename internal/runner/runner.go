// Package runner coordinates the lifecycle of locally spawned opencode
// server processes. Every logical operation runs against the persisted
// session store in a single transactional scope, so concurrent occtl
// invocations observe each other's changes and never interleave
// partial writes.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/AI-enthusiasts/opencode-ctl/internal/client"
	"github.com/AI-enthusiasts/opencode-ctl/internal/config"
	"github.com/AI-enthusiasts/opencode-ctl/internal/errors"
	"github.com/AI-enthusiasts/opencode-ctl/internal/gitstatus"
	"github.com/AI-enthusiasts/opencode-ctl/internal/logging"
	"github.com/AI-enthusiasts/opencode-ctl/internal/store"
)

// Environment variables propagated to spawned sessions.
const (
	envSessionID       = "OPENCODE_SESSION_ID"
	envParentSessionID = "OPENCODE_PARENT_SESSION_ID"
	envBlacklist       = "OPENCODE_BLACKLIST"
)

// occtlBlacklistEntry keeps spawned sessions from driving occtl
// themselves and forking runaway process trees.
const occtlBlacklistEntry = "bash:occtl"

// stopPollInterval is how often a graceful stop re-checks process
// liveness.
const stopPollInterval = 100 * time.Millisecond

// Client is the slice of the opencode server API the coordinator needs
// to classify a session.
type Client interface {
	ListPermissions(ctx context.Context) ([]client.Permission, error)
	ListSessions(ctx context.Context) ([]client.SessionInfo, error)
}

// ClientFactory builds an API client for the server on the given port.
type ClientFactory func(port int) Client

// ChangeProber reports uncommitted changes in a working directory.
type ChangeProber interface {
	Check(ctx context.Context, dir string) (bool, []string)
}

// Runner owns session lifecycle: spawning opencode servers, tracking
// them in the store, and reaping them when they die or go idle.
type Runner struct {
	cfg     *config.Config
	mgr     *store.Manager
	logger  *logging.Logger
	spawner Spawner
	prober  ChangeProber
	clients ClientFactory
}

// New builds a Runner from resolved configuration. The data directory
// comes from the config; nothing here reads ambient global state.
func New(cfg *config.Config, logger *logging.Logger) *Runner {
	return &Runner{
		cfg: cfg,
		mgr: store.NewManager(
			cfg.ResolveDataDir(),
			cfg.Session.BasePort,
			cfg.Session.LockTimeout(),
			logger,
		),
		logger:  logger,
		spawner: &execSpawner{},
		prober:  gitstatus.NewProber(cfg.Probe.Timeout(), logger),
		clients: func(port int) Client {
			return client.New(fmt.Sprintf("http://127.0.0.1:%d", port), client.DefaultTimeout)
		},
	}
}

// Manager exposes the store accessor, mainly for occtl watch.
func (r *Runner) Manager() *store.Manager {
	return r.mgr
}

func (r *Runner) clientFor(sess *store.Session) Client {
	return r.clients(sess.Port)
}

// newSessionID returns a fresh session identifier of the form
// "oc-" followed by 8 hex characters.
func newSessionID() string {
	u := uuid.New()
	return fmt.Sprintf("oc-%x", u[:4])
}

// StartOptions configures a new session.
type StartOptions struct {
	// Workdir is the directory the server runs in. Created if missing.
	// Defaults to the current directory.
	Workdir string

	// ConfigPath is an optional opencode config file passed to the
	// spawned server. Not persisted with the session.
	ConfigPath string

	// AllowOcctlCommands leaves occtl off the spawned session's command
	// blacklist.
	AllowOcctlCommands bool
}

// Start spawns a new opencode server and registers it in the store.
// Port allocation, spawning, and the readiness wait all happen inside
// one store transaction: if the server never comes up, the transaction
// aborts and neither the record nor the port reservation is persisted.
func (r *Runner) Start(ctx context.Context, opts StartOptions) (*store.Session, error) {
	workdir := opts.Workdir
	if workdir == "" {
		var err error
		workdir, err = os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "resolving working directory")
		}
	}
	workdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving working directory")
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating working directory")
	}

	logDir := filepath.Join(r.mgr.DataDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}

	var result *store.Session
	err = r.mgr.Update(func(s *store.Store) error {
		port := s.AllocatePort()
		id := newSessionID()
		logPath := filepath.Join(logDir, id+".log")

		args := []string{"serve", "--port", strconv.Itoa(port)}
		if opts.ConfigPath != "" {
			args = append(args, "--config", opts.ConfigPath)
		}
		env := buildEnv(id, opts.AllowOcctlCommands)

		r.logger.Info("starting session",
			"session_id", id, "port", port, "workdir", workdir)

		proc, err := r.spawner.Spawn(r.cfg.OpenCode.Bin, args, env, workdir, logPath)
		if err != nil {
			return errors.NewSpawnError(port, err)
		}

		url, output := waitForServerURL(ctx, logPath, proc.PID(), r.cfg.OpenCode.StartTimeout())
		if url == "" {
			proc.Signal(syscall.SIGKILL)
			return errors.NewSpawnError(port, nil).WithOutput(output)
		}
		proc.Release()

		now := time.Now().UTC()
		sess := &store.Session{
			ID:           id,
			Port:         port,
			PID:          proc.PID(),
			CreatedAt:    now,
			LastActivity: now,
			Workdir:      workdir,
			Status:       store.StatusRunning,
		}
		s.Add(sess)

		r.logger.Info("session started",
			"session_id", id, "pid", sess.PID, "url", url)

		copied := *sess
		result = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// buildEnv assembles the spawned server's environment on top of the
// current one: its own session ID, the parent session it descends
// from, and a command blacklist.
func buildEnv(sessionID string, allowOcctl bool) []string {
	env := environWithout(envSessionID, envParentSessionID, envBlacklist)
	env = append(env, envSessionID+"="+sessionID)

	if parent := parentSessionID(); parent != "" {
		env = append(env, envParentSessionID+"="+parent)
	}

	if !allowOcctl {
		blacklist := os.Getenv(envBlacklist)
		switch {
		case blacklist == "":
			blacklist = occtlBlacklistEntry
		case !blacklistContains(blacklist, occtlBlacklistEntry):
			blacklist += "," + occtlBlacklistEntry
		}
		env = append(env, envBlacklist+"="+blacklist)
	} else if blacklist := os.Getenv(envBlacklist); blacklist != "" {
		env = append(env, envBlacklist+"="+blacklist)
	}
	return env
}

// blacklistContains reports whether a comma-separated blacklist
// already carries the given entry. A nested session inherits the
// entry from its parent, so appending blindly would duplicate it.
func blacklistContains(blacklist, entry string) bool {
	for _, e := range strings.Split(blacklist, ",") {
		if strings.TrimSpace(e) == entry {
			return true
		}
	}
	return false
}

// environWithout returns the current environment minus the named keys.
func environWithout(keys ...string) []string {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if !drop[name] {
			env = append(env, kv)
		}
	}
	return env
}

// parentSessionID identifies the session this invocation runs inside,
// so spawned sessions can be traced back to it. The ambient session ID
// wins; outside any session, a marker file written by the user's main
// session is consulted.
func parentSessionID() string {
	if id := os.Getenv(envSessionID); id != "" {
		return id
	}
	marker := filepath.Join(os.TempDir(),
		fmt.Sprintf("opencode-main-session-%d.id", os.Getuid()))
	data, err := os.ReadFile(marker)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Stop terminates a session's process and removes its record, both in
// the same transaction. Stopping an unknown session is not an error;
// the returned bool reports whether anything was actually stopped.
func (r *Runner) Stop(ctx context.Context, id string, force bool) (bool, error) {
	stopped := false
	err := r.mgr.Update(func(s *store.Store) error {
		sess := s.Get(id)
		if sess == nil {
			return nil
		}

		if store.IsProcessAlive(sess.PID) {
			if force {
				r.signal(sess.PID, syscall.SIGKILL)
			} else {
				r.signal(sess.PID, syscall.SIGTERM)
				r.awaitExit(ctx, sess.PID)
				if store.IsProcessAlive(sess.PID) {
					r.signal(sess.PID, syscall.SIGKILL)
				}
			}
		}

		s.Remove(id)
		stopped = true
		r.logger.Info("session stopped", "session_id", id, "force", force)
		return nil
	})
	return stopped, err
}

// awaitExit polls until the process exits, the stop grace period
// elapses, or the context is cancelled.
func (r *Runner) awaitExit(ctx context.Context, pid int) {
	deadline := time.Now().Add(r.cfg.Session.StopGrace())
	for store.IsProcessAlive(pid) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(stopPollInterval):
		}
	}
}

func (r *Runner) signal(pid int, sig syscall.Signal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(sig); err != nil {
		r.logger.Debug("signal failed", "pid", pid, "signal", sig.String(), "error", err)
	}
}

// Cleanup reaps dead sessions and terminates ones that have been idle
// longer than maxIdle, all in one transaction. Sessions that are
// running, waiting on a permission, or in an error state are left
// alone. Returns the IDs of removed sessions.
func (r *Runner) Cleanup(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	now := time.Now()
	var removed []string

	err := r.mgr.Update(func(s *store.Store) error {
		for id, sess := range s.Sessions {
			switch r.determineStatus(ctx, sess, now) {
			case store.StatusDead:
				r.logger.Info("reaping dead session", "session_id", id)
			case store.StatusIdle:
				if sess.IdleFor(now) <= maxIdle {
					continue
				}
				r.logger.Info("terminating idle session",
					"session_id", id, "idle", sess.IdleFor(now).String())
				r.signal(sess.PID, syscall.SIGTERM)
				r.awaitExit(ctx, sess.PID)
				if store.IsProcessAlive(sess.PID) {
					r.signal(sess.PID, syscall.SIGKILL)
				}
			default:
				continue
			}
			s.Remove(id)
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Touch marks a session as recently active. The timestamp never moves
// backwards; touching an unknown session changes nothing on disk.
func (r *Runner) Touch(id string) error {
	return r.mgr.Update(func(s *store.Store) error {
		if s.Get(id) == nil {
			return errors.NewNotFoundError("session", id)
		}
		s.UpdateActivity(id, time.Now().UTC())
		return nil
	})
}

// HasPendingChanges probes the session's working directory for
// uncommitted changes. The probe runs outside the store transaction
// and its result is never persisted.
func (r *Runner) HasPendingChanges(ctx context.Context, id string) (bool, []string, error) {
	var workdir string
	err := r.mgr.View(func(s *store.Store) error {
		sess := s.Get(id)
		if sess == nil {
			return errors.NewNotFoundError("session", id)
		}
		workdir = sess.Workdir
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	dirty, files := r.prober.Check(ctx, workdir)
	return dirty, files, nil
}

// Attach verifies a session is usable and marks it active, returning
// the record so the caller can talk to its server. Dead sessions are
// rejected rather than reaped here; the caller should run a listing or
// cleanup for that.
func (r *Runner) Attach(ctx context.Context, id string) (*store.Session, error) {
	var result *store.Session
	err := r.mgr.Update(func(s *store.Store) error {
		sess := s.Get(id)
		if sess == nil {
			return errors.NewNotFoundError("session", id)
		}
		if !store.IsProcessAlive(sess.PID) {
			return errors.Wrapf(errors.ErrSessionNotRunning, "session %s", id)
		}
		s.UpdateActivity(id, time.Now().UTC())
		copied := *sess
		result = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AttachURL returns the base URL of a session's server.
func AttachURL(sess *store.Session) string {
	return fmt.Sprintf("http://127.0.0.1:%d", sess.Port)
}
