// Package gitstatus probes a session's working directory for
// uncommitted changes. Results are computed fresh on every call and are
// never cached or persisted: this favors correctness at call time over
// throughput.
package gitstatus

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AI-enthusiasts/opencode-ctl/internal/logging"
)

// DefaultTimeout bounds a single probe invocation.
const DefaultTimeout = 5 * time.Second

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns its stdout.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns its stdout.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Prober checks working directories for pending version-control changes.
type Prober struct {
	timeout  time.Duration
	executor CommandExecutor
	logger   *logging.Logger
}

// NewProber creates a Prober with the given probe timeout.
// A zero timeout falls back to DefaultTimeout. The logger may be nil.
func NewProber(timeout time.Duration, logger *logging.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Prober{
		timeout:  timeout,
		executor: &CLICommandExecutor{},
		logger:   logger,
	}
}

// NewProberWithExecutor creates a Prober with a custom executor.
// This is primarily useful for testing.
func NewProberWithExecutor(timeout time.Duration, executor CommandExecutor, logger *logging.Logger) *Prober {
	p := NewProber(timeout, logger)
	p.executor = executor
	return p
}

// Check reports whether dir has uncommitted changes and which items
// changed, in git's output order. Each porcelain line's status-code
// prefix (first 3 characters) is stripped to obtain the item.
//
// Every failure mode collapses to (false, nil): an absent or empty dir,
// a directory that is not a git repository, a probe timeout, or a
// failing git invocation. Callers cannot distinguish "clean" from
// "undeterminable"; that trade-off is inherited and documented rather
// than resolved here.
func (p *Prober) Check(ctx context.Context, dir string) (bool, []string) {
	if dir == "" {
		return false, nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false, nil
	}
	if info, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !info.IsDir() {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.executor.Run(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		p.logger.Debug("status probe failed", "workdir", dir, "error", err)
		return false, nil
	}

	var changed []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		if len(line) > 3 {
			changed = append(changed, line[3:])
		} else {
			changed = append(changed, line)
		}
	}

	return len(changed) > 0, changed
}
