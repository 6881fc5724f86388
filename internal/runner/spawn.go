package runner

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/AI-enthusiasts/opencode-ctl/internal/store"
)

// serverURLPattern matches the line opencode prints once its HTTP
// server is accepting connections.
var serverURLPattern = regexp.MustCompile(`opencode server listening on (https?://\S+)`)

// startPollInterval is how often the startup log is re-read while
// waiting for the server announcement.
const startPollInterval = 100 * time.Millisecond

// Process is a handle on a spawned opencode subprocess.
type Process interface {
	// PID returns the operating-system process ID.
	PID() int

	// Signal delivers a signal to the subprocess.
	Signal(sig os.Signal) error

	// Release detaches the subprocess so it outlives this invocation.
	Release() error
}

// Spawner launches the opencode subprocess with its combined output
// redirected to logPath. The production implementation uses os/exec;
// tests substitute a fake.
type Spawner interface {
	Spawn(bin string, args []string, env []string, dir, logPath string) (Process, error)
}

// execSpawner starts real subprocesses in their own session so they
// survive the CLI invocation that launched them.
type execSpawner struct{}

type execProcess struct {
	proc *os.Process
}

func (p *execProcess) PID() int                   { return p.proc.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.proc.Signal(sig) }
func (p *execProcess) Release() error             { return p.proc.Release() }

// Spawn starts bin detached from the controlling terminal. Output goes
// to a file rather than a pipe: the child must keep writing after this
// process exits.
func (s *execSpawner) Spawn(bin string, args []string, env []string, dir, logPath string) (Process, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // New session, so the server survives our exit
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{proc: cmd.Process}, nil
}

// waitForServerURL tails the startup log for the server URL. It
// returns the URL, or "" if the process died or the timeout elapsed
// first, along with everything captured so far for diagnostics.
func waitForServerURL(ctx context.Context, logPath string, pid int, timeout time.Duration) (string, string) {
	deadline := time.Now().Add(timeout)
	var captured []byte
	for {
		captured, _ = os.ReadFile(logPath)
		if match := serverURLPattern.FindSubmatch(captured); match != nil {
			return string(match[1]), string(captured)
		}
		if !store.IsProcessAlive(pid) {
			// One more read: the process may have flushed on exit
			captured, _ = os.ReadFile(logPath)
			if match := serverURLPattern.FindSubmatch(captured); match != nil {
				return string(match[1]), string(captured)
			}
			return "", string(captured)
		}
		if time.Now().After(deadline) {
			return "", string(captured)
		}
		select {
		case <-ctx.Done():
			return "", string(captured)
		case <-time.After(startPollInterval):
		}
	}
}
