package runner

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/AI-enthusiasts/opencode-ctl/internal/client"
	"github.com/AI-enthusiasts/opencode-ctl/internal/config"
	"github.com/AI-enthusiasts/opencode-ctl/internal/errors"
	"github.com/AI-enthusiasts/opencode-ctl/internal/logging"
	"github.com/AI-enthusiasts/opencode-ctl/internal/store"
)

// deadPID is a process ID no test machine plausibly has live.
const deadPID = 1 << 22

// fakeClient scripts API responses for status classification.
type fakeClient struct {
	perms       []client.Permission
	permsErr    error
	sessions    []client.SessionInfo
	sessionsErr error
}

func (f *fakeClient) ListPermissions(ctx context.Context) ([]client.Permission, error) {
	return f.perms, f.permsErr
}

func (f *fakeClient) ListSessions(ctx context.Context) ([]client.SessionInfo, error) {
	return f.sessions, f.sessionsErr
}

// fakeSpawner writes a scripted announcement to the startup log
// instead of launching anything.
type fakeSpawner struct {
	announce bool
	startErr error
	pid      int

	gotBin  string
	gotArgs []string
	gotEnv  []string
	gotDir  string
}

type fakeProcess struct {
	pid      int
	signals  []os.Signal
	released bool
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) Signal(sig os.Signal) error {
	p.signals = append(p.signals, sig)
	return nil
}
func (p *fakeProcess) Release() error {
	p.released = true
	return nil
}

func (f *fakeSpawner) Spawn(bin string, args []string, env []string, dir, logPath string) (Process, error) {
	f.gotBin = bin
	f.gotArgs = args
	f.gotEnv = env
	f.gotDir = dir
	if f.startErr != nil {
		return nil, f.startErr
	}
	content := "starting up\n"
	if f.announce {
		content += "opencode server listening on http://127.0.0.1:9100\n"
	}
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		return nil, err
	}
	pid := f.pid
	if pid == 0 {
		pid = os.Getpid()
	}
	return &fakeProcess{pid: pid}, nil
}

type fakeProber struct {
	dirty bool
	files []string
	calls int
}

func (f *fakeProber) Check(ctx context.Context, dir string) (bool, []string) {
	f.calls++
	return f.dirty, f.files
}

func newTestRunner(t *testing.T) (*Runner, *fakeClient, *fakeSpawner, *fakeProber) {
	t.Helper()
	cfg := config.Default()
	cfg.Session.StopGraceSeconds = 1
	fc := &fakeClient{}
	fs := &fakeSpawner{announce: true}
	fp := &fakeProber{}
	r := &Runner{
		cfg: cfg,
		mgr: store.NewManager(t.TempDir(), cfg.Session.BasePort,
			cfg.Session.LockTimeout(), logging.NopLogger()),
		logger:  logging.NopLogger(),
		spawner: fs,
		prober:  fp,
		clients: func(port int) Client { return fc },
	}
	return r, fc, fs, fp
}

func addSession(t *testing.T, r *Runner, sess *store.Session) {
	t.Helper()
	if err := r.mgr.Update(func(s *store.Store) error {
		s.Add(sess)
		return nil
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

func liveSession(id string, port int) *store.Session {
	now := time.Now().UTC()
	return &store.Session{
		ID:           id,
		Port:         port,
		PID:          os.Getpid(),
		CreatedAt:    now,
		LastActivity: now,
		Status:       store.StatusRunning,
	}
}

func TestDetermineStatus(t *testing.T) {
	r, fc, _, _ := newTestRunner(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name  string
		pid   int
		setup func()
		want  store.Status
	}{
		{
			name:  "dead process wins over pending permissions",
			pid:   deadPID,
			setup: func() { fc.perms = []client.Permission{{ID: "p1"}} },
			want:  store.StatusDead,
		},
		{
			name:  "pending permission",
			pid:   os.Getpid(),
			setup: func() { fc.perms = []client.Permission{{ID: "p1"}} },
			want:  store.StatusWaitingPermission,
		},
		{
			name:  "permission query fails",
			pid:   os.Getpid(),
			setup: func() { fc.permsErr = errors.New("connection refused") },
			want:  store.StatusError,
		},
		{
			name: "busy server session within window",
			pid:  os.Getpid(),
			setup: func() {
				fc.sessions = []client.SessionInfo{
					{ID: "s1", Updated: now.UnixMilli(), Busy: true},
				}
			},
			want: store.StatusRunning,
		},
		{
			name: "busy but stale server session",
			pid:  os.Getpid(),
			setup: func() {
				fc.sessions = []client.SessionInfo{
					{ID: "s1", Updated: now.Add(-time.Minute).UnixMilli(), Busy: true},
				}
			},
			want: store.StatusIdle,
		},
		{
			name:  "quiet server",
			pid:   os.Getpid(),
			setup: func() {},
			want:  store.StatusIdle,
		},
		{
			name:  "session list query fails",
			pid:   os.Getpid(),
			setup: func() { fc.sessionsErr = errors.New("connection reset") },
			want:  store.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*fc = fakeClient{}
			tt.setup()
			sess := liveSession("oc-aaaa1111", 9100)
			sess.PID = tt.pid
			if got := r.determineStatus(ctx, sess, now); got != tt.want {
				t.Errorf("determineStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStart(t *testing.T) {
	r, _, fs, _ := newTestRunner(t)
	workdir := t.TempDir()

	sess, err := r.Start(context.Background(), StartOptions{Workdir: workdir})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if sess.Port != 9100 {
		t.Errorf("Port = %d, want 9100", sess.Port)
	}
	if sess.Status != store.StatusRunning {
		t.Errorf("Status = %q, want running", sess.Status)
	}
	if !strings.HasPrefix(sess.ID, "oc-") || len(sess.ID) != 11 {
		t.Errorf("ID = %q, want oc- plus 8 hex chars", sess.ID)
	}
	if fs.gotBin != "opencode" {
		t.Errorf("bin = %q, want opencode", fs.gotBin)
	}
	wantArgs := []string{"serve", "--port", "9100"}
	if len(fs.gotArgs) != len(wantArgs) {
		t.Fatalf("args = %v, want %v", fs.gotArgs, wantArgs)
	}
	for i := range wantArgs {
		if fs.gotArgs[i] != wantArgs[i] {
			t.Errorf("args[%d] = %q, want %q", i, fs.gotArgs[i], wantArgs[i])
		}
	}
	if fs.gotDir != workdir {
		t.Errorf("dir = %q, want %q", fs.gotDir, workdir)
	}

	// Record persisted
	err = r.mgr.View(func(s *store.Store) error {
		if s.Get(sess.ID) == nil {
			t.Error("session not persisted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestStart_ConfigPath(t *testing.T) {
	r, _, fs, _ := newTestRunner(t)

	_, err := r.Start(context.Background(),
		StartOptions{Workdir: t.TempDir(), ConfigPath: "/etc/opencode.json"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	joined := strings.Join(fs.gotArgs, " ")
	if !strings.Contains(joined, "--config /etc/opencode.json") {
		t.Errorf("args = %v, missing config flag", fs.gotArgs)
	}
}

func TestStart_Environment(t *testing.T) {
	r, _, fs, _ := newTestRunner(t)
	t.Setenv("OPENCODE_SESSION_ID", "oc-parent01")
	t.Setenv("OPENCODE_BLACKLIST", "bash:rm")

	sess, err := r.Start(context.Background(), StartOptions{Workdir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	env := map[string]string{}
	for _, kv := range fs.gotEnv {
		name, value, _ := strings.Cut(kv, "=")
		env[name] = value
	}
	if env["OPENCODE_SESSION_ID"] != sess.ID {
		t.Errorf("OPENCODE_SESSION_ID = %q, want %q", env["OPENCODE_SESSION_ID"], sess.ID)
	}
	if env["OPENCODE_PARENT_SESSION_ID"] != "oc-parent01" {
		t.Errorf("OPENCODE_PARENT_SESSION_ID = %q, want oc-parent01", env["OPENCODE_PARENT_SESSION_ID"])
	}
	if env["OPENCODE_BLACKLIST"] != "bash:rm,bash:occtl" {
		t.Errorf("OPENCODE_BLACKLIST = %q, want bash:rm,bash:occtl", env["OPENCODE_BLACKLIST"])
	}
}

func TestStart_BlacklistEntryNotDuplicated(t *testing.T) {
	r, _, fs, _ := newTestRunner(t)
	t.Setenv("OPENCODE_BLACKLIST", "bash:occtl,bash:rm")

	_, err := r.Start(context.Background(), StartOptions{Workdir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, kv := range fs.gotEnv {
		if strings.HasPrefix(kv, "OPENCODE_BLACKLIST=") {
			if kv != "OPENCODE_BLACKLIST=bash:occtl,bash:rm" {
				t.Errorf("blacklist = %q, want inherited entry kept once", kv)
			}
			return
		}
	}
	t.Error("OPENCODE_BLACKLIST not set on spawned environment")
}

func TestStart_AllowOcctl(t *testing.T) {
	r, _, fs, _ := newTestRunner(t)

	_, err := r.Start(context.Background(),
		StartOptions{Workdir: t.TempDir(), AllowOcctlCommands: true})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, kv := range fs.gotEnv {
		if strings.HasPrefix(kv, "OPENCODE_BLACKLIST=") && strings.Contains(kv, "occtl") {
			t.Errorf("occtl blacklisted despite AllowOcctlCommands: %s", kv)
		}
	}
}

func TestStart_FailureLeavesStoreEmpty(t *testing.T) {
	r, _, fs, _ := newTestRunner(t)
	fs.announce = false
	fs.pid = deadPID

	_, err := r.Start(context.Background(), StartOptions{Workdir: t.TempDir()})
	if !errors.Is(err, errors.ErrSpawnFailed) {
		t.Fatalf("error = %v, want ErrSpawnFailed", err)
	}
	var spawnErr *errors.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %T, want *SpawnError", err)
	}
	if spawnErr.Port != 9100 {
		t.Errorf("Port = %d, want 9100", spawnErr.Port)
	}
	if !strings.Contains(spawnErr.Output, "starting up") {
		t.Errorf("Output = %q, want captured log", spawnErr.Output)
	}

	// No record persisted, and the port is free for the next attempt
	err = r.mgr.View(func(s *store.Store) error {
		if len(s.Sessions) != 0 {
			t.Errorf("Sessions = %d, want 0", len(s.Sessions))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	fs.announce = true
	fs.pid = 0
	sess, err := r.Start(context.Background(), StartOptions{Workdir: t.TempDir()})
	if err != nil {
		t.Fatalf("retry Start failed: %v", err)
	}
	if sess.Port != 9100 {
		t.Errorf("retry Port = %d, want 9100", sess.Port)
	}
}

func TestList_ReapsDeadSessions(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	addSession(t, r, liveSession("oc-alive001", 9100))
	dead := liveSession("oc-dead0001", 9101)
	dead.PID = deadPID
	addSession(t, r, dead)

	listing, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(listing.Sessions) != 1 {
		t.Fatalf("Sessions = %d, want 1", len(listing.Sessions))
	}
	if listing.Sessions[0].ID != "oc-alive001" {
		t.Errorf("survivor = %q, want oc-alive001", listing.Sessions[0].ID)
	}

	err = r.mgr.View(func(s *store.Store) error {
		if s.Get("oc-dead0001") != nil {
			t.Error("dead session still in store")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestList_SortedByCreation(t *testing.T) {
	r, _, _, _ := newTestRunner(t)

	older := liveSession("oc-older001", 9100)
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	addSession(t, r, liveSession("oc-newer001", 9101))
	addSession(t, r, older)

	listing, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listing.Sessions) != 2 {
		t.Fatalf("Sessions = %d, want 2", len(listing.Sessions))
	}
	if listing.Sessions[0].ID != "oc-older001" {
		t.Errorf("first = %q, want oc-older001", listing.Sessions[0].ID)
	}
}

func TestList_EnrichesWithChanges(t *testing.T) {
	r, _, _, fp := newTestRunner(t)
	fp.dirty = true
	fp.files = []string{"main.go", "go.mod"}

	sess := liveSession("oc-aaaa1111", 9100)
	sess.Workdir = t.TempDir()
	addSession(t, r, sess)

	listing, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := listing.Sessions[0]
	if !got.HasPendingChanges || len(got.ChangedFiles) != 2 {
		t.Errorf("changes = %v %v, want true with 2 files", got.HasPendingChanges, got.ChangedFiles)
	}

	// Probe results stay out of the persisted document
	data, err := os.ReadFile(r.mgr.StorePath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "main.go") {
		t.Error("probe result leaked into the store document")
	}
}

func TestList_EnrichesOutsideScopeWhenNotSnapshot(t *testing.T) {
	r, _, _, fp := newTestRunner(t)
	r.cfg.Session.SnapshotListing = false
	fp.dirty = true
	fp.files = []string{"main.go"}

	withDir := liveSession("oc-aaaa1111", 9100)
	withDir.Workdir = t.TempDir()
	addSession(t, r, withDir)
	addSession(t, r, liveSession("oc-bbbb2222", 9101))

	listing, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listing.Sessions) != 2 {
		t.Fatalf("Sessions = %d, want 2", len(listing.Sessions))
	}
	for _, got := range listing.Sessions {
		if got.Workdir == "" {
			continue
		}
		if !got.HasPendingChanges || len(got.ChangedFiles) != 1 {
			t.Errorf("changes = %v %v, want true with 1 file", got.HasPendingChanges, got.ChangedFiles)
		}
	}
	// One probe per session with a workdir, run after the store scope closed
	if fp.calls != 1 {
		t.Errorf("probe calls = %d, want 1", fp.calls)
	}
}

func TestGet_NotFound(t *testing.T) {
	r, _, _, _ := newTestRunner(t)

	_, err := r.Get(context.Background(), "oc-missing1")
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestGet_DeadSessionReturnedAndReaped(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	dead := liveSession("oc-dead0001", 9100)
	dead.PID = deadPID
	addSession(t, r, dead)

	sess, err := r.Get(context.Background(), "oc-dead0001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Status != store.StatusDead {
		t.Errorf("Status = %q, want dead", sess.Status)
	}

	err = r.mgr.View(func(s *store.Store) error {
		if s.Get("oc-dead0001") != nil {
			t.Error("dead session still in store")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestTouch(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	sess := liveSession("oc-aaaa1111", 9100)
	sess.LastActivity = sess.LastActivity.Add(-time.Hour)
	addSession(t, r, sess)
	before := sess.LastActivity

	if err := r.Touch("oc-aaaa1111"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	err := r.mgr.View(func(s *store.Store) error {
		if !s.Get("oc-aaaa1111").LastActivity.After(before) {
			t.Error("LastActivity did not advance")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestTouch_UnknownLeavesDocumentUntouched(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	addSession(t, r, liveSession("oc-aaaa1111", 9100))
	before, err := os.ReadFile(r.mgr.StorePath())
	if err != nil {
		t.Fatal(err)
	}

	err = r.Touch("oc-missing1")
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}

	after, err := os.ReadFile(r.mgr.StorePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("store document changed after failed Touch")
	}
}

func TestStop_UnknownIsIdempotent(t *testing.T) {
	r, _, _, _ := newTestRunner(t)

	stopped, err := r.Stop(context.Background(), "oc-missing1", false)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped {
		t.Error("Stop reported stopping a session that does not exist")
	}
}

func TestStop_RemovesRecord(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	gone := liveSession("oc-aaaa1111", 9100)
	gone.PID = deadPID
	addSession(t, r, gone)

	stopped, err := r.Stop(context.Background(), "oc-aaaa1111", false)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !stopped {
		t.Error("Stop did not report success")
	}

	err = r.mgr.View(func(s *store.Store) error {
		if s.Get("oc-aaaa1111") != nil {
			t.Error("record still in store")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestStop_TerminatesProcess(t *testing.T) {
	r, _, _, _ := newTestRunner(t)

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	go cmd.Wait()

	sess := liveSession("oc-aaaa1111", 9100)
	sess.PID = cmd.Process.Pid
	addSession(t, r, sess)

	stopped, err := r.Stop(context.Background(), "oc-aaaa1111", false)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !stopped {
		t.Error("Stop did not report success")
	}
	if store.IsProcessAlive(cmd.Process.Pid) {
		t.Error("process still alive after Stop")
	}
}

func TestCleanup(t *testing.T) {
	r, fc, _, _ := newTestRunner(t)
	now := time.Now().UTC()

	// Idle past the threshold, backed by a process we can signal
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	go cmd.Wait()
	idle := liveSession("oc-idle0001", 9100)
	idle.PID = cmd.Process.Pid
	idle.LastActivity = now.Add(-10 * time.Minute)
	addSession(t, r, idle)

	// Idle but under the threshold
	fresh := liveSession("oc-fresh001", 9101)
	fresh.LastActivity = now.Add(-30 * time.Second)
	addSession(t, r, fresh)

	// Dead, reaped regardless of idle time
	dead := liveSession("oc-dead0001", 9102)
	dead.PID = deadPID
	dead.LastActivity = now
	addSession(t, r, dead)

	fc.sessions = nil // every live session classifies as idle

	removed, err := r.Cleanup(context.Background(), 2*time.Minute)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	got := map[string]bool{}
	for _, id := range removed {
		got[id] = true
	}
	if len(removed) != 2 || !got["oc-idle0001"] || !got["oc-dead0001"] {
		t.Errorf("removed = %v, want oc-idle0001 and oc-dead0001", removed)
	}

	err = r.mgr.View(func(s *store.Store) error {
		if s.Get("oc-fresh001") == nil {
			t.Error("fresh session was removed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if store.IsProcessAlive(cmd.Process.Pid) {
		t.Error("idle session's process still alive")
	}
}

func TestCleanup_LeavesBusySessions(t *testing.T) {
	r, fc, _, _ := newTestRunner(t)
	now := time.Now().UTC()

	busy := liveSession("oc-busy0001", 9100)
	busy.LastActivity = now.Add(-10 * time.Minute)
	addSession(t, r, busy)

	fc.sessions = []client.SessionInfo{
		{ID: "s1", Updated: now.UnixMilli(), Busy: true},
	}

	removed, err := r.Cleanup(context.Background(), 2*time.Minute)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}
}

func TestHasPendingChanges(t *testing.T) {
	r, _, _, fp := newTestRunner(t)
	fp.dirty = true
	fp.files = []string{"cmd/main.go"}

	sess := liveSession("oc-aaaa1111", 9100)
	sess.Workdir = t.TempDir()
	addSession(t, r, sess)

	dirty, files, err := r.HasPendingChanges(context.Background(), "oc-aaaa1111")
	if err != nil {
		t.Fatalf("HasPendingChanges failed: %v", err)
	}
	if !dirty || len(files) != 1 {
		t.Errorf("got %v %v, want dirty with 1 file", dirty, files)
	}

	_, _, err = r.HasPendingChanges(context.Background(), "oc-missing1")
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestAttach(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	sess := liveSession("oc-aaaa1111", 9100)
	sess.LastActivity = sess.LastActivity.Add(-time.Hour)
	addSession(t, r, sess)
	before := sess.LastActivity

	got, err := r.Attach(context.Background(), "oc-aaaa1111")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if got.Port != 9100 {
		t.Errorf("Port = %d, want 9100", got.Port)
	}
	if want := "http://127.0.0.1:9100"; AttachURL(got) != want {
		t.Errorf("AttachURL = %q, want %q", AttachURL(got), want)
	}

	err = r.mgr.View(func(s *store.Store) error {
		if !s.Get("oc-aaaa1111").LastActivity.After(before) {
			t.Error("Attach did not update activity")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestAttach_DeadSessionRejected(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	dead := liveSession("oc-dead0001", 9100)
	dead.PID = deadPID
	addSession(t, r, dead)

	_, err := r.Attach(context.Background(), "oc-dead0001")
	if !errors.Is(err, errors.ErrSessionNotRunning) {
		t.Fatalf("error = %v, want ErrSessionNotRunning", err)
	}
}
