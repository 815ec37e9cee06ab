package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/termspace/termspace-core/exec"
	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/paths"
	"github.com/termspace/termspace-core/sandbox"
	"github.com/termspace/termspace-core/state"
)

var (
	// ErrNotFound is returned when the user has no session.
	ErrNotFound = errors.New("session not found")
	// ErrPathOutsideWorkspace is returned for a requested working directory
	// that resolves outside the user's workspace.
	ErrPathOutsideWorkspace = errors.New("access denied: path is outside the workspace")
)

// Spawner starts the session's shell and returns its controlling pty.
// Injectable so tests can run a plain process instead of a sandboxed bash.
type Spawner func(s *Session, workingDir, profilePath string, env []string) (*os.File, *osexec.Cmd, error)

// Manager owns all live sessions, keyed by user id.
type Manager struct {
	sessions map[string]*Session

	provisioner    *sandbox.Provisioner
	store          *state.Store
	executor       exec.CommandExecutor
	workspacesBase string
	spawn          Spawner

	// registry mutations only; per-session state has its own lock.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner overrides how the shell process is started.
func WithSpawner(s Spawner) Option {
	return func(m *Manager) { m.spawn = s }
}

// WithExecutor overrides the command executor used for branch restoration.
func WithExecutor(e exec.CommandExecutor) Option {
	return func(m *Manager) { m.executor = e }
}

// NewManager creates a session manager rooted at workspacesBase.
func NewManager(provisioner *sandbox.Provisioner, store *state.Store, workspacesBase string, opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[string]*Session),
		provisioner:    provisioner,
		store:          store,
		executor:       exec.NewRealExecutor(),
		workspacesBase: workspacesBase,
		spawn:          spawnSandboxShell,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateParams are the inputs to Create. Only UserID is required.
type CreateParams struct {
	UserID        string
	UserEmail     string
	WorkspacePath string
	Rows          uint16
	Cols          uint16
}

// Create returns the user's session, creating one if none is live. Creation
// is idempotent: a second Create for the same user returns the existing
// session unchanged, and a Create racing an in-flight one waits for it and
// shares its outcome.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	log := logger.WithUser(params.UserID)

	username := sandbox.DeriveUsername(params.UserID, params.UserEmail)
	workspaceRoot := paths.WorkspaceRoot(m.workspacesBase, username)

	m.mu.Lock()
	if existing, ok := m.sessions[params.UserID]; ok && existing.Status() != StatusTerminated {
		m.mu.Unlock()
		<-existing.ready
		if existing.createErr != nil {
			return nil, existing.createErr
		}
		log.Debug("reusing existing session", "session_id", existing.ID)
		return existing, nil
	}
	s := newSession(params.UserID, uuid.New().String(), username, workspaceRoot)
	m.sessions[params.UserID] = s
	m.mu.Unlock()

	if err := m.provision(ctx, s, params); err != nil {
		s.createErr = err
		s.markTerminated(-1)
		close(s.ready)
		m.mu.Lock()
		if m.sessions[params.UserID] == s {
			delete(m.sessions, params.UserID)
		}
		m.mu.Unlock()
		return nil, err
	}
	close(s.ready)

	// Record the sandbox account so workspace requests arriving after this
	// session ends can still resolve the user's workspace root.
	if err := m.store.SetUsername(params.UserID, username); err != nil {
		log.Warn("failed to persist system username", "error", err)
	}

	log.Info("session created", "session_id", s.ID, "username", username, "workspace", workspaceRoot)
	return s, nil
}

// provision sets up the sandbox account and starts the shell. Runs outside
// the registry lock; the Provisioning placeholder already claims the slot.
func (m *Manager) provision(ctx context.Context, s *Session, params CreateParams) error {
	m.provisioner.EnsureAccount(ctx, s.SystemUsername, s.WorkspaceRoot)

	profilePath, err := sandbox.WriteRestrictedProfile(s.SystemUsername, s.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to prepare session environment: %w", err)
	}

	workingDir, err := m.resolveWorkingDir(s, params.WorkspacePath)
	if err != nil {
		return err
	}
	s.setWorkingDir(workingDir)

	env := sandbox.RestrictedEnv(s.SystemUsername, s.WorkspaceRoot, s.WorkspaceRoot)
	ptmx, cmd, err := m.spawn(s, workingDir, profilePath, env)
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	s.setActive(ptmx, cmd)

	if params.Rows > 0 && params.Cols > 0 {
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: params.Rows, Cols: params.Cols}); err != nil {
			logger.WithUser(s.UserID).Debug("initial resize failed", "error", err)
		}
	}

	go m.pumpOutput(s, ptmx)
	go m.waitForExit(s, cmd)
	go m.restoreBranch(context.WithoutCancel(ctx), s)

	return nil
}

// resolveWorkingDir picks the shell's starting directory: the explicit
// request wins, then the persisted directory if it still exists, then the
// workspace root. Explicit requests outside the workspace are rejected;
// stale persisted directories are silently replaced by the root.
func (m *Manager) resolveWorkingDir(s *Session, requested string) (string, error) {
	if requested != "" {
		candidate := requested
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(s.WorkspaceRoot, candidate)
		}
		if !paths.IsConfined(s.WorkspaceRoot, candidate) {
			logger.WithUser(s.UserID).Warn("confinement violation", "requested", requested)
			return "", ErrPathOutsideWorkspace
		}
		if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
			return "", fmt.Errorf("working directory does not exist: %s", requested)
		}
		return candidate, nil
	}

	if ws, err := m.store.Get(s.UserID); err == nil && ws.WorkspacePath != "" {
		if paths.IsConfined(s.WorkspaceRoot, ws.WorkspacePath) {
			if info, err := os.Stat(ws.WorkspacePath); err == nil && info.IsDir() {
				return ws.WorkspacePath, nil
			}
		}
	}
	return s.WorkspaceRoot, nil
}

// pumpOutput is the single reader of the pty. Chunks are fanned out in read
// order, which is what guarantees per-session output ordering.
func (m *Manager) pumpOutput(s *Session, ptmx *os.File) {
	defer s.finishOutput()
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.broadcast(chunk)
		}
		if err != nil {
			// Read errors after exit are expected (EIO on Linux).
			return
		}
	}
}

func (m *Manager) waitForExit(s *Session, cmd *osexec.Cmd) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.markTerminated(code)
	logger.WithUser(s.UserID).Info("session process exited", "session_id", s.ID, "exit_code", code)
}

// restoreBranch checks out the persisted branch if the workspace holds a
// repository sitting on a different one. Best-effort and asynchronous; the
// session is usable before it completes.
func (m *Manager) restoreBranch(ctx context.Context, s *Session) {
	ws, err := m.store.Get(s.UserID)
	if err != nil || ws.CurrentBranch == "" || ws.WorkspacePath == "" {
		return
	}
	if !paths.IsConfined(s.WorkspaceRoot, ws.WorkspacePath) {
		return
	}
	if _, err := os.Stat(filepath.Join(ws.WorkspacePath, ".git")); err != nil {
		return
	}

	log := logger.WithUser(s.UserID)
	out, err := m.executor.Output(ctx, ws.WorkspacePath, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		log.Debug("branch restore skipped", "error", err)
		return
	}
	current := strings.TrimSpace(string(out))
	if current == ws.CurrentBranch {
		return
	}

	if output, err := m.executor.CombinedOutput(ctx, ws.WorkspacePath, "git", "checkout", ws.CurrentBranch); err != nil {
		log.Warn("failed to restore branch", "branch", ws.CurrentBranch,
			"output", strings.TrimSpace(string(output)), "error", err)
		return
	}
	log.Info("restored branch", "branch", ws.CurrentBranch, "dir", ws.WorkspacePath)
}

// Get returns the user's session if one exists, terminated or not.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// WriteInput forwards input bytes to the user's shell.
func (m *Manager) WriteInput(userID string, data []byte) error {
	s, ok := m.Get(userID)
	if !ok {
		return ErrNotFound
	}
	return s.write(data)
}

// Resize adjusts the pty dimensions. A resize without a live session is a
// no-op rather than an error; transports send these freely.
func (m *Manager) Resize(userID string, rows, cols uint16) error {
	s, ok := m.Get(userID)
	if !ok || s.Status() != StatusActive {
		return nil
	}
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Redirect moves the session's shell into dir and announces it on the output
// stream. Used after a clone replaces the working tree under a live session.
func (m *Manager) Redirect(userID, dir, note string) {
	s, ok := m.Get(userID)
	if !ok || s.Status() != StatusActive {
		return
	}
	if !paths.IsConfined(s.WorkspaceRoot, dir) {
		return
	}
	s.setWorkingDir(dir)
	if note != "" {
		s.broadcast([]byte("\r\n" + note + "\r\n"))
	}
	if err := s.write([]byte(" cd " + shellQuote(dir) + "\r")); err != nil {
		logger.WithUser(userID).Debug("session redirect failed", "error", err)
	}
}

// Delete forcibly terminates the user's session and removes its sandbox
// account. The workspace directory and persisted state survive.
func (m *Manager) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	log := logger.WithUser(userID)

	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Negative pid targets the whole process group started with Setsid.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			if err := cmd.Process.Kill(); err != nil {
				log.Debug("process already gone", "error", err)
			}
		}
	}
	if ptmx != nil {
		ptmx.Close()
	}
	s.markTerminated(-1)

	m.provisioner.RemoveAccount(ctx, s.SystemUsername)
	log.Info("session deleted", "session_id", s.ID)
	return nil
}

// Shutdown terminates every live session. Sandbox accounts are kept so a
// daemon restart can reattach users to their workspaces.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		cmd := s.cmd
		ptmx := s.ptmx
		s.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		if ptmx != nil {
			ptmx.Close()
		}
		s.markTerminated(-1)
	}
}

// Usernames returns the sandbox usernames of all registered sessions.
func (m *Manager) Usernames() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		names[s.SystemUsername] = true
	}
	return names
}

// spawnSandboxShell is the production Spawner: an interactive bash under the
// sandbox account's credentials, confined by the generated profile.
func spawnSandboxShell(s *Session, workingDir, profilePath string, env []string) (*os.File, *osexec.Cmd, error) {
	cmd := osexec.Command("/bin/bash", "--rcfile", profilePath, "-i")
	cmd.Dir = workingDir
	cmd.Env = env
	applyCredentials(cmd, s.SystemUsername)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, nil, err
	}
	return ptmx, cmd, nil
}

// applyCredentials drops the shell to the sandbox account when the daemon
// runs as root. Lookup failures fall back to the daemon's own identity so a
// dev environment without the account still gets a shell.
func applyCredentials(cmd *osexec.Cmd, username string) {
	u, err := osuser.Lookup(username)
	if err != nil {
		logger.WithComponent("session").Debug("account lookup failed, shell runs as daemon user",
			"username", username, "error", err)
		return
	}
	uid, err1 := strconv.ParseUint(u.Uid, 10, 32)
	gid, err2 := strconv.ParseUint(u.Gid, 10, 32)
	if err1 != nil || err2 != nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
