// Package session owns the registry of live terminal sessions.
//
// A session pairs an authenticated user with a pseudoterminal-backed shell
// confined to that user's workspace. The registry enforces at most one
// non-terminated session per user; sessions survive transport disconnects
// and die only on explicit deletion or when their process exits.
package session

import (
	"fmt"
	"os"
	osexec "os/exec"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusProvisioning means the sandbox account and shell are being set up.
	StatusProvisioning Status = "provisioning"
	// StatusActive means the shell is running and accepting input.
	StatusActive Status = "active"
	// StatusTerminated means the process has exited or been killed.
	StatusTerminated Status = "terminated"
)

// Session is a live terminal session. Identity fields are immutable after
// creation; everything else is guarded by mu and mutated only by the owning
// Manager.
type Session struct {
	UserID         string
	ID             string
	SystemUsername string
	WorkspaceRoot  string
	CreatedAt      time.Time

	mu         sync.Mutex
	workingDir string
	status     Status
	ptmx       *os.File
	cmd        *osexec.Cmd
	subs       map[int]*subscriber
	nextSubID  int
	exitCode   int

	// done is closed when the process exits; outDone is closed after the pty
	// pump has broadcast its final chunk; ready is closed when creation
	// (provisioning + spawn) finishes, successfully or not.
	done      chan struct{}
	outDone   chan struct{}
	ready     chan struct{}
	createErr error

	// writeMu serializes input writes so per-session ordering holds.
	writeMu sync.Mutex
}

// subscriber is one output listener. quit unblocks a broadcast stuck on a
// consumer that went away.
type subscriber struct {
	ch   chan []byte
	quit chan struct{}
}

const subscriberBuffer = 256

func newSession(userID, id, systemUsername, workspaceRoot string) *Session {
	return &Session{
		UserID:         userID,
		ID:             id,
		SystemUsername: systemUsername,
		WorkspaceRoot:  workspaceRoot,
		CreatedAt:      time.Now(),
		status:         StatusProvisioning,
		subs:           make(map[int]*subscriber),
		done:           make(chan struct{}),
		outDone:        make(chan struct{}),
		ready:          make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// WorkingDir returns the current working directory of the session's shell.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// Done is closed when the underlying process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OutputDone is closed once the last output chunk has been handed to every
// subscriber. Consumers that need the complete stream wait for this before
// treating the session as finished; Done alone can fire while the pty still
// holds buffered output.
func (s *Session) OutputDone() <-chan struct{} {
	return s.outDone
}

// finishOutput marks the output stream complete. Called exactly once, by the
// pty pump, after its final broadcast.
func (s *Session) finishOutput() {
	close(s.outDone)
}

// ExitCode returns the process exit code; valid only after Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Subscribe registers an output listener and returns its id and channel.
// Output chunks arrive in the exact order the process emitted them.
func (s *Session) Subscribe() (int, <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer), quit: make(chan struct{})}
	s.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes an output listener. Safe to call while a broadcast is
// blocked on the listener's channel.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[id]; ok {
		close(sub.quit)
		delete(s.subs, id)
	}
}

// broadcast delivers one output chunk to every subscriber. Sends block on a
// full subscriber buffer, so a slow consumer stalls only this session's
// pump. A departed subscriber (closed quit) is skipped.
func (s *Session) broadcast(data []byte) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- data:
		case <-sub.quit:
		}
	}
}

// write forwards raw bytes to the shell's input.
func (s *Session) write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	status := s.status
	s.mu.Unlock()

	if status != StatusActive || ptmx == nil {
		return fmt.Errorf("session %s is not active", s.ID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := ptmx.Write(data)
	return err
}

func (s *Session) setWorkingDir(dir string) {
	s.mu.Lock()
	s.workingDir = dir
	s.mu.Unlock()
}

func (s *Session) setActive(ptmx *os.File, cmd *osexec.Cmd) {
	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	s.status = StatusActive
	s.mu.Unlock()
}

func (s *Session) markTerminated(exitCode int) {
	s.mu.Lock()
	alreadyDone := s.status == StatusTerminated
	s.status = StatusTerminated
	s.exitCode = exitCode
	s.mu.Unlock()

	if !alreadyDone {
		close(s.done)
	}
}

// Info is the externally visible snapshot of a session.
type Info struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	SystemUsername string    `json:"systemUsername"`
	WorkspaceRoot  string    `json:"workspaceRoot"`
	WorkingDir     string    `json:"workingDir"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Info returns a snapshot of the session for API responses.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.ID,
		UserID:         s.UserID,
		SystemUsername: s.SystemUsername,
		WorkspaceRoot:  s.WorkspaceRoot,
		WorkingDir:     s.workingDir,
		Status:         s.status,
		CreatedAt:      s.CreatedAt,
	}
}
