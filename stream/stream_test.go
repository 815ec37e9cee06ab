package stream

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"github.com/termspace/termspace-core/exec"
	"github.com/termspace/termspace-core/sandbox"
	"github.com/termspace/termspace-core/session"
	"github.com/termspace/termspace-core/state"
)

// echoSpawner runs /bin/cat on a pty so input comes straight back as output.
func echoSpawner(s *session.Session, workingDir, profilePath string, env []string) (*os.File, *osexec.Cmd, error) {
	cmd := osexec.Command("/bin/cat")
	cmd.Dir = workingDir
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return ptmx, cmd, nil
}

// farewellSpawner runs a short-lived process that emits one final marker
// right before exiting.
func farewellSpawner(s *session.Session, workingDir, profilePath string, env []string) (*os.File, *osexec.Cmd, error) {
	cmd := osexec.Command("/bin/sh", "-c", "sleep 1; printf 'final-farewell'")
	cmd.Dir = workingDir
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return ptmx, cmd, nil
}

func newWSServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	return newWSServerWithSpawner(t, echoSpawner)
}

func newWSServerWithSpawner(t *testing.T, spawn session.Spawner) (*httptest.Server, *session.Manager) {
	t.Helper()

	mock := exec.NewMockExecutor(nil)
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := session.NewManager(
		sandbox.NewProvisionerWithExecutor(mock),
		store,
		t.TempDir(),
		session.WithSpawner(spawn),
		session.WithExecutor(mock),
	)
	t.Cleanup(manager.Shutdown)

	srv := httptest.NewServer(NewHandler(manager))
	t.Cleanup(srv.Close)
	return srv, manager
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if userID != "" {
		header.Set("X-User-Id", userID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until pred accepts one or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(Message) bool) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if pred(msg) {
			return msg
		}
	}
}

func TestRejectsMissingIdentity(t *testing.T) {
	srv, _ := newWSServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without identity should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 handshake response, got %+v", resp)
	}
}

func TestCreateAndEcho(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeCreate, UserEmail: "alice@example.com", Rows: 24, Cols: 80}); err != nil {
		t.Fatal(err)
	}
	created := readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })
	if created.SessionID == "" {
		t.Error("created message missing session id")
	}
	if created.WorkspacePath == "" {
		t.Error("created message missing working directory")
	}

	marker := "ws-echo-marker"
	input := base64.StdEncoding.EncodeToString([]byte(marker + "\n"))
	if err := conn.WriteJSON(Message{Type: TypeInput, Data: input}); err != nil {
		t.Fatal(err)
	}

	var collected strings.Builder
	readUntil(t, conn, func(m Message) bool {
		if m.Type != TypeOutput {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			t.Fatalf("output not base64: %v", err)
		}
		collected.Write(decoded)
		return strings.Contains(collected.String(), marker)
	})
}

func TestCreateIsIdempotentAcrossMessages(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	first := readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })

	if err := conn.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	second := readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })

	if first.SessionID != second.SessionID {
		t.Errorf("second create returned different session: %s vs %s", first.SessionID, second.SessionID)
	}
}

func TestInputWithoutSession(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	data := base64.StdEncoding.EncodeToString([]byte("ls\n"))
	if err := conn.WriteJSON(Message{Type: TypeInput, Data: data}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == TypeError })
	if !strings.Contains(msg.Error, "no active session") {
		t.Errorf("error = %q, want no active session", msg.Error)
	}
}

func TestMalformedInputData(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })

	if err := conn.WriteJSON(Message{Type: TypeInput, Data: "not!!base64"}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == TypeError })
	if !strings.Contains(msg.Error, "malformed") {
		t.Errorf("error = %q, want malformed input", msg.Error)
	}
}

func TestDeleteSendsDeleted(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })

	if err := conn.WriteJSON(Message{Type: TypeDelete}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(m Message) bool { return m.Type == TypeDeleted })
}

func TestDeleteWithoutSession(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeDelete}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == TypeError })
	if !strings.Contains(msg.Error, "not found") {
		t.Errorf("error = %q, want session not found", msg.Error)
	}
}

func TestUnknownMessageType(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: "launch-missiles"}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == TypeError })
	if !strings.Contains(msg.Error, "unknown message type") {
		t.Errorf("error = %q, want unknown message type", msg.Error)
	}
}

func TestSessionSurvivesDisconnectAndReattaches(t *testing.T) {
	srv, manager := newWSServer(t)

	conn1 := dial(t, srv, "user-1")
	if err := conn1.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	created := readUntil(t, conn1, func(m Message) bool { return m.Type == TypeCreated })
	conn1.Close()

	// Session must still be live after the transport dropped.
	s, ok := manager.Get("user-1")
	if !ok || s.Status() != session.StatusActive {
		t.Fatal("session did not survive the disconnect")
	}

	// A fresh connection attaches to the same session via plain input.
	conn2 := dial(t, srv, "user-1")
	marker := "reattach-marker"
	data := base64.StdEncoding.EncodeToString([]byte(marker + "\n"))
	if err := conn2.WriteJSON(Message{Type: TypeInput, Data: data}); err != nil {
		t.Fatal(err)
	}
	var collected strings.Builder
	readUntil(t, conn2, func(m Message) bool {
		if m.Type != TypeOutput {
			return false
		}
		decoded, _ := base64.StdEncoding.DecodeString(m.Data)
		collected.Write(decoded)
		return strings.Contains(collected.String(), marker)
	})

	if s2, _ := manager.Get("user-1"); s2.ID != created.SessionID {
		t.Errorf("reattached to a different session: %s vs %s", s2.ID, created.SessionID)
	}
}

func TestAllOutputDeliveredBeforeExit(t *testing.T) {
	srv, _ := newWSServerWithSpawner(t, farewellSpawner)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })

	// The process prints its last chunk and exits immediately; that chunk
	// must arrive before the exit notification, never after or not at all.
	var collected strings.Builder
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case TypeOutput:
			decoded, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				t.Fatalf("output not base64: %v", err)
			}
			collected.Write(decoded)
		case TypeExit:
			if !strings.Contains(collected.String(), "final-farewell") {
				t.Fatalf("exit announced before the final output chunk, got %q", collected.String())
			}
			if msg.ExitCode == nil {
				t.Error("exit message missing exit code")
			}
			return
		}
	}
}

func TestExitNotificationOnDelete(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "user-1")

	if err := conn.WriteJSON(Message{Type: TypeCreate}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(m Message) bool { return m.Type == TypeCreated })

	if err := conn.WriteJSON(Message{Type: TypeDelete}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, func(m Message) bool { return m.Type == TypeExit })
	if msg.ExitCode == nil {
		t.Error("exit message missing exit code")
	}
}
