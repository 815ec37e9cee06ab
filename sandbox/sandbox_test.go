package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/termspace/termspace-core/exec"
)

func TestDeriveUsername_FromEmail(t *testing.T) {
	cases := []struct {
		userID string
		email  string
		want   string
	}{
		{"u1", "alice@example.com", "alice"},
		{"u1", "Alice.Smith@example.com", "alicesmith"},
		{"u1", "bob+ci@example.com", "bobci"},
		{"u1", "weird!#chars@example.com", "weirdchars"},
	}
	for _, tc := range cases {
		if got := DeriveUsername(tc.userID, tc.email); got != tc.want {
			t.Errorf("DeriveUsername(%q, %q) = %q, want %q", tc.userID, tc.email, got, tc.want)
		}
	}
}

func TestDeriveUsername_Stable(t *testing.T) {
	a := DeriveUsername("user-123", "")
	b := DeriveUsername("user-123", "")
	if a != b {
		t.Errorf("username not stable: %q vs %q", a, b)
	}
	if a == "" {
		t.Fatal("username should not be empty")
	}
	if a[0] < 'a' || a[0] > 'z' {
		t.Errorf("username %q should start with a letter", a)
	}
}

func TestDeriveUsername_NumericLocalPartFallsBack(t *testing.T) {
	got := DeriveUsername("user-123", "12345@example.com")
	if got == "" {
		t.Fatal("username should not be empty")
	}
	if got[0] < 'a' || got[0] > 'z' {
		t.Errorf("username %q should start with a letter", got)
	}
}

func TestDeriveUsername_LengthCapped(t *testing.T) {
	long := strings.Repeat("a", 100) + "@example.com"
	if got := DeriveUsername("u1", long); len(got) > 32 {
		t.Errorf("username %q exceeds 32 chars", got)
	}
}

func TestEnsureAccount_CreatesWhenMissing(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("id", []string{"alice"}, exec.MockResponse{
		Err: fmt.Errorf("id: 'alice': no such user"),
	})

	p := NewProvisionerWithExecutor(mock)
	home := filepath.Join(t.TempDir(), "alice")
	p.EnsureAccount(context.Background(), "alice", home)

	if _, err := os.Stat(home); err != nil {
		t.Errorf("workspace directory not created: %v", err)
	}

	var sawUseradd, sawChown, sawChmod bool
	for _, call := range mock.GetCalls() {
		switch call.Name {
		case "useradd":
			sawUseradd = true
			joined := strings.Join(call.Args, " ")
			if !strings.Contains(joined, "-d "+home) {
				t.Errorf("useradd missing home dir: %v", call.Args)
			}
			if !strings.Contains(joined, "-s /bin/bash") {
				t.Errorf("useradd missing shell: %v", call.Args)
			}
			if !strings.Contains(joined, "-G sudo") {
				t.Errorf("useradd missing tooling group: %v", call.Args)
			}
		case "chown":
			sawChown = true
		case "chmod":
			sawChmod = true
		}
	}
	if !sawUseradd || !sawChown || !sawChmod {
		t.Errorf("expected useradd+chown+chmod, got calls: %+v", mock.GetCalls())
	}
}

func TestEnsureAccount_IdempotentWhenPresent(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	// "id alice" succeeds: account exists.
	mock.AddExactMatch("id", []string{"alice"}, exec.MockResponse{Stdout: []byte("uid=1001(alice)")})

	p := NewProvisionerWithExecutor(mock)
	p.EnsureAccount(context.Background(), "alice", filepath.Join(t.TempDir(), "alice"))

	for _, call := range mock.GetCalls() {
		if call.Name == "useradd" {
			t.Error("useradd should not run for an existing account")
		}
	}
}

func TestEnsureAccount_CreationFailureIsNonFatal(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("id", []string{"alice"}, exec.MockResponse{Err: fmt.Errorf("no such user")})
	mock.AddPrefixMatch("useradd", nil, exec.MockResponse{
		Stderr: []byte("useradd: Permission denied."),
		Err:    fmt.Errorf("exit status 1"),
	})

	p := NewProvisionerWithExecutor(mock)
	// Must not panic or abort; degraded mode.
	p.EnsureAccount(context.Background(), "alice", filepath.Join(t.TempDir(), "alice"))
}

func TestRemoveAccount(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	p := NewProvisionerWithExecutor(mock)
	p.RemoveAccount(context.Background(), "alice")

	var sawPkill, sawUserdel bool
	for _, call := range mock.GetCalls() {
		if call.Name == "pkill" {
			sawPkill = true
		}
		if call.Name == "userdel" {
			sawUserdel = true
		}
	}
	if !sawPkill || !sawUserdel {
		t.Errorf("expected pkill and userdel, got: %+v", mock.GetCalls())
	}
}

func TestWriteRestrictedProfile(t *testing.T) {
	root := t.TempDir()
	path, err := WriteRestrictedProfile("alice", root)
	if err != nil {
		t.Fatalf("WriteRestrictedProfile: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	text := string(content)

	if !strings.Contains(text, "export WORKSPACE_ROOT='"+root+"'") {
		t.Error("profile should export the quoted workspace root")
	}
	for _, wrapped := range []string{"cd()", "ls()", "cat()", "less()", "vi()", "grep()", "find()"} {
		if !strings.Contains(text, wrapped) {
			t.Errorf("profile missing wrapper %s", wrapped)
		}
	}
	for _, disabled := range []string{"pushd()", "popd()", "dirs()"} {
		if !strings.Contains(text, disabled) {
			t.Errorf("profile should disable %s", disabled)
		}
	}
	if !strings.Contains(text, "PS1='alice'") {
		t.Errorf("profile should set a deterministic prompt, got: %s", text)
	}
}

func TestWriteRestrictedProfile_Reused(t *testing.T) {
	root := t.TempDir()
	path1, err := WriteRestrictedProfile("alice", root)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	info1, _ := os.Stat(path1)

	path2, err := WriteRestrictedProfile("alice", root)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	info2, _ := os.Stat(path2)

	if path1 != path2 {
		t.Errorf("profile path changed: %q vs %q", path1, path2)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("unchanged profile should not be rewritten")
	}
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a trap`)
	want := `'it'\''s a trap'`
	if got != want {
		t.Errorf("shellQuote = %s, want %s", got, want)
	}
}

func TestRestrictedEnv(t *testing.T) {
	env := RestrictedEnv("alice", "/workspaces/alice", "/workspaces/alice")
	joined := strings.Join(env, "\n")
	for _, want := range []string{"HOME=/workspaces/alice", "USER=alice", "WORKSPACE_ROOT=/workspaces/alice", "TERM=xterm-256color"} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q:\n%s", want, joined)
		}
	}
}
