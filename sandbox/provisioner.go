// Package sandbox provisions the OS-level identity and restricted shell
// environment a terminal session runs under.
//
// Provisioning is idempotent and best-effort: a user keeps the same system
// account across sessions, and a failure to create one degrades the session
// rather than blocking it. The generated shell profile is a usability aid;
// the authoritative path confinement check lives server-side in the paths
// package and is enforced on every structured filesystem operation.
package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/termspace/termspace-core/exec"
	"github.com/termspace/termspace-core/logger"
)

const (
	// toolingGroup is the administrative group sandbox accounts join so
	// in-workspace tooling (package managers, compilers) keeps working.
	toolingGroup = "sudo"

	// maxUsernameLength matches useradd's portable limit.
	maxUsernameLength = 32
)

// Provisioner creates and removes sandbox accounts and their workspaces.
type Provisioner struct {
	executor exec.CommandExecutor
}

// NewProvisioner returns a Provisioner using the real command executor.
func NewProvisioner() *Provisioner {
	return &Provisioner{executor: exec.NewRealExecutor()}
}

// NewProvisionerWithExecutor returns a Provisioner with a custom executor.
// Primarily for tests.
func NewProvisionerWithExecutor(e exec.CommandExecutor) *Provisioner {
	return &Provisioner{executor: e}
}

var usernameSanitize = regexp.MustCompile(`[^a-z0-9_]`)

// DeriveUsername produces a stable system username for a user. The email
// local part is preferred for readability; otherwise a hash of the user id
// is used. The result always starts with a letter and fits useradd limits.
func DeriveUsername(userID, userEmail string) string {
	name := ""
	if userEmail != "" {
		if local, _, ok := strings.Cut(userEmail, "@"); ok && local != "" {
			name = local
		} else {
			name = userEmail
		}
	}
	name = usernameSanitize.ReplaceAllString(strings.ToLower(name), "")
	name = strings.TrimLeft(name, "0123456789_")

	if name == "" {
		sum := sha256.Sum256([]byte(userID))
		name = fmt.Sprintf("u%x", sum[:6])
	}
	if len(name) > maxUsernameLength {
		name = name[:maxUsernameLength]
	}
	return name
}

// AccountExists reports whether the system account is present.
func (p *Provisioner) AccountExists(ctx context.Context, username string) bool {
	_, _, err := p.executor.Run(ctx, "", "id", username)
	return err == nil
}

// EnsureAccount guarantees, idempotently, that username exists with homeDir
// as its home and owns that directory. Every step is best-effort: failures
// are logged and the session proceeds with whatever account state exists.
func (p *Provisioner) EnsureAccount(ctx context.Context, username, homeDir string) {
	log := logger.WithComponent("sandbox")

	if err := os.MkdirAll(homeDir, 0700); err != nil {
		log.Error("failed to create workspace directory", "dir", homeDir, "error", err)
	}

	if p.AccountExists(ctx, username) {
		log.Debug("account already exists", "username", username)
	} else {
		if output, err := p.executor.CombinedOutput(ctx, "",
			"useradd", "-M", "-d", homeDir, "-s", "/bin/bash", "-G", toolingGroup, username); err != nil {
			log.Warn("account creation failed, continuing in degraded mode",
				"username", username, "output", strings.TrimSpace(string(output)), "error", err)
		} else {
			log.Info("created sandbox account", "username", username, "home", homeDir)
		}
	}

	if output, err := p.executor.CombinedOutput(ctx, "", "chown", "-R", username+":"+username, homeDir); err != nil {
		log.Warn("failed to chown workspace", "dir", homeDir,
			"output", strings.TrimSpace(string(output)), "error", err)
	}
	if output, err := p.executor.CombinedOutput(ctx, "", "chmod", "700", homeDir); err != nil {
		log.Warn("failed to chmod workspace", "dir", homeDir,
			"output", strings.TrimSpace(string(output)), "error", err)
	}
}

// RemoveAccount kills any processes owned by username and deletes the
// account. Best-effort; the workspace directory itself is left in place so
// explicit deletion semantics stay with the caller.
func (p *Provisioner) RemoveAccount(ctx context.Context, username string) {
	log := logger.WithComponent("sandbox")

	// pkill exits 1 when no processes matched, which is the common case.
	if _, _, err := p.executor.Run(ctx, "", "pkill", "-9", "-u", username); err != nil {
		log.Debug("no processes to kill for account", "username", username)
	}

	if output, err := p.executor.CombinedOutput(ctx, "", "userdel", username); err != nil {
		log.Warn("account removal failed", "username", username,
			"output", strings.TrimSpace(string(output)), "error", err)
	} else {
		log.Info("removed sandbox account", "username", username)
	}
}
