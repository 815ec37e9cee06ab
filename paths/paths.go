// Package paths provides path confinement checks and workspace layout resolution.
//
// Every filesystem-facing operation in the service (file reads, directory
// listings, workspace relocation, git targets) must pass through IsConfined
// before touching disk. The check canonicalizes the candidate path, resolving
// symlinks and ".." segments, and verifies it lies inside the workspace root.
// Lexical prefix matching alone is never sufficient and is never used.
package paths

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultWorkspacesBase is the directory under which per-user workspace
// roots are created when no other base is configured.
const DefaultWorkspacesBase = "/workspaces"

// WorkspaceRoot returns the canonical workspace root for a system username.
func WorkspaceRoot(base, systemUsername string) string {
	return filepath.Join(base, systemUsername)
}

// IsConfined reports whether candidate resolves to root or a descendant of
// root. The candidate is made absolute against the current working directory
// if relative, then canonicalized with symlink and ".." resolution. When the
// candidate does not exist yet (e.g. a clone target), its deepest existing
// ancestor is resolved instead so a symlinked parent cannot escape the root.
//
// The result is derived fresh on every call; callers must not cache it across
// filesystem mutations.
func IsConfined(root, candidate string) bool {
	if root == "" || candidate == "" {
		return false
	}
	if strings.ContainsRune(candidate, 0) || strings.ContainsRune(root, 0) {
		return false
	}

	resolvedRoot, err := canonicalize(root)
	if err != nil {
		return false
	}
	resolved, err := canonicalize(candidate)
	if err != nil {
		return false
	}

	if resolved == resolvedRoot {
		return true
	}
	return strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator))
}

// canonicalize returns the absolute, symlink-resolved form of path. For paths
// that do not exist, the longest existing ancestor is symlink-resolved and the
// remaining (cleaned) suffix is re-joined, so ".." segments never survive.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	// Walk up to the deepest existing ancestor.
	var suffix []string
	dir := abs
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, suffix...)...), nil
}

// safeRefPattern is the whitelist for git reference names. Anything outside
// it is rejected before the ref reaches a shell or the git CLI.
var safeRefPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// MaxRefLength bounds accepted git reference names.
const MaxRefLength = 255

// IsSafeGitRef reports whether ref is acceptable as a branch or tag name.
// The rules are stricter than git's own: refs that merely look suspicious
// (traversal sequences, revision operators, glob characters) are rejected.
func IsSafeGitRef(ref string) bool {
	if len(ref) == 0 || len(ref) > MaxRefLength {
		return false
	}
	if !safeRefPattern.MatchString(ref) {
		return false
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "//") {
		return false
	}
	if strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") {
		return false
	}
	// A leading dash would read as a command option; a leading dot is
	// forbidden by git itself.
	if strings.HasPrefix(ref, "-") || strings.HasPrefix(ref, ".") {
		return false
	}
	if strings.HasSuffix(ref, ".lock") {
		return false
	}
	// Redundant with the whitelist, but kept explicit: these are the
	// characters git revision syntax assigns meaning to.
	if strings.ContainsAny(ref, "~^:?*[\\") {
		return false
	}
	if strings.Contains(ref, "@{") {
		return false
	}
	return true
}
