// Package git implements repository operations on user workspaces.
//
// All operations are keyed by user id: the target repository is resolved
// through the persisted workspace state, never from client-supplied paths.
// Branch names are validated before reaching a git invocation and every
// destination path is checked against the workspace boundary before any
// write.
package git

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/termspace/termspace-core/creds"
	"github.com/termspace/termspace-core/exec"
	"github.com/termspace/termspace-core/state"
)

var (
	// ErrInvalidRef is returned for branch names that fail validation.
	ErrInvalidRef = errors.New("invalid branch name")
	// ErrNoRepository is returned when the user has no cloned repository.
	ErrNoRepository = errors.New("no repository in workspace")
	// ErrAccessDenied is returned for paths outside the workspace. The
	// message is deliberately generic.
	ErrAccessDenied = errors.New("access denied: path is outside the workspace")

	// The remaining errors classify common git failures so the API layer can
	// map them to stable messages.
	ErrBranchNotFound   = errors.New("branch does not exist")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrRepoNotFound     = errors.New("repository not found")
	ErrInvalidFilenames = errors.New("repository contains invalid filenames")
)

// SessionRedirector moves a live session into a directory after an operation
// changes the working tree under it. A nil redirector is valid.
type SessionRedirector interface {
	Redirect(userID, dir, note string)
}

// Service executes git operations inside user workspaces.
type Service struct {
	executor       exec.CommandExecutor
	store          *state.Store
	creds          creds.Provider
	sessions       SessionRedirector
	workspacesBase string
}

// NewService creates a git service. creds and sessions may be nil; cloning
// then proceeds unauthenticated and without session redirection.
func NewService(executor exec.CommandExecutor, store *state.Store, credProvider creds.Provider, sessions SessionRedirector, workspacesBase string) *Service {
	return &Service{
		executor:       executor,
		store:          store,
		creds:          credProvider,
		sessions:       sessions,
		workspacesBase: workspacesBase,
	}
}

// noPromptEnv keeps git from blocking on interactive credential prompts.
var noPromptEnv = []string{"GIT_TERMINAL_PROMPT=0", "GCM_INTERACTIVE=never"}

// run executes git with prompts disabled, the credential supplied for this
// invocation only, and the token scrubbed from any error output.
func (s *Service) run(ctx context.Context, dir, token string, args ...string) ([]byte, error) {
	full := append(authArgs(token), args...)
	output, err := s.executor.RunWithEnv(ctx, dir, noPromptEnv, "git", full...)
	if token != "" {
		text := strings.ReplaceAll(string(output), token, "***")
		text = strings.ReplaceAll(text, basicCredential(token), "***")
		output = []byte(text)
	}
	return output, err
}

// basicCredential encodes the token as the HTTP basic credential git sends.
func basicCredential(token string) string {
	return base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
}

// authArgs yields per-invocation config flags carrying the user's credential.
// The repository URL git sees stays clean, so the token can never end up on
// disk as the recorded origin remote.
func authArgs(token string) []string {
	if token == "" {
		return nil
	}
	return []string{"-c", "http.extraHeader=Authorization: Basic " + basicCredential(token)}
}

// normalizeRepoURL reduces a repository URL to its identity: scheme and
// credentials dropped, host lowercased, trailing .git and slashes removed.
// Two URLs with the same normal form point at the same repository.
func normalizeRepoURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)

	// scp-like syntax: git@github.com:org/repo.git
	if !strings.Contains(trimmed, "://") {
		if host, path, ok := strings.Cut(trimmed, ":"); ok {
			if _, h, found := strings.Cut(host, "@"); found {
				host = h
			}
			trimmed = host + "/" + path
		}
	} else if u, err := url.Parse(trimmed); err == nil {
		trimmed = u.Host + u.Path
	}

	trimmed = strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(trimmed, "/"), ".git"))
	return trimmed
}

var slugSanitize = regexp.MustCompile(`[^a-z0-9._-]+`)

// projectSlug derives the checkout directory name from an explicit project
// name or, failing that, the repository URL's last path element.
func projectSlug(projectName, repoURL string) string {
	name := strings.TrimSpace(projectName)
	if name == "" {
		normalized := normalizeRepoURL(repoURL)
		if idx := strings.LastIndex(normalized, "/"); idx >= 0 {
			name = normalized[idx+1:]
		} else {
			name = normalized
		}
	}
	name = slugSanitize.ReplaceAllString(strings.ToLower(name), "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "project"
	}
	return name
}

// lookupToken fetches the user's git credential; absence is not an error.
func (s *Service) lookupToken(ctx context.Context, userID string) string {
	if s.creds == nil {
		return ""
	}
	token, err := s.creds.Lookup(ctx, userID)
	if err != nil {
		return ""
	}
	return token
}

// classify maps raw git failure output onto the stable error values.
func classify(output []byte, err error) error {
	text := strings.ToLower(string(output))
	switch {
	case strings.Contains(text, "did not match any file"),
		strings.Contains(text, "pathspec"),
		strings.Contains(text, "couldn't find remote ref"),
		strings.Contains(text, "is not a commit"):
		return ErrBranchNotFound
	case strings.Contains(text, "authentication failed"),
		strings.Contains(text, "could not read username"),
		strings.Contains(text, "could not read password"),
		strings.Contains(text, "403"):
		return ErrAuthFailed
	case strings.Contains(text, "repository not found"),
		strings.Contains(text, "does not appear to be a git repository"):
		return ErrRepoNotFound
	case strings.Contains(text, "file name too long"),
		strings.Contains(text, "unable to checkout working tree"),
		strings.Contains(text, "invalid path"):
		return ErrInvalidFilenames
	}
	return fmt.Errorf("git operation failed: %w: %s", err, strings.TrimSpace(string(output)))
}

// repoDir resolves the user's repository directory from persisted state.
func (s *Service) repoDir(userID string) (string, error) {
	ws, err := s.store.Get(userID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", ErrNoRepository
		}
		return "", err
	}
	if ws.WorkspacePath == "" {
		return "", ErrNoRepository
	}
	return ws.WorkspacePath, nil
}
