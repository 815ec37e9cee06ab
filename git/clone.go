package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/paths"
	"github.com/termspace/termspace-core/sandbox"
	"github.com/termspace/termspace-core/state"
)

// CloneParams are the inputs to Clone. RepoURL is required.
type CloneParams struct {
	UserID      string
	UserEmail   string
	RepoURL     string
	Branch      string
	ProjectName string
}

// CloneResult reports where the repository ended up.
type CloneResult struct {
	ProjectSlug   string `json:"projectSlug"`
	WorkspacePath string `json:"workspacePath"`
	Branch        string `json:"branch"`
}

// Clone materializes a repository inside the user's workspace.
//
// Cloning is idempotent per repository identity: if the slug directory
// already holds a clone of the same repository, it is updated in place
// (fetch, optional branch switch, fast-forward pull) instead of recloned.
// A slug directory holding a different repository is replaced. A failed
// clone leaves no partial directory behind.
func (s *Service) Clone(ctx context.Context, params CloneParams) (*CloneResult, error) {
	if strings.TrimSpace(params.RepoURL) == "" {
		return nil, fmt.Errorf("repository url is required")
	}
	if params.Branch != "" && !paths.IsSafeGitRef(params.Branch) {
		return nil, ErrInvalidRef
	}

	username := sandbox.DeriveUsername(params.UserID, params.UserEmail)
	workspaceRoot := paths.WorkspaceRoot(s.workspacesBase, username)
	slug := projectSlug(params.ProjectName, params.RepoURL)
	target := filepath.Join(workspaceRoot, slug)

	if !paths.IsConfined(workspaceRoot, target) {
		logger.WithUser(params.UserID).Warn("confinement violation", "requested", target)
		return nil, ErrAccessDenied
	}
	if err := os.MkdirAll(workspaceRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace: %w", err)
	}

	log := logger.WithUser(params.UserID)
	token := s.lookupToken(ctx, params.UserID)
	identity := normalizeRepoURL(params.RepoURL)

	if existing := s.existingRepoIdentity(ctx, target); existing != "" {
		if existing == identity {
			err := s.updateInPlace(ctx, target, params.Branch, token)
			if err == nil {
				log.Info("updated existing clone", "slug", slug, "branch", params.Branch)
				return s.finishClone(ctx, params.UserID, username, identity, slug, target)
			}
			if !errors.Is(err, errDiverged) {
				return nil, err
			}
			log.Info("local history diverged, recloning", "slug", slug)
			if err := os.RemoveAll(target); err != nil {
				return nil, fmt.Errorf("failed to replace diverged project: %w", err)
			}
		} else {
			log.Info("replacing workspace project with different repository",
				"slug", slug, "old", existing, "new", identity)
			if err := os.RemoveAll(target); err != nil {
				return nil, fmt.Errorf("failed to replace existing project: %w", err)
			}
		}
	}

	if err := s.freshClone(ctx, workspaceRoot, target, params.RepoURL, params.Branch, token); err != nil {
		return nil, err
	}

	log.Info("cloned repository", "slug", slug, "branch", params.Branch)
	return s.finishClone(ctx, params.UserID, username, identity, slug, target)
}

// freshClone performs a shallow single-branch clone into target, removing the
// directory again if the clone fails. The URL is passed as-is; run supplies
// the credential per invocation, so git records a clean origin remote.
func (s *Service) freshClone(ctx context.Context, workspaceRoot, target, repoURL, branch, token string) error {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, repoURL, target)

	if output, err := s.run(ctx, workspaceRoot, token, args...); err != nil {
		os.RemoveAll(target)
		return classify(output, err)
	}
	return nil
}

// existingRepoIdentity returns the normalized origin URL of the repository
// at dir, or "" if dir holds no repository.
func (s *Service) existingRepoIdentity(ctx context.Context, dir string) string {
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	out, err := s.executor.Output(ctx, dir, "git", "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return normalizeRepoURL(strings.TrimSpace(string(out)))
}

// errDiverged signals that the existing clone cannot fast-forward and must
// be replaced.
var errDiverged = errors.New("local history diverged")

// updateInPlace refreshes an existing clone of the same repository. A failed
// fast-forward or branch switch returns errDiverged so the caller can delete
// and reclone.
func (s *Service) updateInPlace(ctx context.Context, dir, branch, token string) error {
	if branch != "" {
		// The clone is shallow and single-branch, so a branch it has never
		// seen must be fetched by explicit refspec before it can be checked
		// out. A branch missing on the remote fails here and classifies as
		// branch-not-found.
		refspec := fmt.Sprintf("refs/heads/%s:refs/remotes/origin/%s", branch, branch)
		if output, err := s.run(ctx, dir, token, "fetch", "--depth", "1", "origin", refspec); err != nil {
			return classify(output, err)
		}
		if output, err := s.run(ctx, dir, token, "checkout", branch); err != nil {
			logger.WithComponent("git").Warn("branch switch failed, recloning",
				"dir", dir, "branch", branch, "output", strings.TrimSpace(string(output)))
			return errDiverged
		}
	} else {
		if output, err := s.run(ctx, dir, token, "fetch", "origin"); err != nil {
			return classify(output, err)
		}
	}
	if output, err := s.run(ctx, dir, token, "pull", "--ff-only"); err != nil {
		logger.WithComponent("git").Warn("fast-forward pull failed",
			"dir", dir, "output", strings.TrimSpace(string(output)))
		return errDiverged
	}
	return nil
}

// finishClone records the outcome durably and points any live session at the
// new working tree. Only the normalized URL is persisted.
func (s *Service) finishClone(ctx context.Context, userID, username, identity, slug, target string) (*CloneResult, error) {
	branch := s.currentBranch(ctx, target)

	if err := s.store.Set(&state.WorkspaceState{
		UserID:         userID,
		SystemUsername: username,
		ProjectSlug:    slug,
		WorkspacePath:  target,
		RepoURL:        identity,
		CurrentBranch:  branch,
	}); err != nil {
		return nil, err
	}

	if s.sessions != nil {
		s.sessions.Redirect(userID, target, fmt.Sprintf("workspace ready: %s (%s)", slug, branch))
	}

	return &CloneResult{ProjectSlug: slug, WorkspacePath: target, Branch: branch}, nil
}

// currentBranch returns the checked-out branch name, or "" when detached or
// unreadable.
func (s *Service) currentBranch(ctx context.Context, dir string) string {
	out, err := s.executor.Output(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return ""
	}
	return branch
}
