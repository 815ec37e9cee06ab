package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/paths"
)

// ErrNothingToCommit is returned when the working tree has no changes to
// record.
var ErrNothingToCommit = errors.New("nothing to commit")

// Commit stages and commits changes in the user's repository. With an empty
// file list everything is staged; otherwise only the named paths, each of
// which must stay inside the repository.
func (s *Service) Commit(ctx context.Context, userID, message string, files []string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("commit message is required")
	}
	dir, err := s.repoDir(userID)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		if output, err := s.run(ctx, dir, "", "add", "-A"); err != nil {
			return classify(output, err)
		}
	} else {
		args := []string{"add", "--"}
		for _, f := range files {
			if filepath.IsAbs(f) || !paths.IsConfined(dir, filepath.Join(dir, f)) {
				logger.WithUser(userID).Warn("confinement violation", "requested", f)
				return ErrAccessDenied
			}
			args = append(args, f)
		}
		if output, err := s.run(ctx, dir, "", args...); err != nil {
			return classify(output, err)
		}
	}

	if output, err := s.run(ctx, dir, "", "commit", "-m", message); err != nil {
		if strings.Contains(strings.ToLower(string(output)), "nothing to commit") {
			return ErrNothingToCommit
		}
		return classify(output, err)
	}

	logger.WithUser(userID).Info("committed changes", "files", len(files))
	return nil
}

// Push publishes the current or named branch to origin. The credential, when
// one exists, rides along for this invocation only; the remote stays clean.
func (s *Service) Push(ctx context.Context, userID, branch string) error {
	if branch != "" && !paths.IsSafeGitRef(branch) {
		return ErrInvalidRef
	}
	dir, err := s.repoDir(userID)
	if err != nil {
		return err
	}
	if branch == "" {
		branch = s.currentBranch(ctx, dir)
		if branch == "" {
			return fmt.Errorf("cannot push: no branch checked out")
		}
	}

	token := s.lookupToken(ctx, userID)
	if output, err := s.run(ctx, dir, token, "push", "origin", branch); err != nil {
		return classify(output, err)
	}

	logger.WithUser(userID).Info("pushed branch", "branch", branch)
	return nil
}
