package git

import (
	"context"
	"fmt"

	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/paths"
)

// Checkout switches the user's repository to branch, optionally creating it.
// The persisted branch is updated only after the checkout succeeds.
func (s *Service) Checkout(ctx context.Context, userID, branch string, create bool) error {
	if !paths.IsSafeGitRef(branch) {
		return ErrInvalidRef
	}
	dir, err := s.repoDir(userID)
	if err != nil {
		return err
	}

	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)

	if output, err := s.run(ctx, dir, "", args...); err != nil {
		return classify(output, err)
	}

	if err := s.store.SetBranch(userID, branch); err != nil {
		return fmt.Errorf("checkout succeeded but state update failed: %w", err)
	}
	logger.WithUser(userID).Info("checked out branch", "branch", branch, "created", create)
	return nil
}
