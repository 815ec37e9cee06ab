package server

import (
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/termspace/termspace-core/git"
)

// gitStatusCode maps classified git errors to HTTP statuses.
func gitStatusCode(err error) int {
	switch {
	case errors.Is(err, git.ErrInvalidRef),
		errors.Is(err, git.ErrNothingToCommit),
		errors.Is(err, git.ErrInvalidFilenames):
		return http.StatusBadRequest
	case errors.Is(err, git.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, git.ErrNoRepository),
		errors.Is(err, git.ErrBranchNotFound),
		errors.Is(err, git.ErrRepoNotFound):
		return http.StatusNotFound
	case errors.Is(err, git.ErrAuthFailed):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

type cloneRequest struct {
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch"`
	ProjectName string `json:"projectName"`
	UserEmail   string `json:"userEmail"`
}

func (s *Server) handleGitClone(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	var req cloneRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.gitSvc.Clone(r.Context(), git.CloneParams{
		UserID:      userID,
		UserEmail:   req.UserEmail,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		ProjectName: req.ProjectName,
	})
	if err != nil {
		writeError(w, gitStatusCode(err), err.Error())
		return
	}
	writeSuccess(w, map[string]any{
		"projectSlug":   result.ProjectSlug,
		"workspacePath": result.WorkspacePath,
		"branch":        result.Branch,
	})
}

type checkoutRequest struct {
	Branch string `json:"branch"`
	Create bool   `json:"create"`
}

func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.gitSvc.Checkout(r.Context(), userID, req.Branch, req.Create); err != nil {
		writeError(w, gitStatusCode(err), err.Error())
		return
	}
	writeSuccess(w, map[string]any{"branch": req.Branch})
}

type commitRequest struct {
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	var req commitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.gitSvc.Commit(r.Context(), userID, req.Message, req.Files); err != nil {
		writeError(w, gitStatusCode(err), err.Error())
		return
	}
	writeSuccess(w, nil)
}

type pushRequest struct {
	Branch string `json:"branch"`
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	var req pushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.gitSvc.Push(r.Context(), userID, req.Branch); err != nil {
		writeError(w, gitStatusCode(err), err.Error())
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	result, err := s.gitSvc.Status(r.Context(), userID)
	if err != nil {
		writeError(w, gitStatusCode(err), err.Error())
		return
	}
	writeSuccess(w, map[string]any{"status": result})
}
