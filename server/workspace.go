package server

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/julienschmidt/httprouter"

	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/paths"
	"github.com/termspace/termspace-core/state"
)

// accessDeniedMessage is intentionally uniform: it reveals nothing about
// what exists outside the workspace.
const accessDeniedMessage = "access denied: path is outside the workspace"

// maxFileReadSize bounds single-file reads served over the API.
const maxFileReadSize = 1 << 20

// resolveWorkspacePath turns a client-supplied path into an absolute,
// confined path inside the user's workspace. Relative paths are anchored at
// the workspace root.
func (s *Server) resolveWorkspacePath(userID, requested string) (string, string, bool) {
	root, ok := s.workspaceRoot(userID)
	if !ok {
		return "", "", false
	}
	candidate := requested
	if candidate == "" {
		candidate = root
	} else if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	if !paths.IsConfined(root, candidate) {
		// Denials log the attempt; the response stays generic.
		logger.WithUser(userID).Warn("confinement violation", "requested", requested)
		return root, "", false
	}
	return root, candidate, true
}

type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	root, dir, ok := s.resolveWorkspacePath(userID, r.URL.Query().Get("path"))
	if root == "" {
		writeError(w, http.StatusNotFound, "no workspace for user")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, accessDeniedMessage)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeError(w, http.StatusNotFound, "directory not found")
		return
	}

	files := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	writeSuccess(w, map[string]any{"files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	requested := r.URL.Query().Get("path")
	if requested == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	root, path, ok := s.resolveWorkspacePath(userID, requested)
	if root == "" {
		writeError(w, http.StatusNotFound, "no workspace for user")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, accessDeniedMessage)
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if info.Size() > maxFileReadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeSuccess(w, map[string]any{"content": string(content), "size": info.Size()})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	ws, err := s.store.Get(userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no workspace state")
		return
	}
	writeSuccess(w, map[string]any{
		"projectSlug":   ws.ProjectSlug,
		"workspacePath": ws.WorkspacePath,
		"repoUrl":       ws.RepoURL,
		"currentBranch": ws.CurrentBranch,
		"lastUpdated":   ws.LastUpdated,
	})
}

type putStateRequest struct {
	ProjectSlug   string `json:"projectSlug"`
	WorkspacePath string `json:"workspacePath"`
	RepoURL       string `json:"repoUrl"`
	CurrentBranch string `json:"currentBranch"`
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	var req putStateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.WorkspacePath != "" {
		// A path that cannot be verified against the caller's own workspace
		// root is rejected outright, not waved through.
		root, ok := s.workspaceRoot(userID)
		if !ok || !paths.IsConfined(root, req.WorkspacePath) {
			logger.WithUser(userID).Warn("confinement violation", "requested", req.WorkspacePath)
			writeError(w, http.StatusForbidden, accessDeniedMessage)
			return
		}
	}
	if req.CurrentBranch != "" && !paths.IsSafeGitRef(req.CurrentBranch) {
		writeError(w, http.StatusBadRequest, "invalid branch name")
		return
	}

	// The sandbox account is owned by session creation and clone; a state
	// update must not clobber it.
	username := ""
	if existing, err := s.store.Get(userID); err == nil {
		username = existing.SystemUsername
	}

	if err := s.store.Set(&state.WorkspaceState{
		UserID:         userID,
		SystemUsername: username,
		ProjectSlug:    req.ProjectSlug,
		WorkspacePath:  req.WorkspacePath,
		RepoURL:        req.RepoURL,
		CurrentBranch:  req.CurrentBranch,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, nil)
}
