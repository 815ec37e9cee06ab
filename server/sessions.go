package server

import (
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/termspace/termspace-core/session"
)

type createSessionRequest struct {
	UserEmail     string `json:"userEmail"`
	WorkspacePath string `json:"workspacePath"`
	Rows          uint16 `json:"rows"`
	Cols          uint16 `json:"cols"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	var req createSessionRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.manager.Create(r.Context(), session.CreateParams{
		UserID:        userID,
		UserEmail:     req.UserEmail,
		WorkspacePath: req.WorkspacePath,
		Rows:          req.Rows,
		Cols:          req.Cols,
	})
	if err != nil {
		if errors.Is(err, session.ErrPathOutsideWorkspace) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeSuccess(w, map[string]any{"session": sess.Info()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	sess, ok := s.manager.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeSuccess(w, map[string]any{"session": sess.Info()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params, userID string) {
	if err := s.manager.Delete(r.Context(), userID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, nil)
}
