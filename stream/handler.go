package stream

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/session"
)

// Handler upgrades terminal connections and runs their pumps.
type Handler struct {
	manager  *session.Manager
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler over the session manager.
func NewHandler(manager *session.Manager) *Handler {
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The service sits behind the platform gateway which enforces
			// origin policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /terminal. Identity comes from the X-User-Id header,
// same as the REST surface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("stream").Warn("websocket upgrade failed", "error", err)
		return
	}

	log := logger.WithUser(userID)
	log.Debug("terminal connection opened")

	c := newClient(conn, h.manager, userID)
	go c.writePump()
	c.readPump(r.Context())

	log.Debug("terminal connection closed")
}
