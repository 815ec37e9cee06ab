package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// client is one websocket connection bound to one user. The write pump is
// the only goroutine touching the connection for writes; everything else
// goes through the send channel.
type client struct {
	conn    *websocket.Conn
	manager *session.Manager
	userID  string

	send chan Message
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	sess  *session.Session
	subID int
}

func newClient(conn *websocket.Conn, manager *session.Manager, userID string) *client {
	return &client{
		conn:    conn,
		manager: manager,
		userID:  userID,
		send:    make(chan Message, sendBuffer),
		done:    make(chan struct{}),
	}
}

// close tears down the connection and detaches from the session. The session
// itself keeps running; only this transport goes away.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.sess != nil {
			c.sess.Unsubscribe(c.subID)
			c.sess = nil
		}
		c.mu.Unlock()
		c.conn.Close()
	})
}

// trySend queues a message for the write pump, giving up if the client is
// closing.
func (c *client) trySend(msg Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *client) sendError(text string) {
	c.trySend(Message{Type: TypeError, Error: text})
}

// attach subscribes to the session's output and starts forwarding it.
// Idempotent per client; reattaching to a different session first detaches.
func (c *client) attach(s *session.Session) {
	c.mu.Lock()
	if c.sess == s {
		c.mu.Unlock()
		return
	}
	if c.sess != nil {
		c.sess.Unsubscribe(c.subID)
	}
	id, ch := s.Subscribe()
	c.sess = s
	c.subID = id
	c.mu.Unlock()

	go c.forward(s, ch)
}

// forward relays session output (and the final exit notice) to the send
// channel, preserving chunk order.
func (c *client) forward(s *session.Session, ch <-chan []byte) {
	for {
		select {
		case chunk := <-ch:
			c.trySend(Message{
				Type: TypeOutput,
				Data: base64.StdEncoding.EncodeToString(chunk),
			})
		case <-s.OutputDone():
			// The pump has broadcast its final chunk, so the buffer holds
			// everything that is left. Drain it, wait for the exit code, then
			// announce the exit.
			for {
				select {
				case chunk := <-ch:
					c.trySend(Message{
						Type: TypeOutput,
						Data: base64.StdEncoding.EncodeToString(chunk),
					})
					continue
				default:
				}
				break
			}
			select {
			case <-s.Done():
			case <-c.done:
				return
			}
			code := s.ExitCode()
			c.trySend(Message{Type: TypeExit, SessionID: s.ID, ExitCode: &code})
			return
		case <-c.done:
			return
		}
	}
}

// readPump consumes client messages until the connection drops.
func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log := logger.WithUser(c.userID)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *client) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeCreate:
		s, err := c.manager.Create(ctx, session.CreateParams{
			UserID:        c.userID,
			UserEmail:     msg.UserEmail,
			WorkspacePath: msg.WorkspacePath,
			Rows:          msg.Rows,
			Cols:          msg.Cols,
		})
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.attach(s)
		c.trySend(Message{Type: TypeCreated, SessionID: s.ID, WorkspacePath: s.WorkingDir()})

	case TypeInput:
		if !c.ensureAttached() {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.sendError("malformed input data")
			return
		}
		if err := c.manager.WriteInput(c.userID, data); err != nil {
			c.sendError(err.Error())
		}

	case TypeResize:
		if err := c.manager.Resize(c.userID, msg.Rows, msg.Cols); err != nil {
			logger.WithUser(c.userID).Debug("resize failed", "error", err)
		}

	case TypeDelete:
		err := c.manager.Delete(ctx, c.userID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.sendError("session not found")
			} else {
				c.sendError(err.Error())
			}
			return
		}
		c.trySend(Message{Type: TypeDeleted})

	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// ensureAttached binds the client to the user's existing session when input
// arrives on a connection that never sent create (a reconnect).
func (c *client) ensureAttached() bool {
	c.mu.Lock()
	attached := c.sess != nil
	c.mu.Unlock()
	if attached {
		return true
	}

	s, ok := c.manager.Get(c.userID)
	if !ok || s.Status() != session.StatusActive {
		c.sendError("no active session")
		return false
	}
	c.attach(s)
	return true
}

// writePump is the single connection writer; it also keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
