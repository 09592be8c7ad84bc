package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/campus-ride-matching/internal/models"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
)

// Handler receives decoded inbound frames. Calls for one connection are never
// concurrent.
type Handler interface {
	HandleMessage(ctx context.Context, connID, event string, data json.RawMessage)
	HandleDisconnect(ctx context.Context, connID string)
}

// WSSession represents one connected client.
type WSSession struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// WSRegistry holds every live connection keyed by connection id. Each
// connection gets one read goroutine and one write goroutine fed by a
// bounded channel.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession

	handler    Handler
	log        *slog.Logger
	sendBuffer int
	upgrader   websocket.Upgrader
	wg         sync.WaitGroup
	// closing suppresses disconnect callbacks; a shutdown is not a user leaving.
	closing atomic.Bool
}

func NewWSRegistry(sendBuffer int, allowedOrigin string, log *slog.Logger) *WSRegistry {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	r := &WSRegistry{
		sessions:   make(map[string]*WSSession),
		log:        log,
		sendBuffer: sendBuffer,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			return req.Header.Get("Origin") == allowedOrigin
		},
	}
	return r
}

// SetHandler installs the inbound message handler. It must be called before
// the first connection is served.
func (r *WSRegistry) SetHandler(h Handler) { r.handler = h }

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ServeWS upgrades the request and starts the connection's pumps.
func (r *WSRegistry) ServeWS(w http.ResponseWriter, req *http.Request) {
	if r.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("ws upgrade failed", "err", err, "remote_addr", req.RemoteAddr)
		return
	}
	s := &WSSession{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, r.sendBuffer),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.log.Debug("ws connected", "conn_id", s.id, "remote_addr", req.RemoteAddr)

	// the request context ends when this handler returns
	ctx := context.WithoutCancel(req.Context())
	r.wg.Add(2)
	go r.writePump(s)
	go r.readPump(ctx, s)
}

func (r *WSRegistry) readPump(ctx context.Context, s *WSSession) {
	defer r.wg.Done()
	defer func() {
		r.remove(s)
		s.close()
		if r.handler != nil && !r.closing.Load() {
			r.handler.HandleDisconnect(ctx, s.id)
		}
		r.log.Debug("ws disconnected", "conn_id", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.log.Warn("ws read error", "conn_id", s.id, "err", err)
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			r.log.Debug("ws frame rejected", "conn_id", s.id, "err", err)
			if msg, err := Encode(models.EventRequestError, models.MessageMsg{Message: models.ErrInvalidMessage.Error()}); err == nil {
				_ = r.Send(s.id, msg)
			}
			continue
		}
		if r.handler != nil {
			r.handler.HandleMessage(ctx, s.id, env.Event, env.Data)
		}
	}
}

func (r *WSRegistry) writePump(s *WSSession) {
	defer r.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				r.log.Debug("ws write failed", "conn_id", s.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *WSRegistry) remove(s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// Send queues msg for connID. A connection whose buffer is full is closed
// rather than allowed to stall its senders.
func (r *WSRegistry) Send(connID string, msg []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		r.log.Warn("ws send buffer full, closing", "conn_id", connID)
		s.close()
		return ErrSendBufferFull
	}
}

// Broadcast queues msg for every connection and reports how many accepted it.
func (r *WSRegistry) Broadcast(msg []byte) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if r.Send(id, msg) == nil {
			n++
		}
	}
	return n
}

// CloseConn drops connID; its read loop then reports the disconnect.
func (r *WSRegistry) CloseConn(connID string) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if ok {
		s.close()
	}
}

// Close terminates every connection and waits for their pumps to exit.
// Handlers are not told about these disconnects: the users did not leave,
// and their state must survive into the next process.
func (r *WSRegistry) Close() {
	r.closing.Store(true)
	r.mu.RLock()
	all := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
	r.wg.Wait()
}

var (
	ErrNoSession      = &NoSessionError{}
	ErrSendBufferFull = errors.New("ws send buffer full")
)

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
