package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 64 * 1024        // Edges only send control frames; keep reads small
)

// Edge workers are headless processes, not browsers; origin checks do not
// apply. Auth is the bearer credential, same as the NDJSON transport.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socketSession binds a hub connection to a WebSocket. All writes go through
// writePump, the only goroutine touching the wire, so envelope frames, pings
// and the close frame never race.
type socketSession struct {
	hub  *Hub
	c    *conn
	sock *websocket.Conn
}

// HandleSocket is GET /events/socket: the WebSocket twin of HandleStream.
// Each envelope becomes one text frame carrying the same JSON object.
func (h *Handler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	edge, ok := h.authorize(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] websocket upgrade failed", "error", err)
		return
	}

	c, err := h.hub.Attach(r.Context(), edge, TransportSocket)
	if err != nil {
		sock.Close()
		return
	}
	slog.Info("[Stream] edge attached",
		"fingerprint", fpPrefix(edge.Fingerprint),
		"workspaces", len(edge.WorkspaceIDs),
		"transport", TransportSocket)

	s := &socketSession{hub: h.hub, c: c, sock: sock}
	go s.writePump()
	go s.readPump()
}

func (s *socketSession) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Detach(ctx, s.c)
	s.sock.Close()
}

// writePump owns all writes: envelopes, pings and the final close frame.
func (s *socketSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case env := <-s.c.send:
			s.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.sock.WriteJSON(env); err != nil {
				slog.Warn("[Stream] websocket write failed", "fingerprint", fpPrefix(s.c.edge.Fingerprint), "error", err)
				return
			}

		case <-ticker.C:
			s.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.c.done:
			s.drain()
			s.sock.SetWriteDeadline(time.Now().Add(writeWait))
			s.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// drain flushes envelopes queued before the hub closed us, the draining
// notice included.
func (s *socketSession) drain() {
	for {
		select {
		case env := <-s.c.send:
			s.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.sock.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump discards inbound frames but keeps the pong handler fed. Edges
// report event status over POST /events/status, not the socket.
func (s *socketSession) readPump() {
	defer s.shutdown()

	s.sock.SetReadLimit(maxMsgSize)
	s.sock.SetReadDeadline(time.Now().Add(pongWait))
	s.sock.SetPongHandler(func(string) error {
		s.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.sock.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[Stream] websocket read failed", "fingerprint", fpPrefix(s.c.edge.Fingerprint), "error", err)
			}
			return
		}
	}
}
