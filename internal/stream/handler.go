package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgebridge/proxy/internal/config"
	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/routing"
)

// Handler serves the long-lived event transports.
type Handler struct {
	hub       *Hub
	validator TokenValidator

	// Test-only disconnect injection, wired from configuration.
	simulateDisconnect bool
	disconnectAfter    time.Duration
}

func NewHandler(hub *Hub, validator TokenValidator, cfg *config.Config) *Handler {
	return &Handler{
		hub:                hub,
		validator:          validator,
		simulateDisconnect: cfg.Stream.SimulateDisconnect,
		disconnectAfter:    time.Duration(cfg.Stream.DisconnectAfterMs) * time.Millisecond,
	}
}

// BearerToken extracts the credential from an Authorization header, or ""
// when the header is absent or not a bearer scheme.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// authorize validates the bearer by using it against the upstream and
// returns the edge identity it maps to.
func (h *Handler) authorize(r *http.Request) (*routing.EdgeConnection, bool) {
	token := BearerToken(r)
	if token == "" {
		return nil, false
	}
	workspaces, err := h.validator.WorkspacesForToken(r.Context(), token)
	if err != nil {
		slog.Warn("[Stream] token validation failed", "error", err)
		return nil, false
	}
	if len(workspaces) == 0 {
		return nil, false
	}
	return &routing.EdgeConnection{
		Fingerprint:  credential.Fingerprint(token),
		Token:        token,
		WorkspaceIDs: workspaces,
	}, true
}

// HandleStream is GET /events/stream: an unbounded NDJSON response. The
// handler goroutine is the only writer for its connection, consuming the
// hub-fed queue until the client goes away or the hub closes it.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	edge, ok := h.authorize(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	c, err := h.hub.Attach(r.Context(), edge, TransportStream)
	if err != nil {
		if errors.Is(err, ErrDraining) {
			http.Error(w, "Shutting down", http.StatusServiceUnavailable)
			return
		}
		slog.Error("[Stream] attach failed", "fingerprint", fpPrefix(edge.Fingerprint), "error", err)
		http.Error(w, "Stream unavailable", http.StatusInternalServerError)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.hub.Detach(ctx, c)
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("[Stream] edge attached",
		"fingerprint", fpPrefix(edge.Fingerprint),
		"workspaces", len(edge.WorkspaceIDs),
		"transport", TransportStream)

	var disconnect <-chan time.Time
	if h.simulateDisconnect && h.disconnectAfter > 0 {
		timer := time.NewTimer(h.disconnectAfter)
		defer timer.Stop()
		disconnect = timer.C
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case env := <-c.send:
			if err := enc.Encode(env); err != nil {
				slog.Warn("[Stream] write failed", "fingerprint", fpPrefix(edge.Fingerprint), "error", err)
				return
			}
			flusher.Flush()
		case <-c.done:
			flushRemaining(enc, flusher, c)
			return
		case <-r.Context().Done():
			return
		case <-disconnect:
			slog.Info("[Stream] simulated disconnect", "fingerprint", fpPrefix(edge.Fingerprint))
			return
		}
	}
}

// flushRemaining writes whatever is still queued after the hub closed the
// connection, so a draining notice is not lost to the race between the
// send and done channels.
func flushRemaining(enc *json.Encoder, flusher http.Flusher, c *conn) {
	for {
		select {
		case env := <-c.send:
			if err := enc.Encode(env); err != nil {
				return
			}
			flusher.Flush()
		default:
			return
		}
	}
}
