package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/stream"
)

// maxRegisterBody caps registration payloads; a URL does not need more.
const maxRegisterBody = 64 << 10

// Handler exposes push registration over HTTP. Auth mirrors the stream
// transports: the bearer is validated by using it against the upstream.
type Handler struct {
	registry  *Registry
	validator stream.TokenValidator
}

func NewHandler(registry *Registry, validator stream.TokenValidator) *Handler {
	return &Handler{registry: registry, validator: validator}
}

type registerRequest struct {
	URL string `json:"url"`
}

// HandleRegister is POST /edge/register. The response carries the signing
// secret; it is the only time the proxy reveals it.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	token := stream.BearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	workspaces, err := h.validator.WorkspacesForToken(r.Context(), token)
	if err != nil || len(workspaces) == 0 {
		if err != nil {
			slog.Warn("[Push] registration token validation failed", "error", err)
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		http.Error(w, "Invalid delivery URL", http.StatusBadRequest)
		return
	}

	edge, err := h.registry.Register(r.Context(), token, req.URL, workspaces)
	if err != nil {
		slog.Error("[Push] registration failed", "error", err)
		http.Error(w, "Registration failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(edge)
}

// HandleUnregister is DELETE /edge/register. Possession of the bearer is
// the proof of ownership; no upstream round-trip is needed to delete.
func (h *Handler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	token := stream.BearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.registry.Delete(r.Context(), credential.Fingerprint(token)); err != nil {
		slog.Error("[Push] unregister failed", "error", err)
		http.Error(w, "Unregister failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"removed": true})
}
