// Package server assembles the HTTP surface: OAuth, webhook ingress, edge
// streams, push registration, the status endpoint, health, metrics and a
// small human-readable dashboard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edgebridge/proxy/internal/config"
	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/dispatch"
	"github.com/edgebridge/proxy/internal/ingress"
	"github.com/edgebridge/proxy/internal/oauth"
	"github.com/edgebridge/proxy/internal/push"
	"github.com/edgebridge/proxy/internal/store"
	"github.com/edgebridge/proxy/internal/stream"
)

// shutdownTimeout bounds graceful shutdown. Streams get their draining
// notice first; whatever has not flushed by the deadline is cut off.
const shutdownTimeout = 30 * time.Second

// Components are the wired subsystems the server routes to. Relay is nil
// when no Redis is configured; everything else is required.
type Components struct {
	Store       store.Store
	Coordinator *oauth.Coordinator
	Receiver    *ingress.Receiver
	Streams     *stream.Handler
	Pushes      *push.Handler
	Hub         *stream.Hub
	Dispatcher  *dispatch.Dispatcher
	Relay       *dispatch.Relay
	Registry    *prometheus.Registry
}

type Server struct {
	cfg       *config.Config
	c         Components
	httpSrv   *http.Server
	startedAt time.Time
}

func New(cfg *config.Config, c Components) *Server {
	s := &Server{cfg: cfg, c: c, startedAt: time.Now()}
	s.httpSrv = &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: s.Router(),
		// No read/write timeouts: stream responses live for hours and a
		// webhook body is already capped at ingress.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.c.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/oauth/authorize", s.c.Coordinator.HandleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/oauth/callback", s.c.Coordinator.HandleCallback).Methods(http.MethodGet)

	r.HandleFunc("/webhook", s.c.Receiver.HandleWebhook).Methods(http.MethodPost)

	r.HandleFunc("/events/stream", s.c.Streams.HandleStream).Methods(http.MethodGet)
	r.HandleFunc("/events/socket", s.c.Streams.HandleSocket).Methods(http.MethodGet)
	r.HandleFunc("/events/status", s.handleStatus).Methods(http.MethodPost)

	r.HandleFunc("/edge/register", s.c.Pushes.HandleRegister).Methods(http.MethodPost)
	r.HandleFunc("/edge/register", s.c.Pushes.HandleUnregister).Methods(http.MethodDelete)

	return r
}

// Run serves until the context is cancelled, then drains streams and shuts
// the listener down within the shutdown deadline.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("[Server] listening", "addr", s.httpSrv.Addr, "public_url", s.cfg.Server.PublicURL)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		s.c.Dispatcher.Run(ctx)
		return nil
	})

	if s.c.Relay != nil {
		g.Go(func() error {
			if err := s.c.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("relay: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	slog.Info("[Server] shutting down", "streams", s.c.Hub.ConnectionCount())
	s.c.Hub.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("[Server] stopped")
	return nil
}

// logRequests logs after completion without wrapping the ResponseWriter;
// the stream handler needs http.Flusher and the socket upgrade needs
// http.Hijacker from the original writer.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("[Server] request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr)
	})
}

// statusReport is what an edge posts back about one delivered event.
type statusReport struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// handleStatus accepts per-event status from edges. The proxy records it in
// the log; nothing downstream consumes it yet.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := stream.BearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var report statusReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&report); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	slog.Info("[Server] edge status",
		"edge", credential.TokenPrefix(token),
		"event", report.EventID,
		"status", report.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeStatus := "connected"
	if _, err := s.c.Store.Get(ctx, "health:probe"); err != nil {
		storeStatus = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "edgebridge-proxy",
		"store":   storeStatus,
	})
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Edge proxy</title>
<style>
  body { font-family: -apple-system, sans-serif; max-width: 640px; margin: 3rem auto; color: #222; }
  h1 { font-size: 1.4rem; }
  table { border-collapse: collapse; margin: 1rem 0; }
  td { padding: 0.3rem 1rem 0.3rem 0; }
  td:first-child { color: #666; }
  code { background: #f4f4f4; padding: 0.1rem 0.3rem; border-radius: 3px; }
</style>
</head>
<body>
<h1>Edge proxy</h1>
<table>
  <tr><td>Uptime</td><td>{{.Uptime}}</td></tr>
  <tr><td>Store backend</td><td>{{.Backend}}</td></tr>
  <tr><td>Live streams</td><td>{{.Streams}}</td></tr>
  <tr><td>Authorized workspaces</td><td>{{.Workspaces}}</td></tr>
  <tr><td>Push registrations</td><td>{{.PushEdges}}</td></tr>
</table>
<p><a href="/oauth/authorize">Authorize a workspace</a></p>
<p>Edges connect to <code>GET /events/stream</code> or <code>GET /events/socket</code>
with their upstream credential as a bearer token.</p>
</body>
</html>
`))

type dashboardData struct {
	Uptime     string
	Backend    string
	Streams    int
	Workspaces int
	PushEdges  int
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Counts are best effort; the dashboard renders with zeros when the
	// store is unreachable.
	workspaces, _ := s.c.Store.List(ctx, "oauth:token:")
	pushEdges, _ := s.c.Store.List(ctx, "edge:worker:")

	data := dashboardData{
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Backend:    s.cfg.Store.Backend,
		Streams:    s.c.Hub.ConnectionCount(),
		Workspaces: len(workspaces),
		PushEdges:  len(pushEdges),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		slog.Warn("[Server] dashboard render failed", "error", err)
	}
}
