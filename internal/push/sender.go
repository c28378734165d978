package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/stream"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3

	// Each edge gets its own 10 req/s token bucket. Excess deliveries wait
	// in the edge's queue; they are never dropped by the limiter.
	edgeRate  = rate.Limit(10)
	edgeBurst = 10

	queueSize = 256
)

type job struct {
	edge *RegisteredEdge
	env  stream.Envelope
}

// Sender posts envelopes to registered edges. One worker per edge keeps
// deliveries to a single edge in dispatch order even across retries.
type Sender struct {
	registry   *Registry
	httpClient *http.Client
	metrics    *metrics.Metrics
	userAgent  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queues   map[string]chan job
	limiters map[string]*rate.Limiter
}

func NewSender(registry *Registry, m *metrics.Metrics) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		registry:   registry,
		httpClient: &http.Client{Timeout: requestTimeout},
		metrics:    m,
		userAgent:  "edgebridge-proxy/1.0",
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]chan job),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Enqueue hands an envelope to the edge's delivery worker without blocking
// the caller. A full queue drops the envelope rather than stalling webhook
// dispatch.
func (s *Sender) Enqueue(edge *RegisteredEdge, env stream.Envelope) bool {
	s.mu.Lock()
	q, ok := s.queues[edge.ID]
	if !ok {
		q = make(chan job, queueSize)
		s.queues[edge.ID] = q
		s.wg.Add(1)
		go s.worker(q)
	}
	s.mu.Unlock()

	select {
	case q <- job{edge: edge, env: env}:
		return true
	default:
		s.metrics.EnvelopesDropped.WithLabelValues("buffer_full").Inc()
		slog.Warn("[Push] delivery queue full, dropping envelope",
			"edge", credential.TokenPrefix(edge.ID), "envelope", env.ID)
		return false
	}
}

func (s *Sender) worker(q chan job) {
	defer s.wg.Done()
	for {
		select {
		case j := <-q:
			s.Deliver(s.ctx, j.edge, j.env)
		case <-s.ctx.Done():
			return
		}
	}
}

// Close stops the delivery workers. Whatever is still queued is abandoned;
// push edges recover missed events by re-reading upstream state.
func (s *Sender) Close() {
	s.cancel()
	s.wg.Wait()
}

// Deliver posts one envelope, retrying non-2xx and transport failures with
// exponential backoff. Returns nil once the edge acknowledged.
func (s *Sender) Deliver(ctx context.Context, edge *RegisteredEdge, env stream.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.PushRetries.Inc()
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.limiter(edge.ID).Wait(ctx); err != nil {
			return err
		}

		lastErr = s.post(ctx, edge, body)
		if lastErr == nil {
			s.metrics.PushDeliveries.WithLabelValues("delivered").Inc()
			slog.Info("[Push] envelope delivered",
				"edge", credential.TokenPrefix(edge.ID),
				"envelope", env.ID,
				"attempt", attempt+1)
			if err := s.registry.MarkDelivered(ctx, edge); err != nil {
				slog.Warn("[Push] failed to refresh registration", "edge", credential.TokenPrefix(edge.ID), "error", err)
			}
			return nil
		}
		slog.Warn("[Push] delivery attempt failed",
			"edge", credential.TokenPrefix(edge.ID),
			"envelope", env.ID,
			"attempt", attempt+1,
			"error", lastErr)
	}

	s.metrics.PushDeliveries.WithLabelValues("failed").Inc()
	slog.Error("[Push] envelope abandoned",
		"edge", credential.TokenPrefix(edge.ID),
		"envelope", env.ID,
		"error", lastErr)
	return lastErr
}

func (s *Sender) post(ctx context.Context, edge *RegisteredEdge, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, edge.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Signature", "sha256="+Sign(edge.Secret, timestamp, body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("edge returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the delivery signature over the literal
// "<timestamp>.<body>" with the edge's secret. Edges recompute this to
// authenticate inbound deliveries.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sender) limiter(edgeID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[edgeID]
	if !ok {
		l = rate.NewLimiter(edgeRate, edgeBurst)
		s.limiters[edgeID] = l
	}
	return l
}
