// Package ingress receives webhook deliveries from the upstream tracker,
// verifies their signatures and hands the verified payloads to the
// dispatcher. The upstream is acknowledged before any delivery work starts.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/edgebridge/proxy/internal/metrics"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "linear-signature"

// maxBodyBytes caps webhook bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// Sink accepts a verified webhook payload for asynchronous delivery.
// Implementations must not block: the upstream's delivery timeout is short
// and a slow edge must never cause a webhook retry storm.
type Sink interface {
	Ingest(payload []byte)
}

// Receiver is the HTTP entry point for upstream webhooks.
type Receiver struct {
	secret  []byte
	sink    Sink
	metrics *metrics.Metrics
}

func NewReceiver(secret string, sink Sink, m *metrics.Metrics) *Receiver {
	return &Receiver{secret: []byte(secret), sink: sink, metrics: m}
}

// HandleWebhook verifies and accepts one delivery. The response never waits
// for edge delivery: a verified payload is acknowledged with 200 immediately
// and fanned out in the background.
func (rc *Receiver) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		rc.metrics.WebhooksReceived.WithLabelValues("bad_signature").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		rc.metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		slog.Warn("[Ingress] webhook body read failed", "error", err)
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !rc.verify(body, signature) {
		rc.metrics.WebhooksReceived.WithLabelValues("bad_signature").Inc()
		slog.Warn("[Ingress] webhook signature mismatch", "bytes", len(body))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// The payload must at least be a JSON document; routing fields are
	// the dispatcher's problem.
	if !json.Valid(body) {
		rc.metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		slog.Error("[Ingress] webhook payload is not JSON", "bytes", len(body))
		http.Error(w, "Processing error", http.StatusInternalServerError)
		return
	}

	rc.metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	rc.sink.Ingest(body)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// verify compares the claimed signature against HMAC-SHA256(secret, body).
func (rc *Receiver) verify(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, rc.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
