package dispatch

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/proxy/internal/config"
	"github.com/edgebridge/proxy/internal/ingress"
	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/push"
	"github.com/edgebridge/proxy/internal/routing"
	"github.com/edgebridge/proxy/internal/store"
	"github.com/edgebridge/proxy/internal/stream"
)

const webhookSecret = "whsec-dispatch"

type validatorFunc func(ctx context.Context, token string) ([]string, error)

func (f validatorFunc) WorkspacesForToken(ctx context.Context, token string) ([]string, error) {
	return f(ctx, token)
}

func testValidator() stream.TokenValidator {
	return validatorFunc(func(_ context.Context, token string) ([]string, error) {
		if token == "tok-w2" {
			return []string{"W2"}, nil
		}
		return []string{"W1"}, nil
	})
}

type fixture struct {
	table    *routing.Table
	hub      *stream.Hub
	registry *push.Registry
	sender   *push.Sender
	disp     *Dispatcher
	server   *httptest.Server
}

func newFixture(t *testing.T, relay *Relay) *fixture {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })

	table := routing.NewTable(s)
	hub := stream.NewHub(table, metrics.New(nil))
	registry := push.NewRegistry(s)
	sender := push.NewSender(registry, metrics.New(nil))
	t.Cleanup(sender.Close)

	disp := NewDispatcher(table, hub, registry, sender, relay, metrics.New(nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go disp.Run(ctx)

	sh := stream.NewHandler(hub, testValidator(), &config.Config{})
	receiver := ingress.NewReceiver(webhookSecret, disp, metrics.New(nil))

	mux := http.NewServeMux()
	mux.HandleFunc("/events/stream", sh.HandleStream)
	mux.HandleFunc("/webhook", receiver.HandleWebhook)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{table: table, hub: hub, registry: registry, sender: sender, disp: disp, server: server}
}

func connectTo(t *testing.T, serverURL, token string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return bufio.NewScanner(resp.Body)
}

func readLine(t *testing.T, sc *bufio.Scanner) stream.Envelope {
	t.Helper()
	require.True(t, sc.Scan(), "expected another stream line, got EOF: %v", sc.Err())
	var env stream.Envelope
	require.NoError(t, json.Unmarshal(sc.Bytes(), &env))
	return env
}

func (f *fixture) postWebhook(t *testing.T, body string) *http.Response {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhook", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("linear-signature", sig)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookFanOutToStreams(t *testing.T) {
	f := newFixture(t, nil)

	scA := connectTo(t, f.server.URL, "tok-a")
	scB := connectTo(t, f.server.URL, "tok-b")
	require.Equal(t, stream.TypeConnection, readLine(t, scA).Type)
	require.Equal(t, stream.TypeConnection, readLine(t, scB).Type)

	body := `{"organizationId":"W1","action":"issueAssignedToYou","type":"AppUserNotification"}`
	start := time.Now()
	resp := f.postWebhook(t, body)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(payload))
	assert.Less(t, elapsed, time.Second, "the upstream is acknowledged without waiting for delivery")

	envA := readLine(t, scA)
	envB := readLine(t, scB)
	require.Equal(t, stream.TypeWebhook, envA.Type)
	require.Equal(t, stream.TypeWebhook, envB.Type)
	assert.Equal(t, envA.ID, envB.ID, "both edges see the same envelope")
	assert.JSONEq(t, body, string(envA.Data))

	// A second webhook is the very next line on both streams: exactly one
	// line per webhook, no duplicates in between.
	second := `{"organizationId":"W1","action":"issueCommentMention","type":"AppUserNotification"}`
	f.postWebhook(t, second)
	assert.JSONEq(t, second, string(readLine(t, scA).Data))
	assert.JSONEq(t, second, string(readLine(t, scB).Data))
}

func TestDispatchSkipsOtherWorkspaces(t *testing.T) {
	f := newFixture(t, nil)

	scW2 := connectTo(t, f.server.URL, "tok-w2")
	readLine(t, scW2)

	resp := f.postWebhook(t, `{"organizationId":"W1","action":"created"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The W2 edge must only see the W2 webhook that follows.
	marker := `{"organizationId":"W2","action":"created"}`
	f.postWebhook(t, marker)
	env := readLine(t, scW2)
	assert.JSONEq(t, marker, string(env.Data))
}

func TestDispatchDropsPayloadWithoutWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.Zero(t, f.disp.process(ctx, []byte(`{"action":"created","type":"Issue"}`)))
	assert.Zero(t, f.disp.process(ctx, []byte(`not json`)))
	assert.Zero(t, f.disp.process(ctx, []byte(`{"organizationId":""}`)))
}

func TestDispatchReturnsZeroWithoutEdges(t *testing.T) {
	f := newFixture(t, nil)
	n := f.disp.process(context.Background(), []byte(`{"organizationId":"W1","action":"created"}`))
	assert.Zero(t, n)
}

type edgeServer struct {
	server *httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	stamps []string
}

func newEdgeServer(t *testing.T) *edgeServer {
	t.Helper()
	e := &edgeServer{}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.bodies = append(e.bodies, body)
		e.sigs = append(e.sigs, r.Header.Get("X-Webhook-Signature"))
		e.stamps = append(e.stamps, r.Header.Get("X-Webhook-Timestamp"))
		e.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *edgeServer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bodies)
}

func TestDispatchToPushEdge(t *testing.T) {
	f := newFixture(t, nil)
	edge := newEdgeServer(t)
	ctx := context.Background()

	reg, err := f.registry.Register(ctx, "tok-push", edge.server.URL, []string{"W1"})
	require.NoError(t, err)

	n := f.disp.process(ctx, []byte(`{"organizationId":"W1","action":"created"}`))
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool { return edge.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	edge.mu.Lock()
	defer edge.mu.Unlock()
	assert.Equal(t, "sha256="+push.Sign(reg.Secret, edge.stamps[0], edge.bodies[0]), edge.sigs[0])

	var env stream.Envelope
	require.NoError(t, json.Unmarshal(edge.bodies[0], &env))
	assert.Equal(t, stream.TypeWebhook, env.Type)
	assert.JSONEq(t, `{"organizationId":"W1","action":"created"}`, string(env.Data))
}

func TestPushSkippedWhileStreaming(t *testing.T) {
	f := newFixture(t, nil)
	edge := newEdgeServer(t)
	ctx := context.Background()

	// Same bearer holds a live stream and a push registration.
	sc := connectTo(t, f.server.URL, "tok-both")
	readLine(t, sc)
	_, err := f.registry.Register(ctx, "tok-both", edge.server.URL, []string{"W1"})
	require.NoError(t, err)

	n := f.disp.process(ctx, []byte(`{"organizationId":"W1","action":"created"}`))
	assert.Equal(t, 1, n, "the edge is counted once, via its stream")

	env := readLine(t, sc)
	assert.Equal(t, stream.TypeWebhook, env.Type)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, edge.count(), "a streaming edge must not also receive pushes")
}
