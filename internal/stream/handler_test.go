package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebridge/proxy/internal/config"
	"github.com/edgebridge/proxy/internal/credential"
	"github.com/edgebridge/proxy/internal/metrics"
	"github.com/edgebridge/proxy/internal/routing"
	"github.com/edgebridge/proxy/internal/store"
)

type validatorFunc func(ctx context.Context, token string) ([]string, error)

func (f validatorFunc) WorkspacesForToken(ctx context.Context, token string) ([]string, error) {
	return f(ctx, token)
}

// testValidator maps fixed tokens to workspace sets the way the upstream
// viewer endpoint would.
func testValidator() TokenValidator {
	return validatorFunc(func(_ context.Context, token string) ([]string, error) {
		switch token {
		case "tok-w1":
			return []string{"W1"}, nil
		case "tok-w1-b":
			return []string{"W1"}, nil
		case "tok-w2":
			return []string{"W2"}, nil
		case "tok-none":
			return nil, nil
		case "tok-bad":
			return nil, errors.New("upstream rejected the credential")
		default:
			return []string{"W1"}, nil
		}
	})
}

type fixture struct {
	hub    *Hub
	table  *routing.Table
	server *httptest.Server
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })

	table := routing.NewTable(s)
	hub := NewHub(table, metrics.New(nil))
	if cfg == nil {
		cfg = &config.Config{}
	}
	h := NewHandler(hub, testValidator(), cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/events/stream", h.HandleStream)
	mux.HandleFunc("/events/socket", h.HandleSocket)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{hub: hub, table: table, server: server}
}

// connect opens a stream and hands back a line scanner. The connection is
// cancelled at test cleanup.
func (f *fixture) connect(t *testing.T, token string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return bufio.NewScanner(resp.Body)
}

func readLine(t *testing.T, sc *bufio.Scanner) Envelope {
	t.Helper()
	require.True(t, sc.Scan(), "expected another stream line, got EOF: %v", sc.Err())
	var env Envelope
	require.NoError(t, json.Unmarshal(sc.Bytes(), &env))
	return env
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamRejectsMissingBearer(t *testing.T) {
	f := newFixture(t, nil)
	resp := get(t, f.server.URL+"/events/stream", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamRejectsInvalidToken(t *testing.T) {
	f := newFixture(t, nil)

	resp := get(t, f.server.URL+"/events/stream", "tok-bad")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, f.server.URL+"/events/stream", "tok-none")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "an empty workspace set grants nothing")
}

func TestStreamFirstLineIsConnected(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.connect(t, "tok-w1")

	first := readLine(t, sc)
	assert.Equal(t, TypeConnection, first.Type)
	assert.Equal(t, StatusConnected, first.Status)
	assert.NotEmpty(t, first.ID)
}

func TestStreamAttachWritesRoutingTable(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.connect(t, "tok-w1")
	readLine(t, sc)

	fp := credential.Fingerprint("tok-w1")
	conn, err := f.table.Connection(context.Background(), fp)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, []string{"W1"}, conn.WorkspaceIDs)

	edges, err := f.table.EdgesFor(context.Background(), "W1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, fp, edges[0].Fingerprint)
}

func TestStreamDeliversWebhooksInOrder(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.connect(t, "tok-w1")
	readLine(t, sc)

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"organizationId":"W1","n":%d}`, i)
		delivered := f.hub.Broadcast("W1", NewWebhook([]byte(payload)))
		require.Len(t, delivered, 1)
	}

	for i := 0; i < 5; i++ {
		env := readLine(t, sc)
		require.Equal(t, TypeWebhook, env.Type)
		var body struct {
			OrganizationID string `json:"organizationId"`
			N              int    `json:"n"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "W1", body.OrganizationID)
		assert.Equal(t, i, body.N, "webhook order must match broadcast order")
	}
}

func TestStreamSharedBearerFanout(t *testing.T) {
	f := newFixture(t, nil)
	scA := f.connect(t, "tok-w1")
	scB := f.connect(t, "tok-w1")
	readLine(t, scA)
	readLine(t, scB)

	assert.Equal(t, 2, f.hub.ConnectionCount())

	// One bearer, one routing entry, two live connections.
	count, err := f.table.ConnectedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	delivered := f.hub.Broadcast("W1", NewWebhook([]byte(`{"organizationId":"W1"}`)))
	assert.Len(t, delivered, 1, "fingerprints are deduplicated in the delivery count")

	for _, sc := range []*bufio.Scanner{scA, scB} {
		env := readLine(t, sc)
		assert.Equal(t, TypeWebhook, env.Type)
	}
}

func TestBroadcastFiltersByWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	scW2 := f.connect(t, "tok-w2")
	readLine(t, scW2)

	delivered := f.hub.Broadcast("W1", NewWebhook([]byte(`{"organizationId":"W1"}`)))
	assert.Empty(t, delivered, "an edge scoped to W2 must not receive W1 events")
}

func TestStreamHeartbeat(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.heartbeatEvery = 40 * time.Millisecond

	sc := f.connect(t, "tok-w1")
	readLine(t, sc)

	env := readLine(t, sc)
	assert.Equal(t, TypeHeartbeat, env.Type)

	// The heartbeat also refreshed the routing entries.
	conn, err := f.table.Connection(context.Background(), credential.Fingerprint("tok-w1"))
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestStreamDrain(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.connect(t, "tok-w1")
	readLine(t, sc)

	f.hub.Drain()

	env := readLine(t, sc)
	assert.Equal(t, TypeConnection, env.Type)
	assert.Equal(t, StatusDraining, env.Status)
	assert.False(t, sc.Scan(), "stream must end after the draining notice")

	resp := get(t, f.server.URL+"/events/stream", "tok-w1-b")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamSimulatedDisconnect(t *testing.T) {
	cfg := &config.Config{Stream: config.StreamConfig{SimulateDisconnect: true, DisconnectAfterMs: 60}}
	f := newFixture(t, cfg)

	sc := f.connect(t, "tok-w1")
	readLine(t, sc)

	start := time.Now()
	assert.False(t, sc.Scan(), "the stream must be cut by the simulated disconnect")
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Eventually(t, func() bool {
		conn, err := f.table.Connection(context.Background(), credential.Fingerprint("tok-w1"))
		return err == nil && conn == nil
	}, 2*time.Second, 20*time.Millisecond, "routing entry must be removed on disconnect")
}

func TestDetachKeepsRoutingUntilLastConnection(t *testing.T) {
	f := newFixture(t, nil)
	fp := credential.Fingerprint("tok-w1")

	ctxA, cancelA := context.WithCancel(context.Background())
	reqA, err := http.NewRequestWithContext(ctxA, http.MethodGet, f.server.URL+"/events/stream", nil)
	require.NoError(t, err)
	reqA.Header.Set("Authorization", "Bearer tok-w1")
	respA, err := f.server.Client().Do(reqA)
	require.NoError(t, err)
	defer respA.Body.Close()
	readLine(t, bufio.NewScanner(respA.Body))

	scB := f.connect(t, "tok-w1")
	readLine(t, scB)

	cancelA()
	require.Eventually(t, func() bool {
		return f.hub.ConnectionCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := f.table.Connection(context.Background(), fp)
	require.NoError(t, err)
	assert.NotNil(t, conn, "routing entry survives while a sibling connection is live")
}

func TestBroadcastDropsFullConnections(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	hub := NewHub(routing.NewTable(s), metrics.New(nil))

	edge := &routing.EdgeConnection{Fingerprint: "fp-full", WorkspaceIDs: []string{"W1"}}
	c, err := hub.Attach(context.Background(), edge, TransportStream)
	require.NoError(t, err)
	require.Equal(t, 1, hub.ConnectionCount())

	// Nothing consumes c.send: the connected envelope occupies one slot,
	// fill the remainder, then one more must kill the connection.
	for i := 0; i < sendBuffer-1; i++ {
		require.True(t, c.enqueue(NewHeartbeat()))
	}
	delivered := hub.Broadcast("W1", NewWebhook([]byte(`{}`)))
	assert.Empty(t, delivered)

	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "a connection with a full buffer is dead")
}
