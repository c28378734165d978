package stream

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSocket(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events/socket"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	sock, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestSocketRejectsMissingBearer(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events/socket"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocketDeliversEnvelopes(t *testing.T) {
	f := newFixture(t, nil)
	sock := dialSocket(t, f, "tok-w1")

	var first Envelope
	require.NoError(t, sock.ReadJSON(&first))
	assert.Equal(t, TypeConnection, first.Type)
	assert.Equal(t, StatusConnected, first.Status)

	delivered := f.hub.Broadcast("W1", NewWebhook([]byte(`{"organizationId":"W1"}`)))
	require.Len(t, delivered, 1)

	var env Envelope
	require.NoError(t, sock.ReadJSON(&env))
	assert.Equal(t, TypeWebhook, env.Type)
	assert.JSONEq(t, `{"organizationId":"W1"}`, string(env.Data))

	sock.Close()
	require.Eventually(t, func() bool {
		return f.hub.ConnectionCount() == 0
	}, 2*time.Second, 20*time.Millisecond, "closing the socket detaches the edge")
}

func TestSocketDrainNotice(t *testing.T) {
	f := newFixture(t, nil)
	sock := dialSocket(t, f, "tok-w1")

	var first Envelope
	require.NoError(t, sock.ReadJSON(&first))
	require.Equal(t, StatusConnected, first.Status)

	f.hub.Drain()

	var notice Envelope
	require.NoError(t, sock.ReadJSON(&notice))
	assert.Equal(t, TypeConnection, notice.Type)
	assert.Equal(t, StatusDraining, notice.Status)

	var extra Envelope
	err := sock.ReadJSON(&extra)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "server closes with going-away after the notice")
}

func TestSocketAndStreamShareHub(t *testing.T) {
	f := newFixture(t, nil)

	sock := dialSocket(t, f, "tok-w1")
	var first Envelope
	require.NoError(t, sock.ReadJSON(&first))

	sc := f.connect(t, "tok-w1-b")
	readLine(t, sc)

	delivered := f.hub.Broadcast("W1", NewWebhook([]byte(`{"organizationId":"W1"}`)))
	assert.Len(t, delivered, 2, "both transports receive workspace events")

	var env Envelope
	require.NoError(t, sock.ReadJSON(&env))
	assert.Equal(t, TypeWebhook, env.Type)

	line := readLine(t, sc)
	assert.Equal(t, TypeWebhook, line.Type)
}
