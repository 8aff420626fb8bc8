package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoGateway upgrades connections and relays every frame back to the
// sender, standing in for an IM gateway.
func echoGateway(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestRoundTrip(t *testing.T) {
	server := echoGateway(t)
	defer server.Close()

	tr := NewWSTransport(Config{
		URL:      wsURL(server),
		UserID:   "alice",
		DeviceID: "dev-1",
	})

	var mu sync.Mutex
	var gotFrom string
	var gotPayload []byte
	received := make(chan struct{}, 1)
	tr.RegisterHandler(func(from string, payload []byte) {
		mu.Lock()
		gotFrom = from
		gotPayload = append([]byte(nil), payload...)
		mu.Unlock()
		received <- struct{}{}
	})

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.Send("bob", []byte(`{"action":"alert","callId":"c1","timestamp":1}`)))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", gotFrom, "frame must carry the sender identity")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotPayload, &decoded))
	assert.Equal(t, "alert", decoded["action"])
}

func TestConnectIsIdempotent(t *testing.T) {
	server := echoGateway(t)
	defer server.Close()

	tr := NewWSTransport(Config{URL: wsURL(server), UserID: "alice"})
	require.NoError(t, tr.Connect(context.Background()))
	assert.NoError(t, tr.Connect(context.Background()), "second connect is a no-op")
	tr.Close()
}

func TestSendBeforeConnect(t *testing.T) {
	tr := NewWSTransport(Config{URL: "ws://127.0.0.1:1", UserID: "alice"})
	assert.Error(t, tr.Send("bob", []byte("{}")))
}

func TestConnectRequiresURL(t *testing.T) {
	tr := NewWSTransport(Config{UserID: "alice"})
	assert.Error(t, tr.Connect(context.Background()))
}

func TestLocalIdentity(t *testing.T) {
	tr := NewWSTransport(Config{URL: "ws://example.invalid", UserID: "alice", DeviceID: "dev-1"})
	user, device, err := tr.LocalIdentity()
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "dev-1", device)
}

func TestLocalIdentityUnauthenticated(t *testing.T) {
	tr := NewWSTransport(Config{URL: "ws://example.invalid"})
	_, _, err := tr.LocalIdentity()
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	server := echoGateway(t)
	defer server.Close()

	tr := NewWSTransport(Config{URL: wsURL(server), UserID: "alice"})
	require.NoError(t, tr.Connect(context.Background()))
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.NotPanics(t, func() { tr.Close() })
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}
