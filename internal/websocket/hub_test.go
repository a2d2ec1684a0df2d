package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialAgent(t *testing.T, hub *Hub, deviceID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleAgent(w, r, &models.Device{ID: deviceID, OrgID: "org_1"})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubTracksConnections(t *testing.T) {
	hub := NewHub()
	assert.False(t, hub.Connected("dev_1"))
	assert.Equal(t, 0, hub.ConnectedCount())

	dialAgent(t, hub, "dev_1")
	waitFor(t, func() bool { return hub.Connected("dev_1") })
	assert.Equal(t, 1, hub.ConnectedCount())
}

func TestNotifyCommandSendsNudge(t *testing.T) {
	hub := NewHub()
	conn := dialAgent(t, hub, "dev_1")
	waitFor(t, func() bool { return hub.Connected("dev_1") })

	hub.NotifyCommand("dev_1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "command.available", msg.Type)
}

func TestNotifyCommandForUnknownDeviceIsNoop(t *testing.T) {
	hub := NewHub()
	hub.NotifyCommand("dev_unknown")
}

func TestCloseDeviceDropsConnection(t *testing.T) {
	hub := NewHub()
	conn := dialAgent(t, hub, "dev_1")
	waitFor(t, func() bool { return hub.Connected("dev_1") })

	hub.CloseDevice("dev_1")
	assert.False(t, hub.Connected("dev_1"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	hub := NewHub()
	first := dialAgent(t, hub, "dev_1")
	waitFor(t, func() bool { return hub.Connected("dev_1") })

	dialAgent(t, hub, "dev_1")
	waitFor(t, func() bool { return hub.ConnectedCount() == 1 })

	// The replaced connection's write pump shuts down, closing the socket.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)
}
