package handler

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callbridge/pbx-bridge-go/internal/model"
	"github.com/callbridge/pbx-bridge-go/internal/realtime"
)

func dialRealtime(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRealtimeHandler_Protocol(t *testing.T) {
	registry := realtime.NewRegistry(10, time.Hour)
	defer registry.Close()
	srv := httptest.NewServer(NewRealtimeHandler(registry))
	defer srv.Close()

	conn := dialRealtime(t, srv)

	connected := readJSON(t, conn)
	assert.Equal(t, model.MessageConnected, connected["type"])
	clientID, _ := connected["clientId"].(string)
	require.NotEmpty(t, clientID)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "register_agent", "agentId": "op-7", "agentName": "Grace", "extension": "207",
	}))
	registered := readJSON(t, conn)
	assert.Equal(t, model.MessageRegistered, registered["type"])
	assert.Equal(t, "op-7", registered["agentId"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get_status"}))
	status := readJSON(t, conn)
	assert.Equal(t, model.MessageStatus, status["type"])
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, clientID, status["clientId"])
	metadata, _ := status["metadata"].(map[string]any)
	assert.Equal(t, "207", metadata["extension"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	pong := readJSON(t, conn)
	assert.Equal(t, model.MessagePong, pong["type"])

	sent := registry.SendToIdentity(realtime.MatchExtension("207"), model.CallMessage{
		Type:     model.MessageScreenPop,
		CallData: model.CallData{CallerIDNum: "+15550001"},
	})
	assert.Equal(t, 1, sent)
	pop := readJSON(t, conn)
	assert.Equal(t, model.MessageScreenPop, pop["type"])
}

func TestRealtimeHandler_CapacityExceeded(t *testing.T) {
	registry := realtime.NewRegistry(1, time.Hour)
	defer registry.Close()
	srv := httptest.NewServer(NewRealtimeHandler(registry))
	defer srv.Close()

	first := dialRealtime(t, srv)
	readJSON(t, first)

	second := dialRealtime(t, srv)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))

	assert.Equal(t, 1, registry.Count())
}

func TestRealtimeHandler_UnregistersOnDisconnect(t *testing.T) {
	registry := realtime.NewRegistry(10, time.Hour)
	defer registry.Close()
	srv := httptest.NewServer(NewRealtimeHandler(registry))
	defer srv.Close()

	conn := dialRealtime(t, srv)
	readJSON(t, conn)
	require.Equal(t, 1, registry.Count())

	conn.Close()

	assert.Eventually(t, func() bool { return registry.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}
