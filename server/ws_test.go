package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpool/core"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg serverMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips unsolicited broadcasts and returns the first message with
// the given correlation id.
func readUntil(t *testing.T, conn *websocket.Conn, id string) serverMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("no message with id %q", id)
	return serverMessage{}
}

func TestWebSocketSendsStatusOnConnect(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)

	msg := readMessage(t, conn)
	assert.Equal(t, string(core.EventStatus), msg.Type)
	assert.NotNil(t, msg.Payload)
}

func TestWebSocketCreateAgent(t *testing.T) {
	s, orch := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	readMessage(t, conn) // initial status

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:  msgCreateAgent,
		ID:    "corr-1",
		Class: "standard",
		Count: 2,
	}))

	msg := readUntil(t, conn, "corr-1")
	assert.Equal(t, msgCreateAgent, msg.Type)
	assert.Empty(t, msg.Error)
	assert.Equal(t, 2, orch.Pool().Count(core.ClassStandard))
}

func TestWebSocketDispatchTask(t *testing.T) {
	s, orch := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ids, err := orch.CreateAgents(t.Context(), core.ClassStandard, 1)
	require.NoError(t, err)

	conn := dialWS(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:    msgDispatchTask,
		ID:      "corr-2",
		AgentID: ids[0],
		Task:    &taskRequest{Category: "generic", Payload: "ws task"},
	}))

	msg := readUntil(t, conn, "corr-2")
	assert.Equal(t, msgDispatchTask, msg.Type)
	assert.Empty(t, msg.Error)
	assert.NotNil(t, msg.Payload)
}

func TestWebSocketDispatchTaskUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:    msgDispatchTask,
		ID:      "corr-3",
		AgentID: "missing",
		Task:    &taskRequest{Category: "generic"},
	}))

	msg := readUntil(t, conn, "corr-3")
	assert.NotEmpty(t, msg.Error)
}

func TestWebSocketGetMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: msgGetMetrics, ID: "corr-4"}))

	msg := readUntil(t, conn, "corr-4")
	assert.Equal(t, msgGetMetrics, msg.Type)
	assert.NotNil(t, msg.Payload)
}

func TestWebSocketUnknownType(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "teleport", ID: "corr-5"}))

	msg := readUntil(t, conn, "corr-5")
	assert.Equal(t, "error", msg.Type)
	assert.NotEmpty(t, msg.Error)
}

func TestWebSocketBroadcastsBusEvents(t *testing.T) {
	s, orch := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	readMessage(t, conn)

	// Creating an agent through the REST path publishes an event every
	// websocket client observes.
	_, err := orch.CreateAgents(t.Context(), core.ClassEnhanced, 1)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == string(core.EventAgentCreated) {
			return
		}
	}
	t.Fatal("agent_created broadcast not observed")
}
