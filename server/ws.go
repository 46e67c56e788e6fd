package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	clientSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST layer handles CORS; the upgrade accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client message types.
const (
	msgCreateAgent  = "create_agent"
	msgDispatchTask = "dispatch_task"
	msgGetMetrics   = "get_metrics"
)

// clientMessage is a correlated command from a websocket client.
type clientMessage struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Class   string       `json:"class,omitempty"`
	Count   int          `json:"count,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Task    *taskRequest `json:"task,omitempty"`
}

// serverMessage is pushed to websocket clients, either as a correlated
// response (ID set) or as an unsolicited broadcast.
type serverMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// hub tracks connected websocket clients and relays bus events to them.
type hub struct {
	orch   *orchestrator.Orchestrator
	logger logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	cancelSub func()
}

func newHub(orch *orchestrator.Orchestrator, logger logging.Logger) *hub {
	return &hub{
		orch:    orch,
		logger:  logger.With("component", "ws"),
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// run starts relaying bus events to connected clients. Idempotent.
func (h *hub) run() {
	h.startOnce.Do(func() {
		events, cancel := h.orch.Bus().Subscribe(64)
		h.cancelSub = cancel
		go h.relay(events)
	})
}

func (h *hub) relay(events <-chan core.Event) {
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(serverMessage{Type: string(ev.Type), Payload: ev.Payload})
		}
	}
}

func (h *hub) broadcast(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		if h.cancelSub != nil {
			h.cancelSub()
		}

		h.mu.Lock()
		clients := make([]*wsClient, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()

		for _, c := range clients {
			c.close()
		}
	})
}

func (h *hub) handleUpgrade(c *gin.Context) {
	h.run()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()

	// Every new client receives the current status first.
	client.send <- mustMarshal(serverMessage{
		Type:    string(core.EventStatus),
		Payload: h.orch.Status(),
	})
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// enqueue drops the message when the client's buffer is full; a slow reader
// must not stall the broadcaster.
func (c *wsClient) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(mustMarshal(serverMessage{Type: "error", Error: "malformed message"}))
			continue
		}
		c.enqueue(mustMarshal(c.handle(msg)))
	}
}

func (c *wsClient) handle(msg clientMessage) serverMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch msg.Type {
	case msgCreateAgent:
		count := msg.Count
		if count <= 0 {
			count = 1
		}
		ids, err := c.hub.orch.CreateAgents(ctx, core.AgentClass(msg.Class), count)
		if err != nil {
			return serverMessage{Type: msg.Type, ID: msg.ID, Error: err.Error()}
		}
		return serverMessage{Type: msg.Type, ID: msg.ID, Payload: gin.H{"ids": ids}}

	case msgDispatchTask:
		if msg.Task == nil {
			return serverMessage{Type: msg.Type, ID: msg.ID, Error: "missing task"}
		}
		category := core.TaskCategory(msg.Task.Category)
		if !category.Valid() {
			return serverMessage{Type: msg.Type, ID: msg.ID, Error: "unknown task category"}
		}
		task := core.NewTask(category, msg.Task.Payload)
		task.Complex = msg.Task.Complex

		result, err := c.hub.orch.DispatchTask(ctx, msg.AgentID, task)
		if err != nil {
			return serverMessage{Type: msg.Type, ID: msg.ID, Error: err.Error()}
		}
		return serverMessage{Type: msg.Type, ID: msg.ID, Payload: result}

	case msgGetMetrics:
		return serverMessage{Type: msg.Type, ID: msg.ID, Payload: c.hub.orch.Monitor().CurrentMetrics()}

	default:
		return serverMessage{Type: "error", ID: msg.ID, Error: "unknown message type"}
	}
}

func mustMarshal(msg serverMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return data
}
