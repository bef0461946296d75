// Package ws is the WebSocket fan-out for execution updates. Clients connect
// to /ws/devteam, send a subscribe message naming a project, and receive
// typed frames until they disconnect. Slow consumers are dropped rather than
// allowed to apply backpressure to the pipeline.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types.
const (
	FrameExecutionUpdate = "execution-update"
	FrameExecutionLog    = "execution-log"
	FrameError           = "error"
	FrameCompletion      = "completion"
)

// Defaults for the frame cap and the log coalescing window.
const (
	// DefaultMaxFrameBytes caps one outbound frame. An oversized payload is
	// replaced by a single error frame instead of being truncated.
	DefaultMaxFrameBytes = 64 << 10

	// DefaultCoalesce batches log frames so a chatty node does not produce
	// a frame per line.
	DefaultCoalesce = 50 * time.Millisecond
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 45 * time.Second

	sendBuffer = 64
)

// Frame is the wire envelope.
type Frame struct {
	Type      string    `json:"type"`
	TS        time.Time `json:"ts"`
	ProjectID string    `json:"projectId,omitempty"`
	Payload   any       `json:"payload"`
}

// UpdatePayload is the execution-update frame body.
type UpdatePayload struct {
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	CurrentTask *string `json:"currentTask,omitempty"`
}

// LogPayload is one execution-log entry. Coalesced frames carry a slice.
type LogPayload struct {
	Level    string `json:"level"`
	Message  string `json:"message"`
	NodeName string `json:"nodeName,omitempty"`
}

// ErrorPayload is the error frame body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CompletionPayload is the terminal frame body.
type CompletionPayload struct {
	Result string `json:"result"` // done, stopped or error
}

// subscribeMsg is the first client message.
type subscribeMsg struct {
	Subscribe struct {
		ProjectID string `json:"projectId"`
	} `json:"subscribe"`
}

// Hub tracks subscriptions and broadcasts frames per project.
type Hub struct {
	upgrader websocket.Upgrader
	maxFrame int
	coalesce time.Duration

	mu      sync.RWMutex
	clients map[string]map[*client]bool // projectID -> clients
}

// NewHub creates a Hub with the given frame cap and coalescing window; zero
// values select the defaults.
func NewHub(maxFrame int, coalesce time.Duration) *Hub {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	if coalesce <= 0 {
		coalesce = DefaultCoalesce
	}
	return &Hub{
		maxFrame: maxFrame,
		coalesce: coalesce,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The control plane sits behind the same origin policy as the
			// HTTP API; CORS is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]bool),
	}
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan Frame, sendBuffer)}
	go c.readPump()
	go c.writePump()
}

// BroadcastUpdate sends an execution-update frame to a project's subscribers.
func (h *Hub) BroadcastUpdate(projectID string, p UpdatePayload) {
	h.broadcast(projectID, FrameExecutionUpdate, p)
}

// BroadcastLog sends an execution-log frame.
func (h *Hub) BroadcastLog(projectID string, p LogPayload) {
	h.broadcast(projectID, FrameExecutionLog, p)
}

// BroadcastError sends an error frame.
func (h *Hub) BroadcastError(projectID string, p ErrorPayload) {
	h.broadcast(projectID, FrameError, p)
}

// BroadcastCompletion sends the terminal completion frame.
func (h *Hub) BroadcastCompletion(projectID string, p CompletionPayload) {
	h.broadcast(projectID, FrameCompletion, p)
}

// Subscribers returns the subscriber count for a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}

func (h *Hub) broadcast(projectID, typ string, payload any) {
	f := Frame{Type: typ, TS: time.Now().UTC(), ProjectID: projectID, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[projectID] {
		select {
		case c.send <- f:
		default:
			// The consumer is not keeping up; closing the channel from the
			// read side would race, so mark and let the pumps tear down.
			c.overflow()
		}
	}
}

func (h *Hub) subscribe(projectID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[projectID]
	if !ok {
		set = make(map[*client]bool)
		h.clients[projectID] = set
	}
	set[c] = true
}

func (h *Hub) unsubscribe(projectID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[projectID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, projectID)
	}
}

// client is one websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Frame

	mu         sync.Mutex
	projectID  string
	overflowed bool
	closeOnce  sync.Once
}

func (c *client) overflow() {
	c.mu.Lock()
	c.overflowed = true
	c.mu.Unlock()
}

// frame builds an envelope for frames originating on the connection itself,
// such as coalesced log batches and connection errors.
func (c *client) frame(typ string, payload any) Frame {
	c.mu.Lock()
	projectID := c.projectID
	c.mu.Unlock()
	return Frame{Type: typ, TS: time.Now().UTC(), ProjectID: projectID, Payload: payload}
}

// readPump handles the subscribe handshake and then drains control frames.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// First message must subscribe to a project.
	var sub subscribeMsg
	if err := c.conn.ReadJSON(&sub); err != nil || sub.Subscribe.ProjectID == "" {
		c.sendDirect(c.frame(FrameError, ErrorPayload{
			Code:    "bad_subscribe",
			Message: "first message must be {subscribe:{projectId}}",
		}))
		return
	}
	c.mu.Lock()
	c.projectID = sub.Subscribe.ProjectID
	c.mu.Unlock()
	c.hub.subscribe(sub.Subscribe.ProjectID, c)
	slog.Debug("websocket subscribed", "projectId", sub.Subscribe.ProjectID)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes frames to the wire, coalescing bursts of log frames
// into one frame per window.
func (c *client) writePump() {
	ping := time.NewTicker(pingInterval)
	flush := time.NewTicker(c.hub.coalesce)
	defer func() {
		ping.Stop()
		flush.Stop()
		c.close()
	}()

	var pendingLogs []LogPayload
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			if lp, isLog := f.Payload.(LogPayload); isLog {
				pendingLogs = append(pendingLogs, lp)
				continue
			}
			// Non-log frames flush any pending logs first to preserve
			// ordering relative to state changes.
			if !c.flushLogs(&pendingLogs) || !c.write(f) {
				return
			}
		case <-flush.C:
			if !c.flushLogs(&pendingLogs) {
				return
			}
			c.mu.Lock()
			dead := c.overflowed
			c.mu.Unlock()
			if dead {
				c.sendDirect(c.frame(FrameError, ErrorPayload{
					Code:    "slow_consumer",
					Message: "subscriber cannot keep up, closing",
				}))
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) flushLogs(pending *[]LogPayload) bool {
	if len(*pending) == 0 {
		return true
	}
	logs := *pending
	*pending = nil
	if len(logs) == 1 {
		return c.write(c.frame(FrameExecutionLog, logs[0]))
	}
	return c.write(c.frame(FrameExecutionLog, logs))
}

// write marshals and sends one frame, enforcing the frame size cap.
func (c *client) write(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("websocket frame marshal failed", "type", f.Type, "err", err)
		return true
	}
	if len(data) > c.hub.maxFrame {
		// Replace the oversized frame with a single error frame.
		data, _ = json.Marshal(c.frame(FrameError, ErrorPayload{
			Code:    "frame_too_large",
			Message: "payload exceeded frame limit and was dropped",
		}))
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// sendDirect writes outside the pump, for terminal error frames.
func (c *client) sendDirect(f Frame) {
	if data, err := json.Marshal(f); err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		projectID := c.projectID
		c.mu.Unlock()
		if projectID != "" {
			c.hub.unsubscribe(projectID, c)
		}
		_ = c.conn.Close()
	})
}
