package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/reframe/internal/modules/transcodingmodule/core/controller"
	tcerrors "github.com/mantonx/reframe/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/reframe/internal/modules/transcodingmodule/types"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// JobEvent is the JSON message pushed to websocket clients.
type JobEvent struct {
	Type      string         `json:"type"` // started, progress, finished
	JobID     string         `json:"job_id"`
	State     types.JobState `json:"state"`
	Progress  float64        `json:"progress"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Bytes     int64          `json:"bytes_written,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans controller events out to websocket clients. A client that
// falls behind loses events rather than slowing the job down.
type EventHub struct {
	logger   hclog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewEventHub creates a hub with no clients.
func NewEventHub(logger hclog.Logger) *EventHub {
	return &EventHub{
		logger: logger.Named("events"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

var _ controller.Observer = (*EventHub)(nil)

// JobStarted implements controller.Observer.
func (h *EventHub) JobStarted(s controller.Snapshot) {
	h.broadcast(JobEvent{Type: "started", JobID: s.JobID, State: s.State, Progress: s.Progress})
}

// JobProgress implements controller.Observer.
func (h *EventHub) JobProgress(jobID string, progress float64) {
	h.broadcast(JobEvent{Type: "progress", JobID: jobID, State: types.JobStateRunning, Progress: progress})
}

// JobFinished implements controller.Observer.
func (h *EventHub) JobFinished(r controller.Result) {
	ev := JobEvent{
		Type:      "finished",
		JobID:     r.JobID,
		State:     r.State,
		Bytes:     r.BytesWritten,
		ElapsedMs: r.Elapsed().Milliseconds(),
	}
	if r.State == types.JobStateCompleted {
		ev.Progress = 1
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
		ev.ErrorType = string(tcerrors.GetType(r.Err))
	}
	h.broadcast(ev)
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) broadcast(ev JobEvent) {
	ev.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping event for slow client", "job_id", ev.JobID, "type", ev.Type)
		}
	}
}

// HandleWebSocket handles GET /api/v1/jobs/events.
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.register(cl) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	// the http server's read deadline would otherwise end the stream
	conn.SetReadDeadline(time.Time{})
	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *EventHub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	return true
}

func (h *EventHub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// readPump discards client messages and unregisters on disconnect.
func (h *EventHub) readPump(cl *client) {
	defer h.unregister(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(cl *client) {
	defer cl.conn.Close()
	for data := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
	cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// Close disconnects every client and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
}
