package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	conn *websocket.Conn
	out  chan Event
}

// Hub tracks websocket subscribers per project and fans run events out to
// them. A slow subscriber drops events instead of stalling the workflow.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*subscriber

	originPatterns []string
	queueSize      int
	logger         *slog.Logger
}

// NewHub creates a hub. originPatterns is passed to websocket.Accept; an
// empty list only allows same-origin clients.
func NewHub(originPatterns []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active:         make(map[string]map[string]*subscriber),
		originPatterns: originPatterns,
		queueSize:      defaultQueueSize,
		logger:         logger,
	}
}

func (h *Hub) register(projectID, connID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[projectID]; !exists {
		h.active[projectID] = make(map[string]*subscriber)
	}
	h.active[projectID][connID] = sub
	h.logger.Info("Run stream subscriber registered", "project_id", projectID, "conn_id", connID)
}

func (h *Hub) unregister(projectID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.active[projectID]; ok {
		if _, exists := subs[connID]; exists {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(h.active, projectID)
			}
			h.logger.Info("Run stream subscriber unregistered", "project_id", projectID, "conn_id", connID)
		}
	}
}

// Subscribers returns the number of connections listening to a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[projectID])
}

// Publish delivers ev to every subscriber of projectID.
func (h *Hub) Publish(projectID string, ev Event) {
	if ev.ProjectID == "" {
		ev.ProjectID = projectID
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, sub := range h.active[projectID] {
		select {
		case sub.out <- ev:
		default:
			h.logger.Warn("Run stream subscriber queue full, dropping event",
				"project_id", projectID,
				"conn_id", connID,
				"type", ev.Type)
		}
	}
}

// Emitter returns an Emitter that stamps events with the project and
// invocation and publishes them.
func (h *Hub) Emitter(projectID, invocationID string) Emitter {
	return func(ev Event) {
		ev.ProjectID = projectID
		ev.InvocationID = invocationID
		h.Publish(projectID, ev)
	}
}

// Close disconnects every subscriber. http.Server.Shutdown does not wait
// for hijacked connections, so the server calls this first.
func (h *Hub) Close() {
	h.mu.Lock()
	active := h.active
	h.active = make(map[string]map[string]*subscriber)
	h.mu.Unlock()

	for projectID, subs := range active {
		for connID, sub := range subs {
			_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
			h.logger.Info("Run stream subscriber closed", "project_id", projectID, "conn_id", connID)
		}
	}
}

// Serve upgrades the request and streams projectID's events until the
// client goes away. Client messages are discarded.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "project_id", projectID)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "project_id", projectID)
		}
	}()

	connID := uuid.NewString()
	sub := &subscriber{conn: conn, out: make(chan Event, h.queueSize)}
	h.register(projectID, connID, sub)
	defer h.unregister(projectID, connID)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.out:
			if err := h.write(ctx, conn, ev); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "project_id", projectID)
				}
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
