package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/iggafy/dropaline-sub000/internal/changes"
	"go.uber.org/zap"
)

const (
	eventHeartbeat = "heartbeat"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

type eventPayload struct {
	Topic     string    `json:"topic"`
	Kind      string    `json:"kind"`
	Table     string    `json:"table,omitempty"`
	IDs       []string  `json:"ids,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newEventPayload(event changes.Event) eventPayload {
	return eventPayload{
		Topic:     event.Topic,
		Kind:      event.Kind,
		Table:     event.Table,
		IDs:       event.IDs,
		Detail:    event.Detail,
		Timestamp: event.Timestamp,
	}
}

// name is the SSE event name: engine events keep their kind, store hints are prefixed.
func (p eventPayload) name() string {
	if p.Topic == changes.TopicStore {
		return changes.TopicStore + "_" + p.Kind
	}
	return p.Kind
}

// eventFeed merges the store and engine topics for one client.
type eventFeed struct {
	store   <-chan changes.Event
	engine  <-chan changes.Event
	cleanup []func()
}

func (h *httpHandler) openEventFeed(ctx context.Context) *eventFeed {
	storeEvents, storeCleanup := h.events.Subscribe(ctx, changes.TopicStore)
	engineEvents, engineCleanup := h.events.Subscribe(ctx, changes.TopicEngine)
	return &eventFeed{
		store:   storeEvents,
		engine:  engineEvents,
		cleanup: []func(){storeCleanup, engineCleanup},
	}
}

func (f *eventFeed) Close() {
	for _, cleanup := range f.cleanup {
		cleanup()
	}
}

// next blocks until an event, a heartbeat, or the end of ctx. ok is false once the feed is
// finished.
func (f *eventFeed) next(ctx context.Context, heartbeat <-chan time.Time) (payload eventPayload, isHeartbeat bool, ok bool) {
	select {
	case <-ctx.Done():
		return eventPayload{}, false, false
	case event, open := <-f.store:
		if !open {
			return eventPayload{}, false, false
		}
		return newEventPayload(event), false, true
	case event, open := <-f.engine:
		if !open {
			return eventPayload{}, false, false
		}
		return newEventPayload(event), false, true
	case now := <-heartbeat:
		return eventPayload{Kind: eventHeartbeat, Timestamp: now.UTC()}, true, true
	}
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	feed := h.openEventFeed(ctx)
	defer feed.Close()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("event stream opened", zap.String("user_id", c.GetString(userIDContextKey)))
	c.Stream(func(io.Writer) bool {
		payload, isHeartbeat, ok := feed.next(ctx, heartbeat.C)
		if !ok {
			return false
		}
		if isHeartbeat {
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": payload.Timestamp})
			return true
		}
		c.SSEvent(payload.name(), payload)
		return true
	})
	h.logger.Debug("event stream closed", zap.String("user_id", c.GetString(userIDContextKey)))
}

func (h *httpHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || containsWildcard(h.origins) {
				return true
			}
			for _, allowed := range h.origins {
				if allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

func (h *httpHandler) handleEventSocket(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	feed := h.openEventFeed(ctx)
	defer feed.Close()

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, feed)
}

// readPump discards client frames and cancels the session when the peer goes away.
func (h *httpHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

func (h *httpHandler) writePump(ctx context.Context, conn *websocket.Conn, feed *eventFeed) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		payload, isPing, ok := feed.next(ctx, ping.C)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if isPing {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(payload); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
