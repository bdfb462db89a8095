package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/taskmesh/taskmesh/common/eventbus"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second

	defaultReplayLimit = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventsHandler serves the unified event stream and its legacy task-event
// projection over WebSocket. Each connection replays persisted events past
// the caller's cursor, then tails live events, de-duplicated by seq.
type EventsHandler struct {
	bus *eventbus.Bus
	log *logger.Logger
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(bus *eventbus.Bus, log *logger.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, log: log}
}

// resolveStream maps the subscribe selector query onto a stream name.
// Precedence: node_uuid, then resource_type+resource_id, then
// resource_type, then all.
func resolveStream(c echo.Context) string {
	if nodeUUID := c.QueryParam("node_uuid"); nodeUUID != "" {
		return eventbus.StreamForNode(nodeUUID)
	}
	rt := models.ResourceType(c.QueryParam("resource_type"))
	if rt != "" {
		if id := c.QueryParam("resource_id"); id != "" {
			return eventbus.StreamForResource(rt, id)
		}
		return eventbus.StreamForType(rt)
	}
	return eventbus.StreamAll
}

// Subscribe handles GET /api/v1/events/subscribe (WebSocket). Query:
// node_uuid | resource_type[&resource_id], after_seq, replay_limit.
func (h *EventsHandler) Subscribe(c echo.Context) error {
	stream := resolveStream(c)
	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_seq"), 10, 64)
	replayLimit, _ := strconv.Atoi(c.QueryParam("replay_limit"))
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}

	return h.stream(c, stream, afterSeq, replayLimit, func(ev models.UnifiedEvent) (interface{}, bool) {
		return ev, true
	})
}

// SubscribeTaskEvents handles GET /api/v1/tasks/events/subscribe
// (WebSocket). Query: node_uuid (required), last_event_id. Frames are the
// legacy TaskEvent projection of the node stream.
func (h *EventsHandler) SubscribeTaskEvents(c echo.Context) error {
	nodeUUID := c.QueryParam("node_uuid")
	if nodeUUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_uuid query parameter required")
	}
	lastEventID, _ := strconv.ParseInt(c.QueryParam("last_event_id"), 10, 64)

	return h.stream(c, eventbus.StreamForNode(nodeUUID), lastEventID, defaultReplayLimit, func(ev models.UnifiedEvent) (interface{}, bool) {
		te, ok := models.TaskEventFromUnified(ev)
		if !ok {
			return nil, false
		}
		return te, true
	})
}

// stream upgrades the connection, replays persisted events past afterSeq,
// then forwards live events. project filters and shapes each frame.
func (h *EventsHandler) stream(c echo.Context, stream string, afterSeq int64, replayLimit int, project func(models.UnifiedEvent) (interface{}, bool)) error {
	ctx := c.Request().Context()

	// Attach the live tail before replaying so nothing published in between
	// is missed; seq de-duplication drops the overlap.
	sub := h.bus.Subscribe(stream)
	defer sub.Close()

	replayed, err := h.bus.ReplaySince(ctx, stream, afterSeq, replayLimit)
	if err != nil {
		h.log.Error("event replay failed", "stream", stream, "error", err)
		return httpError(err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "stream", stream, "error", err)
		return nil
	}
	defer conn.Close()

	// Read pump: we expect no client data, but reading surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(frame)
	}

	lastSent := afterSeq
	for _, ev := range replayed {
		if ev.Seq <= lastSent {
			continue
		}
		frame, ok := project(ev)
		if !ok {
			continue
		}
		if err := write(frame); err != nil {
			return nil
		}
		lastSent = ev.Seq
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Seq <= lastSent {
				continue
			}
			frame, okP := project(ev)
			if !okP {
				lastSent = ev.Seq
				continue
			}
			if err := write(frame); err != nil {
				return nil
			}
			lastSent = ev.Seq
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
