package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

// HandleWatch streams an incident's timeline over a WebSocket: the stored
// history first, then live events as they are appended. Clients that fall
// behind the watch buffer miss events and should re-read the timeline.
func (h *Handlers) HandleWatch(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.lifecycle.Get(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}

	// Subscribe before replaying history so no event can fall between the
	// two. Replayed and live events may overlap; sequences deduplicate
	// client-side.
	live, cancel := h.timeline.Watch(id)
	defer cancel()

	history, err := h.timeline.Read(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "incident_id", id, "error", err)
		return
	}
	defer conn.Close()

	for _, ev := range history {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
