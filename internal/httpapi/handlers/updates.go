package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/catwalk/internal/broadcast"
	"github.com/suPer8Hu/catwalk/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// JobUpdates streams job events over a websocket. With ?since=<seq> the
// buffered events after seq are replayed first.
func (h *Handler) JobUpdates(c *gin.Context) {
	since := int64(-1)
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid since")
			return
		}
		since = n
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the error response
		log.Printf("ws upgrade err=%v", err)
		return
	}

	// register before reading the backlog so nothing falls between the two
	client := h.Hub.Add()
	var backlog []broadcast.Event
	if since >= 0 {
		backlog = h.Events.Since(since)
	}
	log.Printf("ws connected clients=%d backlog=%d", h.Hub.Len(), len(backlog))
	h.Hub.Serve(c.Request.Context(), conn, client, backlog)
	log.Printf("ws disconnected clients=%d", h.Hub.Len())
}
