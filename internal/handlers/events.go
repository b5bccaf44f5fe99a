package handlers

import (
	"io"
	"net/http"

	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/gin-gonic/gin"
)

type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Stream relays hub events to the client as server-sent events until it disconnects
func (h *EventsHandler) Stream(c *gin.Context) {
	ch, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	logger.WithField("client_ip", c.ClientIP()).Debug("Event stream opened")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Payload)
			return true
		}
	})

	logger.WithField("client_ip", c.ClientIP()).Debug("Event stream closed")
}
