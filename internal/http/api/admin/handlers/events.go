package handlers

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/sssSonsss/devicefarm/internal/events"
)

// EventsHandler streams engine events to admin clients over SSE.
type EventsHandler struct {
	emitter *events.Emitter
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(emitter *events.Emitter) *EventsHandler {
	return &EventsHandler{emitter: emitter}
}

// Stream subscribes the client to the event feed until it disconnects.
// Slow clients miss events rather than stalling the engine.
func (h *EventsHandler) Stream(c *gin.Context) {
	feed, cancel := h.emitter.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-feed:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
