package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEnvelope struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// handleEvents streams the caller's own engagement events as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, realtimeEnvelope{Source: realtimeSourceBackend, Timestamp: h.clock.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.realtime.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEnvelope{
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp,
				Data:      message.Payload,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEnvelope{Source: realtimeSourceBackend, Timestamp: tick.UTC()})
			return true
		}
	})
}
