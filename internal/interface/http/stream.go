package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamLive pushes the park's view as Server-Sent Events until the client
// disconnects or the view is left. Idle streams get a comment heartbeat.
func (h *Handler) StreamLive(c *gin.Context) {
	claims, _ := getSession(c)
	ctx := c.Request.Context()
	views, err := h.live.Watch(ctx, claims.SessionID, c.Param("parkId"))
	if err != nil {
		abortWithError(c, fromDomain(err))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "stream_unsupported", "streaming not supported", nil))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.KeepAlive)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case view, open := <-views:
			if !open {
				if _, err := c.Writer.Write([]byte("event: closed\ndata: {}\n\n")); err == nil {
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(view)
			if err != nil {
				h.logger.Error("marshal view failed", "error", err)
				continue
			}
			frame := make([]byte, 0, len(payload)+48)
			frame = append(frame, "id: "...)
			frame = strconv.AppendUint(frame, view.Version, 10)
			frame = append(frame, "\nevent: view\ndata: "...)
			frame = append(frame, payload...)
			frame = append(frame, "\n\n"...)
			if _, err := c.Writer.Write(frame); err != nil {
				h.logger.Debug("stream client gone", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
