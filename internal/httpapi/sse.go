package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// streamEvents serves a session's live event stream as server-sent events.
// Each event is one `data: <json>` frame; a comment keepalive goes out when
// the stream is idle so proxies keep the connection open. The subscriber
// queue is released when the client disconnects.
func (s *Server) streamEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.svc.Get(c.Request.Context(), sessionID); err != nil {
		respondError(c, s.log, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondCode(c, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID, ch := s.svc.Subscribe(sessionID)
	defer s.svc.Unsubscribe(sessionID, subID)

	keepalive := s.cfg.Events.KeepaliveDuration()
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				// Session deleted; nothing further will arrive.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("failed to encode event",
					zap.String("session_id", sessionID),
					zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(keepalive)
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
