package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const streamBuffer = 16

// stream pushes presence changes as server-sent events until the client
// goes away. A client that cannot keep up misses changes rather than
// stalling the others.
func (s *server) stream(c *gin.Context) {
	if s.Changes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not configured"})
		return
	}
	changes, cancel := s.Changes.Subscribe(streamBuffer)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", gin.H{"status": "connected"})
	c.Writer.Flush()

	ping := time.NewTicker(s.KeepAlive)
	defer ping.Stop()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("presence", change)
			return true
		case <-ping.C:
			c.SSEvent("ping", gin.H{"at": s.Clock.Now()})
			return true
		}
	})
}
