package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultFeedLimit = 20
	maxFeedLimit     = 100
)

func (s *server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "scanner_running": s.Scanner.Running()}
	for name, check := range s.Health {
		healthy := check(c.Request.Context())
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *server) present(c *gin.Context) {
	members, err := s.Repo.ListPresent(c.Request.Context(), s.Clock.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(members), "members": members})
}

func (s *server) lastScan(c *gin.Context) {
	body := gin.H{"last_scan": nil, "registration_mode": s.Scanner.IsRegistrationMode()}
	if info, ok := s.Scanner.LastScan(); ok {
		body["last_scan"] = info
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) history(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": s.Scanner.History()})
}

func (s *server) leaderboard(c *gin.Context) {
	board, err := s.Repo.Leaderboard(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (s *server) feed(c *gin.Context) {
	if s.Feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not configured"})
		return
	}
	limit := queryInt(c, "limit", defaultFeedLimit)
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	changes, err := s.Feed.Recent(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
