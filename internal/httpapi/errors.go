package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ergroom/internal/photos"
	"ergroom/internal/presence"
	"ergroom/internal/scanner"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, presence.ErrMemberNotFound), errors.Is(err, presence.ErrTagNotFound):
		return http.StatusNotFound
	case errors.Is(err, presence.ErrMemberExists), errors.Is(err, presence.ErrTagExists):
		return http.StatusConflict
	case errors.Is(err, presence.ErrInvalidMember), errors.Is(err, presence.ErrNothingToApply):
		return http.StatusBadRequest
	case errors.Is(err, photos.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, photos.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, scanner.ErrRegistrationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as JSON. Server errors are logged and their detail hidden.
func (s *server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
