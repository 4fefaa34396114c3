package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ergroom/internal/photos"
	"ergroom/internal/presence"
)

// importPhoto replaces a member's profile picture with the image found at
// source_url.
func (s *server) importPhoto(c *gin.Context) {
	if s.Photos == nil {
		s.fail(c, photos.ErrNotConfigured)
		return
	}
	var req struct {
		SourceURL string `json:"source_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	member, err := s.Repo.GetMember(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	photo, err := s.Photos.Import(ctx, member.ID, req.SourceURL)
	if err != nil {
		s.Log.Warn("photo import failed", zap.String("member_id", member.ID), zap.Error(err))
		s.fail(c, err)
		return
	}
	if err := s.Repo.UpdateMember(ctx, member.ID, presence.MemberUpdate{ProfilePicture: &photo.SecureURL}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile_picture": photo.SecureURL, "photo": photo})
}
