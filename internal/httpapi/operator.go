package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ergroom/internal/auth"
	"ergroom/internal/presence"
	"ergroom/internal/scanner"
)

const memberScanLimit = 20

func (s *server) operator(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}

func (s *server) simulateScan(c *gin.Context) {
	info, err := s.Scanner.SimulateScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	switch info.Outcome {
	case scanner.OutcomeUnknown:
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found", "scan": info})
	case scanner.OutcomePending:
		c.JSON(http.StatusNotFound, gin.H{"error": "tag registered but not onboarded", "scan": info})
	default:
		c.JSON(http.StatusOK, gin.H{"scan": info})
	}
}

func (s *server) registrationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"registration_mode": s.Scanner.IsRegistrationMode(),
		"scanner_running":   s.Scanner.Running(),
	})
}

func (s *server) setRegistration(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.Scanner.SetRegistrationMode(*req.Enabled)
	s.Log.Info("registration mode changed", zap.Bool("enabled", *req.Enabled), zap.String("operator", s.operator(c)))
	s.registrationStatus(c)
}

func (s *server) simulateRegistration(c *gin.Context) {
	info, err := s.Scanner.SimulateRegistration(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tag_id": info.TagID, "scan": info})
}

func (s *server) listPending(c *gin.Context) {
	tags, err := s.Repo.ListPendingTags(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": tags})
}

func (s *server) removePending(c *gin.Context) {
	if err := s.Repo.RemovePendingTag(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) listMembers(c *gin.Context) {
	members, err := s.Repo.ListMembers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *server) getMember(c *gin.Context) {
	ctx := c.Request.Context()
	member, err := s.Repo.GetMember(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	scans, err := s.Repo.RecentScans(ctx, member.ID, memberScanLimit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member, "scans": scans})
}

type createMemberRequest struct {
	ID             string  `json:"id" binding:"required"`
	Name           string  `json:"name" binding:"required"`
	ProfilePicture *string `json:"profile_picture"`
	RowingCategory *string `json:"rowing_category"`
	BoatClass      *string `json:"boat_class"`
	Passkey        *string `json:"passkey"`
}

func (s *server) createMember(c *gin.Context) {
	var req createMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	member, err := s.Repo.CreateMember(c.Request.Context(), presence.Member{
		ID:             strings.TrimSpace(req.ID),
		Name:           strings.TrimSpace(req.Name),
		ProfilePicture: req.ProfilePicture,
		RowingCategory: req.RowingCategory,
		BoatClass:      blankToNil(req.BoatClass),
		Passkey:        blankToNil(req.Passkey),
		CreatedAt:      s.Clock.Now(),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.Log.Info("member created", zap.String("member_id", member.ID), zap.String("operator", s.operator(c)))
	c.JSON(http.StatusCreated, member)
}

// clearable distinguishes an absent field from an explicit null.
type clearable struct {
	set   bool
	value *string
}

func (f *clearable) UnmarshalJSON(b []byte) error {
	f.set = true
	if string(b) == "null" {
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.value = &v
	return nil
}

// update maps null and "" to a cleared column.
func (f clearable) update() *sql.NullString {
	if !f.set {
		return nil
	}
	if f.value == nil || *f.value == "" {
		return &sql.NullString{}
	}
	return &sql.NullString{String: *f.value, Valid: true}
}

type updateMemberRequest struct {
	Name           *string   `json:"name"`
	ProfilePicture *string   `json:"profile_picture"`
	RowingCategory *string   `json:"rowing_category"`
	BoatClass      clearable `json:"boat_class"`
	Passkey        clearable `json:"passkey"`
}

func (s *server) updateMember(c *gin.Context) {
	var req updateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	err := s.Repo.UpdateMember(c.Request.Context(), id, presence.MemberUpdate{
		Name:           req.Name,
		ProfilePicture: req.ProfilePicture,
		RowingCategory: req.RowingCategory,
		BoatClass:      req.BoatClass.update(),
		Passkey:        req.Passkey.update(),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	member, err := s.Repo.GetMember(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (s *server) deleteMember(c *gin.Context) {
	id := c.Param("id")
	if err := s.Repo.DeleteMember(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.Log.Info("member deleted", zap.String("member_id", id), zap.String("operator", s.operator(c)))
	c.Status(http.StatusNoContent)
}

func (s *server) rebindMember(c *gin.Context) {
	var req struct {
		NewID string `json:"new_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	oldID, newID := c.Param("id"), strings.TrimSpace(req.NewID)
	if err := s.Repo.RebindMember(c.Request.Context(), oldID, newID); err != nil {
		s.fail(c, err)
		return
	}
	s.Log.Info("member rebound", zap.String("from", oldID), zap.String("to", newID), zap.String("operator", s.operator(c)))
	c.JSON(http.StatusOK, gin.H{"id": newID})
}

func (s *server) recentScans(c *gin.Context) {
	scans, err := s.Repo.RecentScans(c.Request.Context(), c.Query("member_id"), queryInt(c, "limit", 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (s *server) sweep(c *gin.Context) {
	n, err := s.Scanner.Sweep(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked_out": n})
}

func blankToNil(v *string) *string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return v
}
