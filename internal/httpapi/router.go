// Package httpapi exposes presence state and operator controls over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ergroom/internal/auth"
	"ergroom/internal/dependencies/clock"
	"ergroom/internal/httpmiddleware"
	"ergroom/internal/photos"
	"ergroom/internal/presence"
	"ergroom/internal/scanner"
)

// Repository is the slice of the presence store the API reads and edits.
type Repository interface {
	ListPresent(ctx context.Context, now time.Time) ([]presence.PresentMember, error)
	Leaderboard(ctx context.Context) (presence.Leaderboard, error)
	ListMembers(ctx context.Context) ([]presence.MemberPresence, error)
	GetMember(ctx context.Context, id string) (presence.Member, error)
	CreateMember(ctx context.Context, m presence.Member) (presence.Member, error)
	UpdateMember(ctx context.Context, id string, u presence.MemberUpdate) error
	DeleteMember(ctx context.Context, id string) error
	RebindMember(ctx context.Context, oldID, newID string) error
	ListPendingTags(ctx context.Context) ([]presence.PendingTag, error)
	RemovePendingTag(ctx context.Context, id string) error
	RecentScans(ctx context.Context, memberID string, limit int) ([]presence.ScanLogEntry, error)
}

// Scanner is the engine surface driven by operators.
type Scanner interface {
	LastScan() (scanner.ScanInfo, bool)
	History() []scanner.ScanInfo
	SimulateScan(ctx context.Context, identifier string) (scanner.ScanInfo, error)
	SetRegistrationMode(on bool)
	IsRegistrationMode() bool
	SimulateRegistration(ctx context.Context) (scanner.ScanInfo, error)
	Sweep(ctx context.Context) (int, error)
	Running() bool
}

// Changes hands out live presence changes.
type Changes interface {
	Subscribe(buffer int) (<-chan presence.ToggleResult, func())
}

// Feed returns recent changes from a durable log.
type Feed interface {
	Recent(ctx context.Context, n int) ([]presence.ToggleResult, error)
}

// Photos stores profile pictures.
type Photos interface {
	Import(ctx context.Context, memberID, source string) (photos.Photo, error)
}

// Config wires the router. Repo, Scanner and SigningKey are required.
type Config struct {
	Repo    Repository
	Scanner Scanner
	Changes Changes
	Feed    Feed
	Photos  Photos
	// Health checks reported by /healthz, keyed by component name.
	Health     map[string]func(context.Context) bool
	Metrics    http.Handler
	Limiter    *httpmiddleware.TokenBucket
	SigningKey string
	Issuer     string
	Clock      clock.Clock
	Log        *zap.Logger
	// KeepAlive is the interval between SSE pings.
	KeepAlive time.Duration
}

type server struct {
	Config
}

// NewRouter builds the gin engine serving the API.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	s := &server{Config: cfg}

	r := gin.New()
	r.Use(recovery(cfg.Log))
	r.Use(requestLogger(cfg.Log, "/healthz", "/metrics", "/v1/stream"))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.GinMiddleware())
	}

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	v1.GET("/present", s.present)
	v1.GET("/last-scan", s.lastScan)
	v1.GET("/history", s.history)
	v1.GET("/leaderboard", s.leaderboard)
	v1.GET("/stream", s.stream)
	v1.GET("/feed", s.feed)

	op := v1.Group("", auth.RequireRole(cfg.SigningKey, cfg.Issuer, auth.RoleOperator))
	op.POST("/simulate/:id", s.simulateScan)
	op.GET("/registration", s.registrationStatus)
	op.POST("/registration", s.setRegistration)
	op.POST("/registration/simulate", s.simulateRegistration)
	op.GET("/pending", s.listPending)
	op.DELETE("/pending/:id", s.removePending)
	op.GET("/members", s.listMembers)
	op.POST("/members", s.createMember)
	op.GET("/members/:id", s.getMember)
	op.PATCH("/members/:id", s.updateMember)
	op.DELETE("/members/:id", s.deleteMember)
	op.POST("/members/:id/rebind", s.rebindMember)
	op.POST("/members/:id/photo", s.importPhoto)
	op.GET("/scans", s.recentScans)
	op.POST("/sweep", s.sweep)

	return r
}
