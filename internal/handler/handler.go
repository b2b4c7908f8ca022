package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"eventattend/internal/attendance"
	"eventattend/internal/auth"
	"eventattend/internal/cloudinary"
	"eventattend/internal/faceclient"
)

// EvidenceUploader stores captured scan images and returns their public reference.
type EvidenceUploader interface {
	UploadBytes(ctx context.Context, data []byte, filename string) (*cloudinary.UploadResult, error)
	UploadBase64(ctx context.Context, data string) (*cloudinary.UploadResult, error)
}

// FaceService identifies and verifies participants from scan evidence.
type FaceService interface {
	Identify(ctx context.Context, imageURL string, threshold float64) (faceclient.SearchMatch, error)
	Verify(ctx context.Context, userID, imageURL string) (*faceclient.VerifyResult, error)
	Enroll(ctx context.Context, userID, imageURL, name string) (*faceclient.EnrollResult, error)
}

// History lists persisted sessions including completed ones.
type History interface {
	ListSessions(ctx context.Context, eventKey, participantKey string, limit, offset int) ([]attendance.Snapshot, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// TokenConfig configures device token issuance.
type TokenConfig struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Handler serves the attendance API.
type Handler struct {
	recorder  *attendance.Recorder
	uploader  EvidenceUploader // nil when evidence storage is not configured
	face      FaceService      // nil disables identification and verification
	history   History          // nil disables the history listing
	tokens    TokenConfig
	threshold float64
	health    map[string]HealthCheck
	log       *slog.Logger
}

// Deps lists the collaborators of a Handler.
type Deps struct {
	Recorder       *attendance.Recorder
	Uploader       EvidenceUploader
	Face           FaceService
	History        History
	Tokens         TokenConfig
	MatchThreshold float64
	Health         map[string]HealthCheck
	Log            *slog.Logger
}

// New creates a handler.
func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		recorder:  d.Recorder,
		uploader:  d.Uploader,
		face:      d.Face,
		history:   d.History,
		tokens:    d.Tokens,
		threshold: d.MatchThreshold,
		health:    d.Health,
		log:       log,
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.POST("/v1/devices/refresh", h.RefreshDevice)

	v1 := r.Group("/v1", auth.Bearer(h.tokens.SigningKey, h.tokens.Issuer))

	staff := auth.RequireRole(auth.RoleSSG, auth.RoleOrganizer, auth.RoleAdmin, auth.RoleDevice)
	viewers := auth.RequireRole(auth.RoleStudent, auth.RoleSSG, auth.RoleOrganizer, auth.RoleAdmin, auth.RoleDevice)
	managers := auth.RequireRole(auth.RoleOrganizer, auth.RoleAdmin)

	v1.POST("/devices/register", managers, h.RegisterDevice)

	events := v1.Group("/events/:event")
	events.POST("/manual", staff, h.RecordManual)
	events.POST("/scan", staff, h.RecordScan)
	events.PUT("/selection", staff, h.SelectEvent)
	events.DELETE("/selection", staff, h.ReleaseEvent)
	events.GET("/active", viewers, h.ActiveSessions)
	events.GET("/sessions", managers, h.ListSessions)
	events.GET("/sessions/:participant", viewers, h.GetSession)

	v1.POST("/participants/:participant/face", managers, h.EnrollFace)
}

// Healthz reports dependency reachability.
func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// RegisterDevice issues a device token for a scanning station.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.issueTokens(c, req.DeviceID, auth.RoleDevice)
}

// RefreshDevice exchanges a refresh token for a new token pair with the same subject and role.
func (h *Handler) RefreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := auth.ParseAs(req.RefreshToken, h.tokens.SigningKey, h.tokens.Issuer, auth.TokenRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	h.issueTokens(c, claims.Subject, claims.Role)
}

func (h *Handler) issueTokens(c *gin.Context, subject, role string) {
	tokens, err := auth.Issue(subject, role, h.tokens.Issuer, h.tokens.SigningKey, h.tokens.AccessTTL, h.tokens.RefreshTTL)
	if err != nil {
		h.log.ErrorContext(c.Request.Context(), "token issue failed", "subject", subject, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// writeRecordError maps recorder errors to HTTP statuses. The pre-attempt
// session, when one exists, is returned so the UI keeps its controls as they were.
func (h *Handler) writeRecordError(c *gin.Context, snap attendance.Snapshot, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrMissingIdentifier), errors.Is(err, attendance.ErrMissingEvidence):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrInvalidTransition), errors.Is(err, attendance.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrPersistence):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	body := gin.H{"error": err.Error()}
	if snap.ParticipantKey != "" && snap.State != attendance.StatePending {
		body["session"] = snap
	}
	c.JSON(status, body)
}
