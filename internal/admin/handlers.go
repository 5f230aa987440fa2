package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/entitlement"
	"github.com/mbd888/chatgate/internal/idgen"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/pagination"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/usage"
	"github.com/mbd888/chatgate/internal/validation"
)

// UsageLister pages through usage records, newest first.
type UsageLister interface {
	List(ctx context.Context, profileID, cursor string, limit int) (*usage.Page, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	profiles    profile.Store
	usage       UsageLister
	trialLength time.Duration
	now         func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(profiles profile.Store, usage UsageLister) *Handler {
	return &Handler{
		profiles:    profiles,
		usage:       usage,
		trialLength: DefaultTrialLength,
		now:         time.Now,
	}
}

// WithTrialLength overrides the trial window.
func (h *Handler) WithTrialLength(d time.Duration) *Handler {
	if d > 0 {
		h.trialLength = d
	}
	return h
}

// RegisterRoutes sets up admin routes. The caller applies auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/profiles", h.createProfile)

	byID := r.Group("/admin/profiles/:id", validation.IDParamMiddleware())
	byID.GET("", h.getProfile)
	byID.POST("/trial", h.startTrial)
	byID.PUT("/chat", h.bindChat)
	byID.GET("/usage", h.listUsage)
}

func (h *Handler) view(p *profile.Profile) ProfileView {
	return ProfileView{Profile: p, Access: entitlement.Evaluate(p, h.now())}
}

// createProfile registers a profile at signup: free tier, trial not started.
func (h *Handler) createProfile(c *gin.Context) {
	var req CreateProfileRequest
	if !validation.Bind(c, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("prf_")
	}
	p := profile.New(id, req.AuthID, req.Email, h.now())

	if err := h.profiles.Create(c.Request.Context(), p); err != nil {
		if errors.Is(err, profile.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_profile", "message": "A profile already exists for this identity"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to create profile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create profile"})
		return
	}

	logging.L(c.Request.Context()).Info("profile created", "profile_id", p.ID)
	c.JSON(http.StatusCreated, h.view(p))
}

// getProfile returns the profile and its evaluated access state.
func (h *Handler) getProfile(c *gin.Context) {
	p, err := h.profiles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(p))
}

// startTrial begins the one-time trial.
func (h *Handler) startTrial(c *gin.Context) {
	p, err := h.profiles.StartTrial(c.Request.Context(), c.Param("id"), h.now(), h.trialLength)
	switch {
	case errors.Is(err, profile.ErrTrialUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "trial_used", "message": "The trial has already been started for this profile"})
		return
	case errors.Is(err, profile.ErrTrialIneligible):
		c.JSON(http.StatusConflict, gin.H{"error": "trial_ineligible", "message": "Trials can only be started within 24 hours of signup"})
		return
	case err != nil:
		h.storeError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("trial started", "profile_id", p.ID, "expires_at", p.TrialExpiresAt)
	c.JSON(http.StatusOK, h.view(p))
}

// bindChat links an external chat identity to the profile.
func (h *Handler) bindChat(c *gin.Context) {
	var req BindChatRequest
	if !validation.Bind(c, &req) {
		return
	}

	id := c.Param("id")
	if err := h.profiles.BindChat(c.Request.Context(), id, req.ChatID); err != nil {
		if errors.Is(err, profile.ErrChatTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "chat_taken", "message": "This chat is already linked to another profile"})
			return
		}
		h.storeError(c, err)
		return
	}

	p, err := h.profiles.Get(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(p))
}

// listUsage returns recent usage records, newest first.
func (h *Handler) listUsage(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.profiles.Get(c.Request.Context(), id); err != nil {
		h.storeError(c, err)
		return
	}

	limit := usage.DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.usage.List(c.Request.Context(), id, c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Cursor is not valid"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list usage", "profile_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list usage"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) storeError(c *gin.Context, err error) {
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Profile not found"})
		return
	}
	logging.L(c.Request.Context()).Error("profile store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Profile store unavailable"})
}
