package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/logging"
)

// SecretHeader carries the secret configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// Handler receives Telegram webhook updates.
type Handler struct {
	router  *Router
	secret  string
	budget  time.Duration
	logger  *slog.Logger
	pending sync.WaitGroup
}

// NewHandler creates a webhook handler. Each update is routed in the
// background with a context detached from the request and bounded by budget.
// An empty secret disables the header check.
func NewHandler(router *Router, secret string, budget time.Duration, logger *slog.Logger) *Handler {
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Handler{
		router: router,
		secret: secret,
		budget: budget,
		logger: logging.OrDefault(logger),
	}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/telegram", h.Receive)
}

// Receive acknowledges every authenticated update with 200 so Telegram does
// not redeliver it; routing problems are handled and logged downstream.
func (h *Handler) Receive(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid webhook secret",
			})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpdateBytes))
	if err != nil {
		logging.L(c.Request.Context()).Warn("failed to read telegram update", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		logging.L(c.Request.Context()).Warn("unparseable telegram update", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, h.budget)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				logging.Alert(ctx, h.logger, "panic while routing chat update", "panic", rec, "update_id", u.UpdateID)
			}
		}()
		h.router.Route(ctx, u)
	}()

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Wait blocks until in-flight updates finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
