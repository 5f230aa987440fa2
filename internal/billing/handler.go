package billing

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/logging"
)

// MaxPayloadBytes caps the webhook body read. Stripe events are well under it.
const MaxPayloadBytes = 64 << 10

// SignatureHeader carries the provider's signature.
const SignatureHeader = "Stripe-Signature"

// EventProcessor is the part of Processor the handler needs.
type EventProcessor interface {
	Process(ctx context.Context, payload []byte, sigHeader string) (Result, error)
}

// Handler serves the payment provider webhook.
type Handler struct {
	processor EventProcessor
}

// NewHandler creates a webhook handler.
func NewHandler(processor EventProcessor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes mounts the webhook under r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// StripeWebhook handles POST /webhooks/stripe.
func (h *Handler) StripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "could not read body"})
		return
	}
	if len(payload) > MaxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "webhook body too large"})
		return
	}

	res, err := h.processor.Process(ctx, payload, c.GetHeader(SignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		log.Warn("rejected billing webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	case err != nil:
		// Not recorded as seen; let the provider redeliver.
		log.Error("billing webhook not recorded", "event_id", res.EventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "event not recorded"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
