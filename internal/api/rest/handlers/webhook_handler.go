package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v78"

	"github.com/helioslabs/subscription-service/pkg/logger"
	"github.com/helioslabs/subscription-service/pkg/res"
)

// Stripe recommends rejecting webhook bodies above ~64kb.
const maxRequestBodySize = int64(65536)

// WebhookVerifier turns a raw payload plus signature header into a
// verified event.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

// EventProcessor applies a verified event to local state.
type EventProcessor interface {
	Process(ctx context.Context, event stripe.Event) error
}

// WebhookHandler receives payment provider webhooks.
type WebhookHandler struct {
	verifier  WebhookVerifier
	processor EventProcessor
	log       *logger.Logger
}

func NewWebhookHandler(verifier WebhookVerifier, processor EventProcessor, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, processor: processor, log: log}
}

// HandleStripeWebhook verifies the signature against the raw body and
// dispatches the event. A failed signature check rejects the request
// before any state is touched.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Errorw("Failed to read webhook request body", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Cannot read request body"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		h.log.Warnw("Missing Stripe-Signature header")
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Missing Stripe-Signature header"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, sigHeader)
	if err != nil {
		h.log.Errorw("Webhook signature verification failed", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Webhook signature verification failed"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	h.log.Infow("Received verified webhook event", "eventId", event.ID, "eventType", event.Type)

	if err := h.processor.Process(c.Request.Context(), event); err != nil {
		h.log.Errorw("Failed to process webhook event", "error", err, "eventId", event.ID, "eventType", event.Type)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to process event"}, http.StatusInternalServerError)
		c.Abort()
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
