package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/middleware"
	"github.com/helioslabs/subscription-service/internal/subscription"
	"github.com/helioslabs/subscription-service/pkg/logger"
	"github.com/helioslabs/subscription-service/pkg/req"
	"github.com/helioslabs/subscription-service/pkg/res"
)

// SubscriptionHandler serves the user-facing subscription endpoints.
type SubscriptionHandler struct {
	service *subscription.Service
	log     *logger.Logger
}

// CreateCheckoutRequest matches the frontend payload. PriceID is
// accepted but the price is resolved from the plan catalog, never
// trusted from the client.
type CreateCheckoutRequest struct {
	PriceID    string `json:"priceId"`
	PlanID     string `json:"planId" validate:"required"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

func NewSubscriptionHandler(service *subscription.Service, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{service: service, log: log}
}

// GetCurrent returns the caller's subscription, creating the free tier
// row on first contact.
func (h *SubscriptionHandler) GetCurrent(c *gin.Context) {
	userKey, ok := contextUserKey(c)
	if !ok {
		return
	}
	email := c.GetString(string(middleware.ContextUserEmailKey))

	sub, err := h.service.Current(c.Request.Context(), userKey, email)
	if err != nil {
		h.log.Errorw("Failed to resolve current subscription", "error", err, "userKey", userKey)
		c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to load subscription"})
		return
	}

	c.JSON(http.StatusOK, sub)
}

// Cancel marks the caller's paid subscription cancelled. Access and
// credits survive until the end of the paid period.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	userKey, ok := contextUserKey(c)
	if !ok {
		return
	}

	sub, err := h.service.Cancel(c.Request.Context(), userKey)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSubscriptionNotFound):
			c.JSON(http.StatusNotFound, res.ErrorResponse{Error: "Subscription not found"})
		case errors.Is(err, domain.ErrCannotCancelFree):
			c.JSON(http.StatusBadRequest, res.ErrorResponse{Error: "Free subscription cannot be cancelled"})
		default:
			h.log.Errorw("Failed to cancel subscription", "error", err, "userKey", userKey)
			c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to cancel subscription"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Subscription cancelled",
		"end_date": sub.EndDate,
	})
}

// CreateCheckout opens a hosted checkout session for a paid plan.
func (h *SubscriptionHandler) CreateCheckout(c *gin.Context) {
	userKey, ok := contextUserKey(c)
	if !ok {
		return
	}
	userID := c.GetString(string(middleware.ContextUserIDKey))
	email := c.GetString(string(middleware.ContextUserEmailKey))

	body, err := req.DecodeValid[CreateCheckoutRequest](c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, res.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	url, err := h.service.CreateCheckout(c.Request.Context(), userKey, userID, email,
		body.PlanID, body.SuccessURL, body.CancelURL)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPlan) {
			c.JSON(http.StatusBadRequest, res.ErrorResponse{Error: "Unknown or non-purchasable plan"})
			return
		}
		h.log.Errorw("Failed to create checkout session", "error", err, "userKey", userKey)
		c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// GetPlans returns the static plan catalog.
func (h *SubscriptionHandler) GetPlans(c *gin.Context) {
	c.JSON(http.StatusOK, domain.AllPlans)
}
