package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/helioslabs/subscription-service/internal/credits"
	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/middleware"
	"github.com/helioslabs/subscription-service/pkg/logger"
	"github.com/helioslabs/subscription-service/pkg/req"
	"github.com/helioslabs/subscription-service/pkg/res"
)

const upgradeRedirect = "/pricing"

// CreditsHandler serves balance reads, credit consumption and history.
type CreditsHandler struct {
	engine *credits.Engine
	guard  *credits.Guard
	subs   SubscriptionReader
	ledger LedgerReader
	log    *logger.Logger
}

// SubscriptionReader is the read surface the credit endpoints need.
type SubscriptionReader interface {
	GetByUserKey(ctx context.Context, userKey uuid.UUID) (*domain.Subscription, error)
}

// LedgerReader lists recent ledger entries for a subscription.
type LedgerReader interface {
	Entries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]domain.CreditLedgerEntry, error)
}

// defaultOperation labels usage requests that do not name the feature
// consuming the credits.
const defaultOperation = "AI_OPERATION"

type UseCreditsRequest struct {
	Amount      int    `json:"amount" validate:"required,gt=0"`
	Operation   string `json:"operation" validate:"max=100"`
	Description string `json:"description" validate:"max=500"`
}

func NewCreditsHandler(engine *credits.Engine, guard *credits.Guard, subs SubscriptionReader, ledger LedgerReader, log *logger.Logger) *CreditsHandler {
	return &CreditsHandler{engine: engine, guard: guard, subs: subs, ledger: ledger, log: log}
}

// GetBalance returns the caller's current credit balance.
func (h *CreditsHandler) GetBalance(c *gin.Context) {
	userKey, ok := contextUserKey(c)
	if !ok {
		return
	}

	sub, err := h.subs.GetByUserKey(c.Request.Context(), userKey)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, res.ErrorResponse{Error: "Subscription not found"})
			return
		}
		h.log.Errorw("Failed to load subscription for balance", "error", err, "userKey", userKey)
		c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, domain.CreditBalance{
		CreditsRemaining: sub.CreditsRemaining,
		CreditsLimit:     sub.CreditsLimit,
		PlanID:           sub.PlanID,
	})
}

// UseCredits checks access and debits the requested amount.
func (h *CreditsHandler) UseCredits(c *gin.Context) {
	userKey, ok := contextUserKey(c)
	if !ok {
		return
	}

	body, err := req.DecodeValid[UseCreditsRequest](c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, res.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	operation := body.Operation
	if operation == "" {
		operation = defaultOperation
	}
	description := body.Description
	if description == "" {
		description = fmt.Sprintf("Credit usage for %s", operation)
	}

	check := h.guard.CheckCredits(c.Request.Context(), userKey, operation, body.Amount)
	if !check.HasCredits {
		h.denyInsufficient(c, check.RequiresUpgrade)
		return
	}

	balance, err := h.engine.Apply(c.Request.Context(), domain.CreditOperation{
		SubscriptionID: check.SubscriptionID,
		Amount:         body.Amount,
		Operation:      domain.CreditOpUse,
		Description:    description,
	})
	if err != nil {
		// A concurrent debit can drain the balance between the check
		// and the apply.
		if errors.Is(err, domain.ErrInsufficientCredits) {
			h.denyInsufficient(c, false)
			return
		}
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, res.ErrorResponse{Error: "Subscription not found"})
			return
		}
		h.log.Errorw("Failed to apply credit operation", "error", err, "userKey", userKey)
		c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to use credits"})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// GetHistory returns the caller's most recent ledger entries.
func (h *CreditsHandler) GetHistory(c *gin.Context) {
	userKey, ok := contextUserKey(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, res.ErrorResponse{Error: "limit must be between 1 and 200"})
			return
		}
		limit = parsed
	}

	sub, err := h.subs.GetByUserKey(c.Request.Context(), userKey)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, res.ErrorResponse{Error: "Subscription not found"})
			return
		}
		h.log.Errorw("Failed to load subscription for history", "error", err, "userKey", userKey)
		c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to load history"})
		return
	}

	entries, err := h.ledger.Entries(c.Request.Context(), sub.ID, limit)
	if err != nil {
		h.log.Errorw("Failed to load credit history", "error", err, "subscriptionId", sub.ID)
		c.JSON(http.StatusInternalServerError, res.ErrorResponse{Error: "Failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *CreditsHandler) denyInsufficient(c *gin.Context, requiresUpgrade bool) {
	c.JSON(http.StatusForbidden, res.ErrorResponse{
		Error:           "Insufficient credits",
		RequiresUpgrade: requiresUpgrade,
		RedirectTo:      upgradeRedirect,
	})
}

// contextUserKey pulls the derived user key set by the auth middleware.
func contextUserKey(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get(string(middleware.ContextUserKeyKey))
	if !exists {
		c.JSON(http.StatusUnauthorized, res.ErrorResponse{Error: "Unauthenticated"})
		c.Abort()
		return uuid.Nil, false
	}
	key, ok := value.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusUnauthorized, res.ErrorResponse{Error: "Unauthenticated"})
		c.Abort()
		return uuid.Nil, false
	}
	return key, true
}
