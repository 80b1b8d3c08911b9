package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/event"
	"github.com/contentgrid/billing-service-api/internal/handler/dto"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/service"
)

const (
	eventKindUserCreated        = "user.created"
	eventKindSubscriptionActive = "subscription.active"
)

// BillingHandler exposes the public key check and the two collaborator
// event endpoints that drive plan transitions.
type BillingHandler struct {
	authService *service.AuthService
	keyService  *service.APIKeyService
	events      event.Log
	logger      *zap.Logger
}

func NewBillingHandler(authService *service.AuthService, keyService *service.APIKeyService, events event.Log, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{
		authService: authService,
		keyService:  keyService,
		events:      events,
		logger:      logger.Named("BillingHandler"),
	}
}

// VerifyKey checks a raw token without consuming quota. The response never
// distinguishes unknown keys from wrong suffixes.
func (h *BillingHandler) VerifyKey(c *gin.Context) {
	var req dto.VerifyKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnauthorized, dto.VerifyKeyResponse{OK: false})
		return
	}

	key, err := h.authService.Verify(c.Request.Context(), req.Key)
	if err != nil {
		c.JSON(http.StatusUnauthorized, dto.VerifyKeyResponse{OK: false})
		return
	}

	c.JSON(http.StatusOK, dto.VerifyKeyResponse{
		OK:        true,
		Plan:      key.Plan,
		KeyPrefix: key.KeyPrefix,
	})
}

// UserCreated handles the accounts collaborator signal: a brand-new user
// gets a trial key. Idempotent twice over: by event id and by the
// one-active-key-per-owner rule.
func (h *BillingHandler) UserCreated(c *gin.Context) {
	var evt dto.UserCreatedEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", ierr.ErrValidation, err))
		return
	}

	fresh, err := h.events.Record(c.Request.Context(), evt.EventID, eventKindUserCreated)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, dto.EventAccepted{Applied: false})
		return
	}

	raw, issued, err := h.keyService.IssueTrial(c.Request.Context(), evt.UserID, nil, nil)
	if err != nil {
		h.logger.Error("Failed to issue trial key for new user", zap.String("user_id", evt.UserID.String()), zap.Error(err))
		h.releaseEvent(c, evt.EventID)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.EventAccepted{Applied: issued, FullKey: raw})
}

// SubscriptionActive handles the payments collaborator signal: the owner
// flips to paid, rotating the key unless the event opts out.
func (h *BillingHandler) SubscriptionActive(c *gin.Context) {
	var evt dto.SubscriptionActiveEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", ierr.ErrValidation, err))
		return
	}
	if evt.UserID == nil && evt.CustomerID == "" && evt.Email == "" {
		_ = c.Error(fmt.Errorf("%w: user_id, customer_id or email required", ierr.ErrValidation))
		return
	}

	fresh, err := h.events.Record(c.Request.Context(), evt.EventID, eventKindSubscriptionActive)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !fresh {
		c.JSON(http.StatusOK, dto.EventAccepted{Applied: false})
		return
	}

	rotate := true
	if evt.Rotate != nil {
		rotate = *evt.Rotate
	}

	raw, err := h.keyService.UpgradeToPaid(c.Request.Context(), service.UpgradeParams{
		UserID:     evt.UserID,
		CustomerID: evt.CustomerID,
		Email:      evt.Email,
		Rotate:     rotate,
	})
	if err != nil {
		h.logger.Error("Failed to process subscription activation", zap.String("event_id", evt.EventID), zap.Error(err))
		h.releaseEvent(c, evt.EventID)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.EventAccepted{Applied: true, FullKey: raw})
}

// releaseEvent frees an event id after its transition failed. The event log
// only dedupes deliveries whose transition committed; a failed one must stay
// retryable.
func (h *BillingHandler) releaseEvent(c *gin.Context, eventID string) {
	if err := h.events.Forget(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to release event after failed transition", zap.String("event_id", eventID), zap.Error(err))
	}
}
