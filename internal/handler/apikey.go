package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/handler/dto"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/service"
)

// APIKeyHandler is the admin surface for key lifecycle operations.
type APIKeyHandler struct {
	service *service.APIKeyService
	logger  *zap.Logger
}

func NewAPIKeyHandler(service *service.APIKeyService, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		service: service,
		logger:  logger.Named("APIKeyHandler"),
	}
}

func (h *APIKeyHandler) IssueTrial(c *gin.Context) {
	var req dto.IssueTrialKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind issue trial request", zap.Error(err))
		_ = c.Error(fmt.Errorf("%w: %v", ierr.ErrValidation, err))
		return
	}

	var tenantID *string
	if req.TenantID != "" {
		tenantID = &req.TenantID
	}

	raw, issued, err := h.service.IssueTrial(c.Request.Context(), req.UserID, tenantID, req.Quota)
	if err != nil {
		h.logger.Error("Service failed to issue trial key", zap.Error(err))
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if !issued {
		status = http.StatusOK
	}
	c.JSON(status, dto.IssueKeyResponse{Issued: issued, FullKey: raw})
}

func (h *APIKeyHandler) RevokeAll(c *gin.Context) {
	var req dto.RevokeKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", ierr.ErrValidation, err))
		return
	}

	var revoked int64
	var err error
	switch {
	case req.UserID != nil:
		revoked, err = h.service.RevokeAllForUser(c.Request.Context(), *req.UserID)
	case req.CustomerID != "":
		revoked, err = h.service.RevokeAllForCustomer(c.Request.Context(), req.CustomerID)
	default:
		_ = c.Error(fmt.Errorf("%w: user_id or customer_id required", ierr.ErrValidation))
		return
	}
	if err != nil {
		h.logger.Error("Service failed to revoke keys", zap.Error(err))
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.RevokeKeysResponse{Revoked: revoked})
}

func (h *APIKeyHandler) ResetUsage(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: invalid user id format", ierr.ErrValidation))
		return
	}

	if err := h.service.ResetUsage(c.Request.Context(), userID); err != nil {
		h.logger.Error("Service failed to reset usage", zap.String("user_id", userID.String()), zap.Error(err))
		_ = c.Error(err)
		return
	}

	h.logger.Info("Usage reset via handler", zap.String("user_id", userID.String()))
	c.Status(http.StatusNoContent)
}

func (h *APIKeyHandler) GetForUser(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		_ = c.Error(fmt.Errorf("%w: invalid user id format", ierr.ErrValidation))
		return
	}

	key, err := h.service.ActiveKeyInfo(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.APIKeyInfoResponse{
		KeyPrefix:  key.KeyPrefix,
		Plan:       key.Plan,
		Status:     key.Status,
		TrialQuota: key.TrialQuota,
		UsedReqs:   key.UsedReqs,
		LastUsedAt: key.LastUsedAt,
		CreatedAt:  key.CreatedAt,
		RevokedAt:  key.RevokedAt,
	})
}
