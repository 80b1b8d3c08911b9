package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/handler/dto"
	"github.com/contentgrid/billing-service-api/internal/service"
)

type DashboardHandler struct {
	keyService *service.APIKeyService
	logger     *zap.Logger
}

func NewDashboardHandler(keyService *service.APIKeyService, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{
		keyService: keyService,
		logger:     logger.Named("DashboardHandler"),
	}
}

func (h *DashboardHandler) GetSummary(c *gin.Context) {
	summary, err := h.keyService.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get key summary from service", zap.Error(err))
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.DashboardSummaryResponse{
		ActiveTrialKeys:   summary.ActiveTrial,
		ActivePaidKeys:    summary.ActivePaid,
		RevokedKeys:       summary.Revoked,
		TotalUsedRequests: summary.UsedRequests,
		TrialExceededKeys: summary.TrialExceeded,
	})
}
