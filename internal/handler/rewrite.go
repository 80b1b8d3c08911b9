package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/handler/middleware"
	"github.com/contentgrid/billing-service-api/internal/ierr"
)

// RewriteHandler stands in for the downstream content feature. It consumes
// the authorization context attached by the API key middleware and performs
// no authentication of its own.
type RewriteHandler struct {
	logger *zap.Logger
}

func NewRewriteHandler(logger *zap.Logger) *RewriteHandler {
	return &RewriteHandler{logger: logger.Named("RewriteHandler")}
}

type rewriteRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *RewriteHandler) Rewrite(c *gin.Context) {
	access := middleware.GetAccess(c)
	if access == nil {
		_ = c.Error(ierr.ErrUnauthorized)
		return
	}

	var req rewriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(ierr.ErrValidation)
		return
	}

	h.logger.Debug("Serving rewrite request",
		zap.String("tenant_id", access.TenantID),
		zap.String("plan", access.Plan),
	)

	resp := gin.H{
		"tenant_id": access.TenantID,
		"plan":      access.Plan,
		"result":    req.Text,
	}
	if access.Quota > 0 {
		resp["used"] = access.Used
		resp["quota"] = access.Quota
	}
	c.JSON(http.StatusOK, resp)
}
