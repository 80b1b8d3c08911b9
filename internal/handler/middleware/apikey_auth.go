package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/metrics"
	"github.com/contentgrid/billing-service-api/internal/service"
)

const accessContextKey = "apiKeyAccess"

// APIKeyAuthMiddleware authenticates the bearer credential on protected
// routes and attaches the resulting authorization context. Handlers behind
// it must not re-authenticate.
func APIKeyAuthMiddleware(authService *service.AuthService, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("APIKeyAuthMiddleware")
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			log.Debug("Missing or malformed Authorization header")
			metrics.AuthDecisionsTotal.WithLabelValues("deny", rejectionReason(ierr.ErrMalformedCredential)).Inc()
			_ = c.Error(ierr.ErrMalformedCredential)
			c.Abort()
			return
		}

		access, err := authService.Authenticate(c.Request.Context(), token)
		if err != nil {
			log.Debug("API key rejected", zap.String("reason", rejectionReason(err)))
			metrics.AuthDecisionsTotal.WithLabelValues("deny", rejectionReason(err)).Inc()
			_ = c.Error(err)
			c.Abort()
			return
		}

		metrics.AuthDecisionsTotal.WithLabelValues("admit", "admit").Inc()
		c.Set(accessContextKey, access)
		c.Next()
	}
}

// GetAccess returns the authorization context set by APIKeyAuthMiddleware,
// or nil outside a protected route.
func GetAccess(c *gin.Context) *service.Access {
	value, exists := c.Get(accessContextKey)
	if !exists {
		return nil
	}
	access, ok := value.(*service.Access)
	if !ok {
		return nil
	}
	return access
}

// rejectionReason maps a deny error to its stable reason code, for metrics
// labels and response bodies.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ierr.ErrMalformedCredential):
		return "malformed_credential"
	case errors.Is(err, ierr.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ierr.ErrRevokedKey):
		return "key_revoked"
	case errors.Is(err, ierr.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, ierr.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ierr.ErrBackingUnavailable):
		return "backing_unavailable"
	default:
		return "internal_error"
	}
}
