package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/service"
)

const (
	authorizationHeader   = "Authorization"
	bearerPrefix          = "Bearer "
	adminClaimsContextKey = "adminClaims"
)

// bearerToken extracts the credential from the Authorization header.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader(authorizationHeader)
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// AdminAuthMiddleware guards the operator endpoints with the admin JWT.
func AdminAuthMiddleware(adminService *service.AdminAuthService, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("AdminAuthMiddleware")
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			log.Debug("Authorization header missing or malformed")
			_ = c.Error(fmt.Errorf("%w: bearer token required", ierr.ErrUnauthorized))
			c.Abort()
			return
		}

		claims, err := adminService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			log.Warn("Admin token validation failed", zap.Error(err))
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(adminClaimsContextKey, claims)
		c.Next()
	}
}

// GetAdminClaims returns the validated admin claims, or nil outside an
// admin route.
func GetAdminClaims(c *gin.Context) *jwt.RegisteredClaims {
	value, exists := c.Get(adminClaimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*jwt.RegisteredClaims)
	if !ok {
		return nil
	}
	return claims
}
