package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/contentgrid/billing-service-api/internal/config"
	"github.com/contentgrid/billing-service-api/internal/ierr"
)

// AdminAuthService guards the operator surface: issue, list, revoke and
// reset are behind a short-lived JWT obtained with the configured admin
// credentials.
type AdminAuthService struct {
	cfg    config.AdminConfig
	logger *zap.Logger
}

func NewAdminAuthService(cfg config.AdminConfig, logger *zap.Logger) *AdminAuthService {
	return &AdminAuthService{
		cfg:    cfg,
		logger: logger.Named("AdminAuthService"),
	}
}

func (s *AdminAuthService) Login(ctx context.Context, username, password string) (string, error) {
	if s.cfg.Username == "" || s.cfg.PasswordHash == "" || s.cfg.JWTSecret == "" {
		s.logger.Warn("Admin login attempted but admin credentials are not configured")
		return "", ierr.ErrInvalidCredentials
	}

	if subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) != 1 {
		// Run the bcrypt comparison anyway to keep timing uniform.
		_ = bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(password))
		return "", ierr.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(password)); err != nil {
		return "", ierr.ErrInvalidCredentials
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    "billing-service-api",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		s.logger.Error("Failed to sign admin token", zap.Error(err))
		return "", fmt.Errorf("%w: signing admin token: %v", ierr.ErrInternalServer, err)
	}

	return signed, nil
}

func (s *AdminAuthService) ValidateToken(ctx context.Context, rawToken string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithIssuer("billing-service-api"), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ierr.ErrInvalidToken, err)
	}
	return claims, nil
}
