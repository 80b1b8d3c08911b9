package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/config"
	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/domain/user"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/metrics"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/util"
)

// APIKeyService drives the plan lifecycle: trial issuance, paid upgrades,
// revocation and usage resets. It is invoked by the payments collaborator
// endpoints and the admin surface, never by the request path.
type APIKeyService struct {
	repo    apikey.Repository
	users   user.Directory
	cache   *quota.StateCache
	counter *quota.Counter
	cfg     config.AuthConfig
	logger  *zap.Logger
}

func NewAPIKeyService(repo apikey.Repository, users user.Directory, cache *quota.StateCache, counter *quota.Counter, cfg config.AuthConfig, logger *zap.Logger) *APIKeyService {
	return &APIKeyService{
		repo:    repo,
		users:   users,
		cache:   cache,
		counter: counter,
		cfg:     cfg,
		logger:  logger.Named("APIKeyService"),
	}
}

// UpgradeParams identifies the owner of a paid upgrade. UserID wins; absent
// that the customer id resolves the owner, then the email as a last resort.
type UpgradeParams struct {
	UserID     *uuid.UUID
	CustomerID string
	Email      string
	Rotate     bool
}

// IssueTrial mints an active trial key for a new owner. Idempotent: when the
// owner already holds an active key nothing is issued. The raw token is
// returned once and never again.
func (s *APIKeyService) IssueTrial(ctx context.Context, userID uuid.UUID, tenantID *string, quotaOverride *int) (string, bool, error) {
	_, err := s.repo.FindActiveByUser(ctx, userID)
	if err == nil {
		s.logger.Info("Trial key not issued; active key already exists", zap.String("user_id", userID.String()))
		return "", false, nil
	}
	if !errors.Is(err, apikey.ErrAPIKeyNotFound) {
		return "", false, fmt.Errorf("checking existing keys: %w", err)
	}

	trialQuota := s.cfg.TrialQuota
	if quotaOverride != nil {
		trialQuota = *quotaOverride
	}

	raw, _, err := s.mintKey(ctx, &userID, apikey.PlanTrial, tenantID, nil, &trialQuota)
	if err != nil {
		return "", false, err
	}

	s.logger.Info("Trial key issued", zap.String("user_id", userID.String()), zap.Int("quota", trialQuota))
	return raw, true, nil
}

// UpgradeToPaid flips an owner to the pro plan. With rotation (the default
// from webhooks) every previously active key is revoked and a fresh paid key
// is minted; without it the active keys switch plan in place and keep their
// tokens, losing only the quota.
func (s *APIKeyService) UpgradeToPaid(ctx context.Context, p UpgradeParams) (string, error) {
	ownerID, err := s.resolveOwner(ctx, p)
	if err != nil {
		return "", err
	}

	if ownerID == nil {
		return s.upgradeByCustomer(ctx, p)
	}

	// Invalidate the cached state of the key being replaced; TTL would
	// bound the staleness anyway, this just shortens the window.
	if old, err := s.repo.FindActiveByUser(ctx, *ownerID); err == nil && old.KeyHash != "" {
		defer s.cache.Invalidate(ctx, old.KeyHash)
	}

	var customerID *string
	if p.CustomerID != "" {
		customerID = &p.CustomerID
	}

	if !p.Rotate {
		n, err := s.repo.SwitchPlanByUser(ctx, *ownerID, apikey.PlanPro, customerID)
		if err != nil {
			return "", err
		}
		s.logger.Info("Switched plan in place", zap.String("user_id", ownerID.String()), zap.Int64("keys", n))
		return "", nil
	}

	if _, err := s.repo.RevokeAllActiveByUser(ctx, *ownerID, time.Now().UTC()); err != nil {
		return "", err
	}

	raw, _, err := s.mintKey(ctx, ownerID, apikey.PlanPro, nil, customerID, nil)
	if err != nil {
		return "", err
	}
	s.logger.Info("Rotated to paid key", zap.String("user_id", ownerID.String()))
	return raw, nil
}

// upgradeByCustomer covers webhooks for customers with no mapped user row:
// keys linked to the customer id still flip to paid.
func (s *APIKeyService) upgradeByCustomer(ctx context.Context, p UpgradeParams) (string, error) {
	if p.CustomerID == "" {
		return "", fmt.Errorf("%w: upgrade target has no user or customer id", ierr.ErrValidation)
	}

	if !p.Rotate {
		if _, err := s.repo.SwitchPlanByCustomer(ctx, p.CustomerID, apikey.PlanPro); err != nil {
			return "", err
		}
		return "", nil
	}

	if _, err := s.repo.RevokeAllActiveByCustomer(ctx, p.CustomerID, time.Now().UTC()); err != nil {
		return "", err
	}

	raw, _, err := s.mintKey(ctx, nil, apikey.PlanPro, nil, &p.CustomerID, nil)
	if err != nil {
		return "", err
	}
	s.logger.Info("Rotated to paid key for unmapped customer", zap.String("customer_id", p.CustomerID))
	return raw, nil
}

// RevokeAllForUser is idempotent: revoking an owner with no active keys
// affects zero rows and is not an error.
func (s *APIKeyService) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	if old, err := s.repo.FindActiveByUser(ctx, userID); err == nil && old.KeyHash != "" {
		defer s.cache.Invalidate(ctx, old.KeyHash)
	}
	return s.repo.RevokeAllActiveByUser(ctx, userID, time.Now().UTC())
}

func (s *APIKeyService) RevokeAllForCustomer(ctx context.Context, customerID string) (int64, error) {
	return s.repo.RevokeAllActiveByCustomer(ctx, customerID, time.Now().UTC())
}

// ResetUsage zeroes the persisted counter and clears the live counter and
// cached state, so a stale accelerator cannot re-revoke the reset key.
func (s *APIKeyService) ResetUsage(ctx context.Context, userID uuid.UUID) error {
	key, err := s.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apikey.ErrAPIKeyNotFound) {
			return fmt.Errorf("%w: no active key for user", ierr.ErrNotFound)
		}
		return err
	}

	if _, err := s.repo.ResetUsage(ctx, key.KeyHash); err != nil {
		return err
	}
	if err := s.counter.Reset(ctx, key.KeyHash); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, key.KeyHash)

	s.logger.Info("Usage reset", zap.String("user_id", userID.String()), zap.String("prefix", key.KeyPrefix))
	return nil
}

// ActiveKeyInfo returns the active key row for operator views; the caller
// must only surface prefix, plan, status, usage and timestamps.
func (s *APIKeyService) ActiveKeyInfo(ctx context.Context, userID uuid.UUID) (*apikey.APIKey, error) {
	key, err := s.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apikey.ErrAPIKeyNotFound) {
			return nil, fmt.Errorf("%w: no active key for user", ierr.ErrNotFound)
		}
		return nil, err
	}
	return key, nil
}

func (s *APIKeyService) Summary(ctx context.Context) (*apikey.Summary, error) {
	return s.repo.Summary(ctx)
}

func (s *APIKeyService) resolveOwner(ctx context.Context, p UpgradeParams) (*uuid.UUID, error) {
	if p.UserID != nil {
		return p.UserID, nil
	}

	if p.CustomerID != "" {
		u, err := s.users.FindByCustomerID(ctx, p.CustomerID)
		if err == nil {
			return &u.ID, nil
		}
		if !errors.Is(err, user.ErrUserNotFound) {
			return nil, err
		}
	}

	if p.Email != "" {
		u, err := s.users.FindByEmail(ctx, p.Email)
		if err == nil {
			return &u.ID, nil
		}
		if !errors.Is(err, user.ErrUserNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// mintKey generates a token and persists its row; the fingerprint is
// computed eagerly so the fast lookup path works from the first request.
func (s *APIKeyService) mintKey(ctx context.Context, userID *uuid.UUID, plan string, tenantID *string, customerID *string, trialQuota *int) (string, *apikey.APIKey, error) {
	fullKey, prefix, suffix, keyHash, err := util.GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed generating key: %v", ierr.ErrInternalServer, err)
	}

	newKey := &apikey.APIKey{
		UserID:     userID,
		KeyPrefix:  prefix,
		KeyHash:    keyHash,
		Suffix:     suffix,
		TenantID:   deriveTenant(userID, tenantID, customerID),
		Plan:       plan,
		Status:     apikey.StatusActive,
		CustomerID: customerID,
		TrialQuota: trialQuota,
	}

	insertedID, err := s.repo.Create(ctx, newKey)
	if err != nil {
		return "", nil, fmt.Errorf("repository error creating api key: %w", err)
	}
	newKey.ID = insertedID

	metrics.KeysIssuedTotal.WithLabelValues(plan).Inc()
	return fullKey, newKey, nil
}

// deriveTenant picks a stable tenant id: owner id first, then the explicit
// tenant, then the payment customer id, then "anon".
func deriveTenant(userID *uuid.UUID, tenantID *string, customerID *string) string {
	if userID != nil {
		return userID.String()
	}
	if tenantID != nil && *tenantID != "" {
		return *tenantID
	}
	if customerID != nil && *customerID != "" {
		return *customerID
	}
	return "anon"
}
