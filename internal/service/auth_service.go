package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/config"
	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/util"
)

// Access is the immutable authorization context attached to an admitted
// request. Downstream handlers must not re-authenticate.
type Access struct {
	KeyID    uuid.UUID
	TenantID string
	Plan     string
	Used     int64
	Quota    int
}

// AuthService decides accept/deny for every inbound credential and owns the
// verification order: fingerprint lookup first, then the bounded legacy
// prefix scan, then the optional static bypass.
type AuthService struct {
	repo    apikey.Repository
	cache   *quota.StateCache
	counter *quota.Counter
	cfg     config.AuthConfig
	logger  *zap.Logger
}

func NewAuthService(repo apikey.Repository, cache *quota.StateCache, counter *quota.Counter, cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	return &AuthService{
		repo:    repo,
		cache:   cache,
		counter: counter,
		cfg:     cfg,
		logger:  logger.Named("AuthService"),
	}
}

// Authenticate runs the full per-request decision: resolve the key, branch
// on plan, and for trials consume one unit of quota.
func (s *AuthService) Authenticate(ctx context.Context, rawToken string) (*Access, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, ierr.ErrMalformedCredential
	}

	key, err := s.resolveKey(ctx, token)
	if err != nil {
		return nil, err
	}

	if key == nil {
		if s.cfg.BypassToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BypassToken)) == 1 {
			// Development escape hatch: a synthetic, non-persistent
			// context. Disabled whenever the config leaves it empty.
			s.logger.Warn("Static bypass token admitted")
			return &Access{TenantID: "dev", Plan: apikey.PlanDemo}, nil
		}
		if !util.HasTokenShape(token) {
			return nil, ierr.ErrMalformedCredential
		}
		return nil, ierr.ErrInvalidKey
	}

	if !key.IsActive() {
		return nil, ierr.ErrRevokedKey
	}

	// Paid plans are unconditionally admitted once active. Any non-trial
	// plan counts as paid under this service's enforcement.
	if key.Plan != apikey.PlanTrial {
		return &Access{KeyID: key.ID, TenantID: key.TenantID, Plan: key.Plan}, nil
	}

	return s.consumeTrial(ctx, key)
}

// Verify resolves a raw token without consuming quota, for the public
// key-check endpoint and out-of-band tooling.
func (s *AuthService) Verify(ctx context.Context, rawToken string) (*apikey.APIKey, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" || !util.HasTokenShape(token) {
		return nil, ierr.ErrMalformedCredential
	}
	key, err := s.resolveKey(ctx, token)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ierr.ErrInvalidKey
	}
	if !key.IsActive() {
		return nil, ierr.ErrRevokedKey
	}
	return key, nil
}

// resolveKey maps a raw token to its row. Returns (nil, nil) when no row
// matches; a wrong suffix is indistinguishable from an unknown prefix so
// rejections leak nothing about prefix existence.
func (s *AuthService) resolveKey(ctx context.Context, token string) (*apikey.APIKey, error) {
	if !util.HasTokenShape(token) {
		return nil, nil
	}

	fingerprint := util.HashAPIKey(token)

	key, err := s.repo.FindByHash(ctx, fingerprint)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, apikey.ErrAPIKeyNotFound) {
		return nil, fmt.Errorf("%w: %v", ierr.ErrBackingUnavailable, err)
	}

	// Legacy path: rows minted before hashing exist only under their
	// prefix. Bounded scan, full-string comparison, short-circuit on match.
	candidates, err := s.repo.FindActiveByPrefix(ctx, util.SplitPrefix(token), s.cfg.PrefixScanLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrBackingUnavailable, err)
	}

	for _, candidate := range candidates {
		expected := candidate.KeyPrefix + candidate.Suffix
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			continue
		}
		if candidate.KeyHash == "" {
			// Self-healing migration: backfill the fingerprint once so
			// this row takes the O(1) path next time.
			if err := s.repo.BackfillHash(ctx, candidate.ID, fingerprint); err != nil {
				s.logger.Warn("Failed to backfill key hash", zap.String("id", candidate.ID.String()), zap.Error(err))
			}
			candidate.KeyHash = fingerprint
		}
		return candidate, nil
	}

	return nil, nil
}

func (s *AuthService) consumeTrial(ctx context.Context, key *apikey.APIKey) (*Access, error) {
	state, found := s.cache.Get(ctx, key.KeyHash)
	if !found {
		derived := quota.StateFromKey(key)
		state = &derived
		s.cache.Put(ctx, key.KeyHash, derived)
	}

	if state.Status != quota.StatusTrial {
		// Cached state disagrees with the trial row: invalidate so the
		// next request re-derives, and deny this one.
		s.cache.Invalidate(ctx, key.KeyHash)
		return nil, ierr.ErrAccessDenied
	}

	trialQuota := 0
	if state.TrialQuota != nil {
		trialQuota = *state.TrialQuota
	}
	if trialQuota <= 0 {
		return nil, ierr.ErrQuotaExhausted
	}

	dec, err := s.counter.Consume(ctx, key.KeyHash, trialQuota)
	if err != nil {
		if errors.Is(err, apikey.ErrAPIKeyNotFound) {
			return nil, ierr.ErrAccessDenied
		}
		return nil, err
	}
	if !dec.Allowed {
		return nil, ierr.ErrQuotaExhausted
	}

	return &Access{
		KeyID:    key.ID,
		TenantID: key.TenantID,
		Plan:     apikey.PlanTrial,
		Used:     dec.Used,
		Quota:    trialQuota,
	}, nil
}
