package service_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/domain/user"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/service"
	"github.com/contentgrid/billing-service-api/internal/storage/memstorage"
	"github.com/contentgrid/billing-service-api/internal/util"
)

type keyFixture struct {
	repo    *memstorage.APIKeyRepositoryMock
	users   *memstorage.UserDirectoryMock
	cache   *quota.StateCache
	counter *quota.Counter
	keys    *service.APIKeyService
	auth    *service.AuthService
}

func newKeyFixture(t *testing.T) *keyFixture {
	t.Helper()

	cfg := defaultAuthConfig()
	logger := zap.NewNop()
	repo := memstorage.NewAPIKeyRepositoryMock()
	users := memstorage.NewUserDirectoryMock()
	counters := memstorage.NewCounterStoreMock()
	states := memstorage.NewStateStoreMock()
	cache := quota.NewStateCache(states, cfg.StateTTL, logger)

	fast := quota.NewFastPath(counters, repo, cache, cfg.FlushEvery, cfg.CounterTTL, logger)
	fallback := quota.NewFallbackPath(repo, cache, logger)
	counter := quota.NewCounter(fast, fallback, counters, logger)

	return &keyFixture{
		repo:    repo,
		users:   users,
		cache:   cache,
		counter: counter,
		keys:    service.NewAPIKeyService(repo, users, cache, counter, cfg, logger),
		auth:    service.NewAuthService(repo, cache, counter, cfg, logger),
	}
}

func TestAPIKeyServiceIssueTrial(t *testing.T) {
	ctx := context.Background()

	t.Run("mints an active trial key with the default quota", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()

		raw, issued, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		require.True(t, issued)
		assert.True(t, strings.HasPrefix(raw, util.TokenMarker))

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanTrial, key.Plan)
		assert.Equal(t, apikey.StatusActive, key.Status)
		require.NotNil(t, key.TrialQuota)
		assert.Equal(t, 10, *key.TrialQuota)
		assert.Equal(t, util.HashAPIKey(raw), key.KeyHash)
	})

	t.Run("quota override wins over the default", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()
		override := 3

		_, issued, err := f.keys.IssueTrial(ctx, userID, nil, &override)
		require.NoError(t, err)
		require.True(t, issued)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, key.TrialQuota)
		assert.Equal(t, 3, *key.TrialQuota)
	})

	t.Run("idempotent while an active key exists", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()

		_, issued, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		require.True(t, issued)

		raw, issued, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		assert.False(t, issued)
		assert.Empty(t, raw)
	})

	t.Run("re-issues after revocation", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()

		_, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		_, err = f.keys.RevokeAllForUser(ctx, userID)
		require.NoError(t, err)

		_, issued, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		assert.True(t, issued)
	})

	t.Run("tenant id falls back to the owner id", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()
		tenant := "team-42"

		// An owner id always wins over an explicit tenant hint.
		_, _, err := f.keys.IssueTrial(ctx, userID, &tenant, nil)
		require.NoError(t, err)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, userID.String(), key.TenantID)
	})
}

func TestAPIKeyServiceUpgradeToPaid(t *testing.T) {
	ctx := context.Background()

	t.Run("rotation revokes the trial key and mints a paid one", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()

		oldRaw, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		oldKey, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)

		newRaw, err := f.keys.UpgradeToPaid(ctx, service.UpgradeParams{
			UserID:     &userID,
			CustomerID: "cus_123",
			Rotate:     true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, newRaw)
		assert.NotEqual(t, oldRaw, newRaw)

		// Exactly one active key remains, paid, quota-free, customer-linked.
		active, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, active.Plan)
		assert.Nil(t, active.TrialQuota)
		require.NotNil(t, active.CustomerID)
		assert.Equal(t, "cus_123", *active.CustomerID)

		revoked, ok := f.repo.Get(oldKey.ID)
		require.True(t, ok)
		assert.Equal(t, apikey.StatusRevoked, revoked.Status)
		assert.NotNil(t, revoked.RevokedAt)

		// The old token no longer authenticates; the new one does.
		_, err = f.auth.Authenticate(ctx, oldRaw)
		assert.ErrorIs(t, err, ierr.ErrRevokedKey)
		access, err := f.auth.Authenticate(ctx, newRaw)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, access.Plan)
	})

	t.Run("in-place switch keeps the token and drops the quota", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()

		raw, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)

		newRaw, err := f.keys.UpgradeToPaid(ctx, service.UpgradeParams{
			UserID: &userID,
			Rotate: false,
		})
		require.NoError(t, err)
		assert.Empty(t, newRaw, "no key is minted on an in-place switch")

		access, err := f.auth.Authenticate(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, access.Plan)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Nil(t, key.TrialQuota)
	})

	t.Run("resolves the owner by customer id", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()
		customerID := "cus_777"
		f.users.Add(user.User{ID: userID, Email: "owner@example.com", CustomerID: &customerID})

		_, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)

		newRaw, err := f.keys.UpgradeToPaid(ctx, service.UpgradeParams{
			CustomerID: customerID,
			Rotate:     true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, newRaw)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, key.Plan)
	})

	t.Run("resolves the owner by email when the customer is unknown", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()
		f.users.Add(user.User{ID: userID, Email: "Owner@Example.com"})

		_, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)

		_, err = f.keys.UpgradeToPaid(ctx, service.UpgradeParams{
			CustomerID: "cus_unmapped",
			Email:      "owner@example.com",
			Rotate:     false,
		})
		require.NoError(t, err)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, key.Plan)
	})

	t.Run("unmapped customer still flips customer-linked keys", func(t *testing.T) {
		f := newKeyFixture(t)
		customerID := "cus_no_user"

		// Key linked only by customer id, no owner row anywhere.
		trialQuota := 10
		f.repo.Put(&apikey.APIKey{
			ID:         uuid.New(),
			KeyPrefix:  "cg_live_abcdefgh",
			KeyHash:    util.HashAPIKey("cg_live_abcdefghrest"),
			Suffix:     "rest",
			TenantID:   customerID,
			Plan:       apikey.PlanTrial,
			Status:     apikey.StatusActive,
			CustomerID: &customerID,
			TrialQuota: &trialQuota,
		})

		newRaw, err := f.keys.UpgradeToPaid(ctx, service.UpgradeParams{
			CustomerID: customerID,
			Rotate:     true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, newRaw)

		summary, err := f.keys.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), summary.ActivePaid)
		assert.Equal(t, int64(1), summary.Revoked)
	})

	t.Run("no owner and no customer id is a validation error", func(t *testing.T) {
		f := newKeyFixture(t)

		_, err := f.keys.UpgradeToPaid(ctx, service.UpgradeParams{
			Email:  "nobody@example.com",
			Rotate: true,
		})
		assert.ErrorIs(t, err, ierr.ErrValidation)
	})
}

func TestAPIKeyServiceRevokeAndReset(t *testing.T) {
	ctx := context.Background()

	t.Run("revoking without active keys affects nothing", func(t *testing.T) {
		f := newKeyFixture(t)

		n, err := f.keys.RevokeAllForUser(ctx, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("reset clears the row, the live counter and the cached state", func(t *testing.T) {
		f := newKeyFixture(t)
		userID := uuid.New()

		raw, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err := f.auth.Authenticate(ctx, raw)
			require.NoError(t, err)
		}

		require.NoError(t, f.keys.ResetUsage(ctx, userID))

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Zero(t, key.UsedReqs)
		assert.Nil(t, key.LastUsedAt)

		_, found, err := f.counter.Snapshot(ctx, key.KeyHash)
		require.NoError(t, err)
		assert.False(t, found)

		// Quota is fully available again.
		access, err := f.auth.Authenticate(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, int64(1), access.Used)
	})

	t.Run("reset without an active key reports not found", func(t *testing.T) {
		f := newKeyFixture(t)

		err := f.keys.ResetUsage(ctx, uuid.New())
		assert.ErrorIs(t, err, ierr.ErrNotFound)
	})
}

func TestAPIKeyServiceSummary(t *testing.T) {
	ctx := context.Background()
	f := newKeyFixture(t)

	trialUser := uuid.New()
	raw, _, err := f.keys.IssueTrial(ctx, trialUser, nil, nil)
	require.NoError(t, err)

	paidUser := uuid.New()
	_, _, err = f.keys.IssueTrial(ctx, paidUser, nil, nil)
	require.NoError(t, err)
	_, err = f.keys.UpgradeToPaid(ctx, service.UpgradeParams{UserID: &paidUser, Rotate: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.auth.Authenticate(ctx, raw)
		require.NoError(t, err)
	}

	summary, err := f.keys.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ActiveTrial)
	assert.Equal(t, int64(1), summary.ActivePaid)
	assert.Equal(t, int64(1), summary.Revoked)
}
