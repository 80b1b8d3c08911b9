package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/storage/memstorage"
)

func TestStateCache(t *testing.T) {
	ctx := context.Background()
	newCache := func() (*quota.StateCache, *memstorage.StateStoreMock) {
		store := memstorage.NewStateStoreMock()
		return quota.NewStateCache(store, 10*time.Minute, zap.NewNop()), store
	}

	t.Run("roundtrip", func(t *testing.T) {
		cache, _ := newCache()
		trialQuota := 10

		cache.Put(ctx, "hash-1", quota.AuthState{Status: quota.StatusTrial, TrialQuota: &trialQuota})

		state, found := cache.Get(ctx, "hash-1")
		require.True(t, found)
		assert.Equal(t, quota.StatusTrial, state.Status)
		require.NotNil(t, state.TrialQuota)
		assert.Equal(t, 10, *state.TrialQuota)
	})

	t.Run("miss on unknown hash", func(t *testing.T) {
		cache, _ := newCache()

		_, found := cache.Get(ctx, "never-written")
		assert.False(t, found)
	})

	t.Run("invalidate removes the entry", func(t *testing.T) {
		cache, _ := newCache()

		cache.Put(ctx, "hash-2", quota.AuthState{Status: quota.StatusSubscribed})
		cache.Invalidate(ctx, "hash-2")

		_, found := cache.Get(ctx, "hash-2")
		assert.False(t, found)
	})

	t.Run("backend outage degrades to a miss", func(t *testing.T) {
		cache, store := newCache()

		cache.Put(ctx, "hash-3", quota.AuthState{Status: quota.StatusSubscribed})
		store.SetDown(true)

		_, found := cache.Get(ctx, "hash-3")
		assert.False(t, found)

		// Writes and invalidations are silently dropped too.
		cache.Put(ctx, "hash-4", quota.AuthState{Status: quota.StatusNone})
		cache.Invalidate(ctx, "hash-3")
	})
}

func TestStateFromKey(t *testing.T) {
	trialQuota := 7
	now := time.Now().UTC()

	t.Run("missing key projects to none with zero quota", func(t *testing.T) {
		state := quota.StateFromKey(nil)
		assert.Equal(t, quota.StatusNone, state.Status)
		require.NotNil(t, state.TrialQuota)
		assert.Equal(t, 0, *state.TrialQuota)
	})

	t.Run("revoked key projects to none", func(t *testing.T) {
		state := quota.StateFromKey(&apikey.APIKey{
			Plan:      apikey.PlanTrial,
			Status:    apikey.StatusRevoked,
			RevokedAt: &now,
		})
		assert.Equal(t, quota.StatusNone, state.Status)
	})

	t.Run("active trial carries its quota", func(t *testing.T) {
		state := quota.StateFromKey(&apikey.APIKey{
			Plan:       apikey.PlanTrial,
			Status:     apikey.StatusActive,
			TrialQuota: &trialQuota,
		})
		assert.Equal(t, quota.StatusTrial, state.Status)
		require.NotNil(t, state.TrialQuota)
		assert.Equal(t, 7, *state.TrialQuota)
	})

	t.Run("active paid plan projects to subscribed", func(t *testing.T) {
		state := quota.StateFromKey(&apikey.APIKey{
			Plan:   apikey.PlanPro,
			Status: apikey.StatusActive,
		})
		assert.Equal(t, quota.StatusSubscribed, state.Status)
		assert.Nil(t, state.TrialQuota)
	})
}
