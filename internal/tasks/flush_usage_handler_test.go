package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/storage/memstorage"
	"github.com/contentgrid/billing-service-api/internal/tasks"
	"github.com/contentgrid/billing-service-api/internal/util"
)

type sweepFixture struct {
	repo     *memstorage.APIKeyRepositoryMock
	counters *memstorage.CounterStoreMock
	counter  *quota.Counter
	handler  *tasks.UsageFlushHandler
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	logger := zap.NewNop()
	repo := memstorage.NewAPIKeyRepositoryMock()
	counters := memstorage.NewCounterStoreMock()
	states := memstorage.NewStateStoreMock()
	cache := quota.NewStateCache(states, 10*time.Minute, logger)

	fast := quota.NewFastPath(counters, repo, cache, 10, time.Hour, logger)
	fallback := quota.NewFallbackPath(repo, cache, logger)
	counter := quota.NewCounter(fast, fallback, counters, logger)

	return &sweepFixture{
		repo:     repo,
		counters: counters,
		counter:  counter,
		handler:  tasks.NewUsageFlushHandler(repo, counter, 1000, logger),
	}
}

func seedTrial(t *testing.T, repo *memstorage.APIKeyRepositoryMock, quotaVal int) (uuid.UUID, string) {
	t.Helper()

	_, prefix, suffix, keyHash, err := util.GenerateAPIKey()
	require.NoError(t, err)

	id, err := repo.Create(context.Background(), &apikey.APIKey{
		KeyPrefix:  prefix,
		KeyHash:    keyHash,
		Suffix:     suffix,
		TenantID:   "tenant-1",
		Plan:       apikey.PlanTrial,
		Status:     apikey.StatusActive,
		TrialQuota: &quotaVal,
	})
	require.NoError(t, err)
	return id, keyHash
}

func TestUsageFlushHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("persists live counter values to the rows", func(t *testing.T) {
		f := newSweepFixture(t)
		id, hash := seedTrial(t, f.repo, 100)

		// Consume inside the flush window so the row is stale on purpose.
		for i := 0; i < 4; i++ {
			dec, err := f.counter.Consume(ctx, hash, 100)
			require.NoError(t, err)
			require.True(t, dec.Allowed)
		}
		row, ok := f.repo.Get(id)
		require.True(t, ok)
		require.Zero(t, row.UsedReqs)

		task, err := tasks.NewUsageFlushTask()
		require.NoError(t, err)
		require.NoError(t, f.handler.ProcessTask(ctx, task))

		row, ok = f.repo.Get(id)
		require.True(t, ok)
		assert.Equal(t, int64(4), row.UsedReqs)
	})

	t.Run("skips keys without a live counter", func(t *testing.T) {
		f := newSweepFixture(t)
		id, _ := seedTrial(t, f.repo, 100)

		task, err := tasks.NewUsageFlushTask()
		require.NoError(t, err)
		require.NoError(t, f.handler.ProcessTask(ctx, task))

		row, ok := f.repo.Get(id)
		require.True(t, ok)
		assert.Zero(t, row.UsedReqs)
	})

	t.Run("fails when the counter backend is down so asynq retries", func(t *testing.T) {
		f := newSweepFixture(t)
		_, hash := seedTrial(t, f.repo, 100)

		_, err := f.counter.Consume(ctx, hash, 100)
		require.NoError(t, err)
		f.counters.SetDown(true)

		task, err := tasks.NewUsageFlushTask()
		require.NoError(t, err)
		assert.Error(t, f.handler.ProcessTask(ctx, task))
	})

	t.Run("rejects foreign task types", func(t *testing.T) {
		f := newSweepFixture(t)

		assert.Error(t, f.handler.ProcessTask(ctx, asynq.NewTask("other:task", nil)))
	})
}
