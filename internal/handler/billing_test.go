package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/config"
	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/handler"
	"github.com/contentgrid/billing-service-api/internal/handler/middleware"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/service"
	"github.com/contentgrid/billing-service-api/internal/storage/memstorage"
)

// flakyKeyRepo fails its first failures inserts, simulating transient store
// errors during event processing.
type flakyKeyRepo struct {
	apikey.Repository
	failures int
}

func (r *flakyKeyRepo) Create(ctx context.Context, key *apikey.APIKey) (uuid.UUID, error) {
	if r.failures > 0 {
		r.failures--
		return uuid.Nil, errors.New("db error creating api key: connection reset by peer")
	}
	return r.Repository.Create(ctx, key)
}

type billingFixture struct {
	repo   *memstorage.APIKeyRepositoryMock
	flaky  *flakyKeyRepo
	events *memstorage.EventLogMock
	keys   *service.APIKeyService
	router *gin.Engine
}

func newBillingFixture(t *testing.T, createFailures int) *billingFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.AuthConfig{
		TrialQuota:      10,
		StateTTL:        10 * time.Minute,
		FlushEvery:      10,
		CounterTTL:      time.Hour,
		PrefixScanLimit: 20,
	}

	logger := zap.NewNop()
	repo := memstorage.NewAPIKeyRepositoryMock()
	flaky := &flakyKeyRepo{Repository: repo, failures: createFailures}
	users := memstorage.NewUserDirectoryMock()
	events := memstorage.NewEventLogMock()
	counters := memstorage.NewCounterStoreMock()
	states := memstorage.NewStateStoreMock()
	cache := quota.NewStateCache(states, cfg.StateTTL, logger)
	fast := quota.NewFastPath(counters, flaky, cache, cfg.FlushEvery, cfg.CounterTTL, logger)
	fallback := quota.NewFallbackPath(flaky, cache, logger)
	counter := quota.NewCounter(fast, fallback, counters, logger)

	authService := service.NewAuthService(flaky, cache, counter, cfg, logger)
	keyService := service.NewAPIKeyService(flaky, users, cache, counter, cfg, logger)
	billingHandler := handler.NewBillingHandler(authService, keyService, events, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	router.POST("/internal/v1/events/user-created", billingHandler.UserCreated)
	router.POST("/internal/v1/events/subscription-active", billingHandler.SubscriptionActive)

	return &billingFixture{
		repo:   repo,
		flaky:  flaky,
		events: events,
		keys:   keyService,
		router: router,
	}
}

func (f *billingFixture) post(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeAccepted(t *testing.T, w *httptest.ResponseRecorder) (bool, string) {
	t.Helper()
	var body struct {
		Applied bool   `json:"applied"`
		FullKey string `json:"full_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Applied, body.FullKey
}

func TestBillingHandlerUserCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a trial key for a fresh event", func(t *testing.T) {
		f := newBillingFixture(t, 0)
		userID := uuid.New()

		w := f.post(t, "/internal/v1/events/user-created", gin.H{
			"event_id": "evt_1",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusOK, w.Code)

		applied, fullKey := decodeAccepted(t, w)
		assert.True(t, applied)
		assert.NotEmpty(t, fullKey)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanTrial, key.Plan)
	})

	t.Run("duplicate delivery acks without reissuing", func(t *testing.T) {
		f := newBillingFixture(t, 0)
		userID := uuid.New()

		w := f.post(t, "/internal/v1/events/user-created", gin.H{
			"event_id": "evt_dup",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusOK, w.Code)

		w = f.post(t, "/internal/v1/events/user-created", gin.H{
			"event_id": "evt_dup",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusOK, w.Code)

		applied, fullKey := decodeAccepted(t, w)
		assert.False(t, applied)
		assert.Empty(t, fullKey)
	})

	t.Run("failed transition stays retryable on redelivery", func(t *testing.T) {
		f := newBillingFixture(t, 1)
		userID := uuid.New()

		// First delivery hits a transient store error: 500, and the event id
		// must not be burned.
		w := f.post(t, "/internal/v1/events/user-created", gin.H{
			"event_id": "evt_retry",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusInternalServerError, w.Code)

		_, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.Error(t, err)

		// The collaborator redelivers the same event id; the transition must
		// apply this time, not ack as a duplicate.
		w = f.post(t, "/internal/v1/events/user-created", gin.H{
			"event_id": "evt_retry",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusOK, w.Code)

		applied, fullKey := decodeAccepted(t, w)
		assert.True(t, applied)
		assert.NotEmpty(t, fullKey)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanTrial, key.Plan)
	})
}

func TestBillingHandlerSubscriptionActive(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrades and rotates on a fresh event", func(t *testing.T) {
		f := newBillingFixture(t, 0)
		userID := uuid.New()

		_, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)

		w := f.post(t, "/internal/v1/events/subscription-active", gin.H{
			"event_id": "evt_sub_1",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusOK, w.Code)

		applied, fullKey := decodeAccepted(t, w)
		assert.True(t, applied)
		assert.NotEmpty(t, fullKey)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, key.Plan)
	})

	t.Run("failed upgrade stays retryable on redelivery", func(t *testing.T) {
		f := newBillingFixture(t, 0)
		userID := uuid.New()

		_, _, err := f.keys.IssueTrial(ctx, userID, nil, nil)
		require.NoError(t, err)
		// The transient failure hits the rotation mint, after the old key is
		// already revoked.
		f.flaky.failures = 1

		w := f.post(t, "/internal/v1/events/subscription-active", gin.H{
			"event_id": "evt_sub_retry",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusInternalServerError, w.Code)

		w = f.post(t, "/internal/v1/events/subscription-active", gin.H{
			"event_id": "evt_sub_retry",
			"user_id":  userID,
		})
		require.Equal(t, http.StatusOK, w.Code)

		applied, fullKey := decodeAccepted(t, w)
		assert.True(t, applied)
		assert.NotEmpty(t, fullKey)

		key, err := f.keys.ActiveKeyInfo(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, apikey.PlanPro, key.Plan)
	})

	t.Run("rejects an event with no owner reference", func(t *testing.T) {
		f := newBillingFixture(t, 0)

		w := f.post(t, "/internal/v1/events/subscription-active", gin.H{
			"event_id": "evt_sub_bad",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
