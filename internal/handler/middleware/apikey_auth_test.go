package middleware_test

import (
	"context"
	"encoding/json"
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
	"github.com/contentgrid/billing-service-api/internal/handler/middleware"
	"github.com/contentgrid/billing-service-api/internal/quota"
	"github.com/contentgrid/billing-service-api/internal/service"
	"github.com/contentgrid/billing-service-api/internal/storage/memstorage"
	"github.com/contentgrid/billing-service-api/internal/util"
)

type routerFixture struct {
	repo   *memstorage.APIKeyRepositoryMock
	router *gin.Engine
}

func newRouterFixture(t *testing.T) *routerFixture {
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
	counters := memstorage.NewCounterStoreMock()
	states := memstorage.NewStateStoreMock()
	cache := quota.NewStateCache(states, cfg.StateTTL, logger)
	fast := quota.NewFastPath(counters, repo, cache, cfg.FlushEvery, cfg.CounterTTL, logger)
	fallback := quota.NewFallbackPath(repo, cache, logger)
	counter := quota.NewCounter(fast, fallback, counters, logger)
	auth := service.NewAuthService(repo, cache, counter, cfg, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	protected := router.Group("/", middleware.APIKeyAuthMiddleware(auth, logger))
	protected.GET("/ping", func(c *gin.Context) {
		access := middleware.GetAccess(c)
		require.NotNil(t, access)
		c.JSON(http.StatusOK, gin.H{"tenant_id": access.TenantID, "plan": access.Plan})
	})

	return &routerFixture{repo: repo, router: router}
}

func (f *routerFixture) get(authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func seedTrialToken(t *testing.T, repo *memstorage.APIKeyRepositoryMock, quotaVal int) string {
	t.Helper()

	fullKey, prefix, suffix, keyHash, err := util.GenerateAPIKey()
	require.NoError(t, err)

	userID := uuid.New()
	_, err = repo.Create(context.Background(), &apikey.APIKey{
		UserID:     &userID,
		KeyPrefix:  prefix,
		KeyHash:    keyHash,
		Suffix:     suffix,
		TenantID:   userID.String(),
		Plan:       apikey.PlanTrial,
		Status:     apikey.StatusActive,
		TrialQuota: &quotaVal,
	})
	require.NoError(t, err)
	return fullKey
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	t.Run("missing header is unauthorized", func(t *testing.T) {
		f := newRouterFixture(t)

		w := f.get("")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "MALFORMED_CREDENTIAL", errorCode(t, w))
	})

	t.Run("non-bearer scheme is unauthorized", func(t *testing.T) {
		f := newRouterFixture(t)

		w := f.get("Basic dXNlcjpwYXNz")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "MALFORMED_CREDENTIAL", errorCode(t, w))
	})

	t.Run("unknown key is unauthorized", func(t *testing.T) {
		f := newRouterFixture(t)

		unknown, _, _, _, err := util.GenerateAPIKey()
		require.NoError(t, err)

		w := f.get("Bearer " + unknown)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "INVALID_KEY", errorCode(t, w))
	})

	t.Run("valid trial key is admitted with its context", func(t *testing.T) {
		f := newRouterFixture(t)
		token := seedTrialToken(t, f.repo, 10)

		w := f.get("Bearer " + token)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			TenantID string `json:"tenant_id"`
			Plan     string `json:"plan"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, apikey.PlanTrial, body.Plan)
		assert.NotEmpty(t, body.TenantID)
	})

	t.Run("exhausted quota is 429 then 401 once revoked", func(t *testing.T) {
		f := newRouterFixture(t)
		token := seedTrialToken(t, f.repo, 2)

		for i := 0; i < 2; i++ {
			w := f.get("Bearer " + token)
			require.Equal(t, http.StatusOK, w.Code)
		}

		w := f.get("Bearer " + token)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "QUOTA_EXHAUSTED", errorCode(t, w))

		w = f.get("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "KEY_REVOKED", errorCode(t, w))
	})
}
