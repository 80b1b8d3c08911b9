package quota

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
)

const (
	StatusNone       = "none"
	StatusTrial      = "trial"
	StatusSubscribed = "subscribed"
)

// AuthState is the cached projection of an APIKey row: just enough to decide
// the plan branch without a store round trip. The running request count is
// never part of it; that lives in the counter.
type AuthState struct {
	Status     string `json:"status"`
	TrialQuota *int   `json:"trial_quota"`
}

// StateStore is the TTL key/value slice of the cache backend.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// StateCache bounds plan-state staleness to its TTL. It is advisory: every
// operation degrades to a miss or a no-op on backend failure, because a
// missed invalidation must never affect correctness, only latency.
type StateCache struct {
	store  StateStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewStateCache(store StateStore, ttl time.Duration, logger *zap.Logger) *StateCache {
	return &StateCache{
		store:  store,
		ttl:    ttl,
		logger: logger.Named("StateCache"),
	}
}

func stateKey(hash string) string {
	return "auth:state:" + hash
}

// StateFromKey recomputes the authorization projection from a persisted row.
func StateFromKey(key *apikey.APIKey) AuthState {
	if key == nil || !key.IsActive() {
		zero := 0
		return AuthState{Status: StatusNone, TrialQuota: &zero}
	}
	if key.Plan == apikey.PlanTrial {
		quota := key.Quota()
		return AuthState{Status: StatusTrial, TrialQuota: &quota}
	}
	return AuthState{Status: StatusSubscribed}
}

func (c *StateCache) Get(ctx context.Context, hash string) (*AuthState, bool) {
	raw, found, err := c.store.Get(ctx, stateKey(hash))
	if err != nil {
		c.logger.Debug("State cache read failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var state AuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		c.logger.Warn("Corrupt cached state, treating as miss", zap.Error(err))
		return nil, false
	}
	return &state, true
}

func (c *StateCache) Put(ctx context.Context, hash string, state AuthState) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, stateKey(hash), raw, c.ttl); err != nil {
		c.logger.Debug("State cache write failed", zap.Error(err))
	}
}

func (c *StateCache) Invalidate(ctx context.Context, hash string) {
	if hash == "" {
		return
	}
	if err := c.store.Del(ctx, stateKey(hash)); err != nil {
		c.logger.Debug("State cache invalidation failed", zap.Error(err))
	}
}
