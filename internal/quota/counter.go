package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/ierr"
	"github.com/contentgrid/billing-service-api/internal/metrics"
)

// CounterStore is the distributed atomic counter slice of the cache backend.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	// SetIfGreater raises the counter to at least value, atomically, and
	// returns the resulting count. Used to re-seed a cold counter from the
	// persisted usage snapshot.
	SetIfGreater(ctx context.Context, key string, value int64) (int64, error)
	Get(ctx context.Context, key string) (int64, bool, error)
	Touch(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Decision is the outcome of consuming one trial request.
type Decision struct {
	Allowed bool
	Used    int64
}

// Path consumes exactly one trial request against a key's quota.
type Path interface {
	Consume(ctx context.Context, hash string, quota int) (Decision, error)
}

func countKey(hash string) string {
	return "auth:count:" + hash
}

// FastPath enforces the quota with a distributed atomic increment. The
// counter service serializes increments per key, so concurrent callers see a
// total order of used values. Every flushEvery-th admitted request persists
// the snapshot; the window of undercounted persisted state this leaves is an
// accepted throughput tradeoff.
type FastPath struct {
	counters   CounterStore
	repo       apikey.Repository
	cache      *StateCache
	flushEvery int
	counterTTL time.Duration
	logger     *zap.Logger
}

func NewFastPath(counters CounterStore, repo apikey.Repository, cache *StateCache, flushEvery int, counterTTL time.Duration, logger *zap.Logger) *FastPath {
	if flushEvery < 1 {
		flushEvery = 1
	}
	return &FastPath{
		counters:   counters,
		repo:       repo,
		cache:      cache,
		flushEvery: flushEvery,
		counterTTL: counterTTL,
		logger:     logger.Named("QuotaFastPath"),
	}
}

var _ Path = (*FastPath)(nil)

func (p *FastPath) Consume(ctx context.Context, hash string, quota int) (Decision, error) {
	used, err := p.counters.Incr(ctx, countKey(hash))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: counter increment failed: %v", ierr.ErrBackingUnavailable, err)
	}

	// A count of 1 means the counter is cold: either the first request ever,
	// or the counter expired or was evicted. The persisted snapshot is
	// authoritative then, so the count restarts from it rather than granting
	// a fresh quota. Under-enforcement after an eviction is bounded by the
	// unflushed tail, at most flushEvery-1 requests.
	if used == 1 {
		used, err = p.reseed(ctx, hash)
		if err != nil {
			return Decision{}, err
		}
	}

	// Refresh the idle TTL independently of the increment so active keys
	// never expire mid-use. Best effort: a failed touch only shortens how
	// long an idle counter lingers.
	if err := p.counters.Touch(ctx, countKey(hash), p.counterTTL); err != nil {
		p.logger.Debug("Failed to refresh counter TTL", zap.Error(err))
	}

	if used <= int64(quota) {
		if used%int64(p.flushEvery) == 0 {
			if _, err := p.repo.UpdateUsage(ctx, hash, used, time.Now().UTC()); err != nil {
				p.logger.Warn("Failed to flush usage snapshot", zap.Error(err))
			}
		}
		return Decision{Allowed: true, Used: used}, nil
	}

	// The overshooting request is itself denied: the quota means at most
	// quota admitted requests ever, not quota+1.
	if _, err := p.repo.RevokeExceeded(ctx, hash, used, time.Now().UTC()); err != nil {
		p.logger.Error("Failed to revoke exhausted key", zap.Error(err))
	}
	p.cache.Invalidate(ctx, hash)
	return Decision{Allowed: false, Used: used}, nil
}

// reseed restores a cold counter from the row's persisted used_requests.
// Returns the count this request should be judged against.
func (p *FastPath) reseed(ctx context.Context, hash string) (int64, error) {
	key, err := p.repo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, apikey.ErrAPIKeyNotFound) {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: reading usage snapshot: %v", ierr.ErrBackingUnavailable, err)
	}
	if key.UsedReqs == 0 {
		return 1, nil
	}

	seeded, err := p.counters.SetIfGreater(ctx, countKey(hash), key.UsedReqs+1)
	if err != nil {
		return 0, fmt.Errorf("%w: reseeding counter: %v", ierr.ErrBackingUnavailable, err)
	}
	p.logger.Info("Re-seeded cold counter from persisted snapshot",
		zap.Int64("snapshot", key.UsedReqs),
		zap.Int64("count", seeded),
	)
	return seeded, nil
}

// FallbackPath serializes concurrent callers on a row-level lock when the
// counter service is unavailable. Strictly slower, identical admit/deny
// outcomes for the same persisted state.
type FallbackPath struct {
	repo       apikey.Repository
	cache      *StateCache
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewFallbackPath(repo apikey.Repository, cache *StateCache, logger *zap.Logger) *FallbackPath {
	return &FallbackPath{
		repo:       repo,
		cache:      cache,
		retryDelay: 100 * time.Millisecond,
		logger:     logger.Named("QuotaFallbackPath"),
	}
}

var _ Path = (*FallbackPath)(nil)

func (p *FallbackPath) Consume(ctx context.Context, hash string, quota int) (Decision, error) {
	allowed, used, err := p.repo.ConsumeTrialLocked(ctx, hash, quota)
	if err != nil && !errors.Is(err, apikey.ErrAPIKeyNotFound) {
		// One retry for transient store errors; rejection reasons are
		// definitive and never retried.
		p.logger.Warn("Fallback trial consume failed, retrying once", zap.Error(err))
		select {
		case <-ctx.Done():
			return Decision{}, fmt.Errorf("%w: %v", ierr.ErrBackingUnavailable, ctx.Err())
		case <-time.After(p.retryDelay):
		}
		allowed, used, err = p.repo.ConsumeTrialLocked(ctx, hash, quota)
	}
	if err != nil {
		if errors.Is(err, apikey.ErrAPIKeyNotFound) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("%w: fallback consume failed: %v", ierr.ErrBackingUnavailable, err)
	}
	if !allowed {
		p.cache.Invalidate(ctx, hash)
	}
	return Decision{Allowed: allowed, Used: used}, nil
}

// Counter is the two-tier quota enforcer: one availability probe selects the
// fast or the fallback path for the whole request. There is no cross-path
// ordering guarantee while the counter service flaps; that weak point is
// documented and accepted.
type Counter struct {
	fast         Path
	fallback     Path
	counters     CounterStore
	probeTimeout time.Duration
	logger       *zap.Logger
}

func NewCounter(fast Path, fallback Path, counters CounterStore, logger *zap.Logger) *Counter {
	return &Counter{
		fast:         fast,
		fallback:     fallback,
		counters:     counters,
		probeTimeout: 500 * time.Millisecond,
		logger:       logger.Named("QuotaCounter"),
	}
}

func (c *Counter) Consume(ctx context.Context, hash string, quota int) (Decision, error) {
	if quota <= 0 {
		return Decision{Allowed: false}, nil
	}

	if c.available(ctx) {
		metrics.QuotaPathTotal.WithLabelValues("fast").Inc()
		dec, err := c.fast.Consume(ctx, hash, quota)
		if err == nil || !errors.Is(err, ierr.ErrBackingUnavailable) {
			return dec, err
		}
		c.logger.Warn("Fast path failed after probe, degrading to fallback", zap.Error(err))
	}

	metrics.QuotaPathTotal.WithLabelValues("fallback").Inc()
	return c.fallback.Consume(ctx, hash, quota)
}

// Snapshot reads the live counter value without consuming, for the periodic
// flush sweep. found is false when the counter expired or was never seeded.
func (c *Counter) Snapshot(ctx context.Context, hash string) (int64, bool, error) {
	return c.counters.Get(ctx, countKey(hash))
}

// Reset clears the live counter and the cached state so a stale counter
// cannot re-revoke a freshly reset key. The persisted row is reset by the
// caller in the same operation.
func (c *Counter) Reset(ctx context.Context, hash string) error {
	if err := c.counters.Del(ctx, countKey(hash)); err != nil {
		return fmt.Errorf("%w: counter reset failed: %v", ierr.ErrBackingUnavailable, err)
	}
	return nil
}

func (c *Counter) available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return c.counters.Ping(probeCtx) == nil
}
