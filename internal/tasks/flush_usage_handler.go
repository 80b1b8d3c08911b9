package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/quota"
)

// UsageFlushHandler periodically sweeps live counter values into the
// persisted used_requests snapshots. The amortized per-request flush only
// fires on every FLUSH_EVERY-th request, so a key that stops mid-window
// would otherwise keep a stale snapshot until its counter expires.
type UsageFlushHandler struct {
	repo       apikey.Repository
	counter    *quota.Counter
	sweepLimit int
	logger     *zap.Logger
}

func NewUsageFlushHandler(repo apikey.Repository, counter *quota.Counter, sweepLimit int, logger *zap.Logger) *UsageFlushHandler {
	return &UsageFlushHandler{
		repo:       repo,
		counter:    counter,
		sweepLimit: sweepLimit,
		logger:     logger.Named("UsageFlushHandler"),
	}
}

func (h *UsageFlushHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeUsageFlush {
		return fmt.Errorf("unexpected task type: %s", t.Type())
	}

	var p UsageFlushPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error("Failed to unmarshal usage flush payload", zap.Error(err), zap.ByteString("payload", t.Payload()))
		return fmt.Errorf("invalid payload: %v", err)
	}

	hashes, err := h.repo.ListActiveTrialHashes(ctx, h.sweepLimit)
	if err != nil {
		return fmt.Errorf("listing trial keys for flush sweep: %w", err)
	}

	flushed := 0
	for _, hash := range hashes {
		used, found, err := h.counter.Snapshot(ctx, hash)
		if err != nil {
			// The counter backend is down; the sweep is pointless until
			// it returns. asynq retries the task later.
			return fmt.Errorf("reading counter snapshot: %w", err)
		}
		if !found {
			continue
		}
		if _, err := h.repo.UpdateUsage(ctx, hash, used, time.Now().UTC()); err != nil {
			h.logger.Warn("Failed to flush counter snapshot", zap.Error(err))
			continue
		}
		flushed++
	}

	h.logger.Info("Usage flush sweep finished", zap.Int("candidates", len(hashes)), zap.Int("flushed", flushed))
	return nil
}
