package apikey

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// Summary is the per-plan/status breakdown surfaced to operators.
type Summary struct {
	ActiveTrial   int64
	ActivePaid    int64
	Revoked       int64
	UsedRequests  int64
	TrialExceeded int64
}

// Repository is the durable key store. All conditional writes are single
// atomic statements; implementations report whether any row was affected so
// callers never assume success under concurrent transitions.
type Repository interface {
	Create(ctx context.Context, key *APIKey) (uuid.UUID, error)

	FindByHash(ctx context.Context, hash string) (*APIKey, error)
	// FindActiveByPrefix returns active candidates newest first, capped at
	// limit, for legacy verification by full-string comparison.
	FindActiveByPrefix(ctx context.Context, prefix string, limit int) ([]*APIKey, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*APIKey, error)

	// BackfillHash sets key_hash on a legacy row that predates hashing.
	// No-op if the row already carries a hash.
	BackfillHash(ctx context.Context, id uuid.UUID, hash string) error

	// UpdateUsage persists a counter snapshot WHERE status is still active.
	UpdateUsage(ctx context.Context, hash string, used int64, at time.Time) (bool, error)
	// RevokeExceeded transitions the row to revoked recording the overshoot
	// count. Returns false if the row was already revoked.
	RevokeExceeded(ctx context.Context, hash string, used int64, at time.Time) (bool, error)
	// ResetUsage zeroes the persisted counter on an active row.
	ResetUsage(ctx context.Context, hash string) (bool, error)

	RevokeAllActiveByUser(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	RevokeAllActiveByCustomer(ctx context.Context, customerID string, at time.Time) (int64, error)
	// SwitchPlanByUser flips active keys to the given plan in place,
	// clearing the trial quota. Used for non-rotating upgrades.
	SwitchPlanByUser(ctx context.Context, userID uuid.UUID, plan string, customerID *string) (int64, error)
	SwitchPlanByCustomer(ctx context.Context, customerID string, plan string) (int64, error)

	// ConsumeTrialLocked is the quota fallback: one transaction that locks
	// the row, compares used_requests to quota, then increments or revokes.
	// Returns (allowed, newUsed). ErrAPIKeyNotFound if the row is gone,
	// revoked or no longer a trial.
	ConsumeTrialLocked(ctx context.Context, hash string, quota int) (bool, int64, error)

	// ListActiveTrialHashes feeds the periodic counter flush sweep.
	ListActiveTrialHashes(ctx context.Context, limit int) ([]string, error)

	Summary(ctx context.Context) (*Summary, error)
}
