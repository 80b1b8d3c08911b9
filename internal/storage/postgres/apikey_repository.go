package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
)

const apiKeyColumns = `
	id, user_id, key_prefix, key_hash, suffix, tenant_id, plan, status,
	customer_id, trial_quota, used_requests, last_used_at, created_at, revoked_at
`

type APIKeyRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAPIKeyRepository(db *pgxpool.Pool, logger *zap.Logger) *APIKeyRepository {
	return &APIKeyRepository{
		db:     db,
		logger: logger.Named("APIKeyRepository"),
	}
}

var _ apikey.Repository = (*APIKeyRepository)(nil)

func scanAPIKey(row pgx.Row) (*apikey.APIKey, error) {
	var key apikey.APIKey
	err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.KeyPrefix,
		&key.KeyHash,
		&key.Suffix,
		&key.TenantID,
		&key.Plan,
		&key.Status,
		&key.CustomerID,
		&key.TrialQuota,
		&key.UsedReqs,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, key *apikey.APIKey) (uuid.UUID, error) {
	query := `
		INSERT INTO api_keys (
			user_id, key_prefix, key_hash, suffix, tenant_id, plan, status,
			customer_id, trial_quota, used_requests
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING id
	`
	var insertedID uuid.UUID
	err := r.db.QueryRow(ctx, query,
		key.UserID,
		key.KeyPrefix,
		key.KeyHash,
		key.Suffix,
		key.TenantID,
		key.Plan,
		key.Status,
		key.CustomerID,
		key.TrialQuota,
	).Scan(&insertedID)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Warn("Failed to create API key due to unique constraint violation",
				zap.String("constraint", pgErr.ConstraintName),
				zap.String("prefix", key.KeyPrefix),
			)
			return uuid.Nil, fmt.Errorf("api key constraint violation (%s)", pgErr.ConstraintName)
		}
		r.logger.Error("Failed to create api key in database", zap.Error(err))
		return uuid.Nil, fmt.Errorf("db error creating api key: %w", err)
	}

	r.logger.Info("API key created", zap.String("id", insertedID.String()), zap.String("prefix", key.KeyPrefix))
	return insertedID, nil
}

func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*apikey.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`

	key, err := scanAPIKey(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apikey.ErrAPIKeyNotFound
		}
		r.logger.Error("Failed to find api key by hash", zap.Error(err))
		return nil, fmt.Errorf("db error finding api key by hash: %w", err)
	}
	return key, nil
}

func (r *APIKeyRepository) FindActiveByPrefix(ctx context.Context, prefix string, limit int) ([]*apikey.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE key_prefix = $1 AND status = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, prefix, apikey.StatusActive, limit)
	if err != nil {
		r.logger.Error("Failed to query api keys by prefix", zap.String("prefix", prefix), zap.Error(err))
		return nil, fmt.Errorf("db error finding api keys by prefix: %w", err)
	}
	defer rows.Close()

	keys := make([]*apikey.APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("db error scanning api key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error iterating api key rows: %w", err)
	}
	return keys, nil
}

func (r *APIKeyRepository) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*apikey.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE user_id = $1 AND status = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	key, err := scanAPIKey(r.db.QueryRow(ctx, query, userID, apikey.StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apikey.ErrAPIKeyNotFound
		}
		r.logger.Error("Failed to find active api key by user", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, fmt.Errorf("db error finding active api key: %w", err)
	}
	return key, nil
}

func (r *APIKeyRepository) BackfillHash(ctx context.Context, id uuid.UUID, hash string) error {
	query := `UPDATE api_keys SET key_hash = $1 WHERE id = $2 AND (key_hash IS NULL OR key_hash = '')`
	if _, err := r.db.Exec(ctx, query, hash, id); err != nil {
		r.logger.Error("Failed to backfill key hash", zap.String("id", id.String()), zap.Error(err))
		return fmt.Errorf("db error backfilling key hash: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) UpdateUsage(ctx context.Context, hash string, used int64, at time.Time) (bool, error) {
	query := `
		UPDATE api_keys SET used_requests = $1, last_used_at = $2
		WHERE key_hash = $3 AND status = $4
	`
	cmdTag, err := r.db.Exec(ctx, query, used, at, hash, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to flush usage snapshot", zap.Error(err))
		return false, fmt.Errorf("db error updating usage: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func (r *APIKeyRepository) RevokeExceeded(ctx context.Context, hash string, used int64, at time.Time) (bool, error) {
	query := `
		UPDATE api_keys SET status = $1, revoked_at = $2, used_requests = $3
		WHERE key_hash = $4 AND status = $5
	`
	cmdTag, err := r.db.Exec(ctx, query, apikey.StatusRevoked, at, used, hash, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to revoke exceeded api key", zap.Error(err))
		return false, fmt.Errorf("db error revoking api key: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func (r *APIKeyRepository) ResetUsage(ctx context.Context, hash string) (bool, error) {
	query := `
		UPDATE api_keys SET used_requests = 0, last_used_at = NULL
		WHERE key_hash = $1 AND status = $2
	`
	cmdTag, err := r.db.Exec(ctx, query, hash, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to reset usage", zap.Error(err))
		return false, fmt.Errorf("db error resetting usage: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func (r *APIKeyRepository) RevokeAllActiveByUser(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	query := `
		UPDATE api_keys SET status = $1, revoked_at = $2
		WHERE user_id = $3 AND status = $4 AND revoked_at IS NULL
	`
	cmdTag, err := r.db.Exec(ctx, query, apikey.StatusRevoked, at, userID, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to revoke keys by user", zap.String("user_id", userID.String()), zap.Error(err))
		return 0, fmt.Errorf("db error revoking keys by user: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

func (r *APIKeyRepository) RevokeAllActiveByCustomer(ctx context.Context, customerID string, at time.Time) (int64, error) {
	query := `
		UPDATE api_keys SET status = $1, revoked_at = $2
		WHERE customer_id = $3 AND status = $4 AND revoked_at IS NULL
	`
	cmdTag, err := r.db.Exec(ctx, query, apikey.StatusRevoked, at, customerID, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to revoke keys by customer", zap.String("customer_id", customerID), zap.Error(err))
		return 0, fmt.Errorf("db error revoking keys by customer: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

func (r *APIKeyRepository) SwitchPlanByUser(ctx context.Context, userID uuid.UUID, plan string, customerID *string) (int64, error) {
	query := `
		UPDATE api_keys SET plan = $1, trial_quota = NULL, customer_id = COALESCE($2, customer_id)
		WHERE user_id = $3 AND status = $4 AND revoked_at IS NULL
	`
	cmdTag, err := r.db.Exec(ctx, query, plan, customerID, userID, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to switch plan by user", zap.String("user_id", userID.String()), zap.Error(err))
		return 0, fmt.Errorf("db error switching plan: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

func (r *APIKeyRepository) SwitchPlanByCustomer(ctx context.Context, customerID string, plan string) (int64, error) {
	query := `
		UPDATE api_keys SET plan = $1, trial_quota = NULL
		WHERE customer_id = $2 AND status = $3 AND revoked_at IS NULL
	`
	cmdTag, err := r.db.Exec(ctx, query, plan, customerID, apikey.StatusActive)
	if err != nil {
		r.logger.Error("Failed to switch plan by customer", zap.String("customer_id", customerID), zap.Error(err))
		return 0, fmt.Errorf("db error switching plan: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// ConsumeTrialLocked serializes concurrent fallback callers on a row-level
// exclusive lock. Admit/deny outcomes match the counter fast path for the
// same persisted state.
func (r *APIKeyRepository) ConsumeTrialLocked(ctx context.Context, hash string, quota int) (bool, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("db error starting trial transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT used_requests, plan
		FROM api_keys
		WHERE key_hash = $1 AND status = $2 AND revoked_at IS NULL
		FOR UPDATE
	`
	var used int64
	var plan string
	err = tx.QueryRow(ctx, query, hash, apikey.StatusActive).Scan(&used, &plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, apikey.ErrAPIKeyNotFound
		}
		return false, 0, fmt.Errorf("db error locking api key row: %w", err)
	}
	if plan != apikey.PlanTrial {
		return false, 0, apikey.ErrAPIKeyNotFound
	}

	now := time.Now().UTC()
	if used >= int64(quota) {
		// Record the denied request in used_requests too, mirroring what
		// the fast path persists when the counter overshoots.
		used++
		revokeQuery := `UPDATE api_keys SET status = $1, revoked_at = $2, used_requests = $3 WHERE key_hash = $4`
		if _, err := tx.Exec(ctx, revokeQuery, apikey.StatusRevoked, now, used, hash); err != nil {
			return false, 0, fmt.Errorf("db error revoking exhausted key: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, 0, fmt.Errorf("db error committing revoke: %w", err)
		}
		return false, used, nil
	}

	used++
	consumeQuery := `UPDATE api_keys SET used_requests = $1, last_used_at = $2 WHERE key_hash = $3`
	if _, err := tx.Exec(ctx, consumeQuery, used, now, hash); err != nil {
		return false, 0, fmt.Errorf("db error incrementing usage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("db error committing usage: %w", err)
	}
	return true, used, nil
}

func (r *APIKeyRepository) ListActiveTrialHashes(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT key_hash FROM api_keys
		WHERE plan = $1 AND status = $2 AND revoked_at IS NULL AND key_hash <> ''
		ORDER BY last_used_at DESC NULLS LAST
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, apikey.PlanTrial, apikey.StatusActive, limit)
	if err != nil {
		r.logger.Error("Failed to list active trial hashes", zap.Error(err))
		return nil, fmt.Errorf("db error listing trial hashes: %w", err)
	}
	defer rows.Close()

	hashes := make([]string, 0, limit)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("db error scanning trial hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (r *APIKeyRepository) Summary(ctx context.Context) (*apikey.Summary, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1 AND plan = $2),
			COUNT(*) FILTER (WHERE status = $1 AND plan <> $2),
			COUNT(*) FILTER (WHERE status = $3),
			COALESCE(SUM(used_requests), 0),
			COUNT(*) FILTER (WHERE status = $3 AND plan = $2 AND trial_quota IS NOT NULL AND used_requests > trial_quota)
		FROM api_keys
	`
	var s apikey.Summary
	err := r.db.QueryRow(ctx, query, apikey.StatusActive, apikey.PlanTrial, apikey.StatusRevoked).Scan(
		&s.ActiveTrial,
		&s.ActivePaid,
		&s.Revoked,
		&s.UsedRequests,
		&s.TrialExceeded,
	)
	if err != nil {
		r.logger.Error("Failed to compute api key summary", zap.Error(err))
		return nil, fmt.Errorf("db error computing summary: %w", err)
	}
	return &s, nil
}
