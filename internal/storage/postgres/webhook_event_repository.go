package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/event"
)

type WebhookEventRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewWebhookEventRepository(db *pgxpool.Pool, logger *zap.Logger) *WebhookEventRepository {
	return &WebhookEventRepository{
		db:     db,
		logger: logger.Named("WebhookEventRepository"),
	}
}

var _ event.Log = (*WebhookEventRepository)(nil)

// Record relies on the unique constraint on event_id; a duplicate insert is
// the dedupe signal, not an error.
func (r *WebhookEventRepository) Record(ctx context.Context, eventID, kind string) (bool, error) {
	query := `INSERT INTO webhook_events (event_id, kind) VALUES ($1, $2)`
	_, err := r.db.Exec(ctx, query, eventID, kind)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Info("Duplicate event delivery ignored", zap.String("event_id", eventID), zap.String("kind", kind))
			return false, nil
		}
		r.logger.Error("Failed to record webhook event", zap.String("event_id", eventID), zap.Error(err))
		return false, fmt.Errorf("db error recording event: %w", err)
	}
	return true, nil
}

func (r *WebhookEventRepository) Forget(ctx context.Context, eventID string) error {
	query := `DELETE FROM webhook_events WHERE event_id = $1`
	if _, err := r.db.Exec(ctx, query, eventID); err != nil {
		r.logger.Error("Failed to release webhook event", zap.String("event_id", eventID), zap.Error(err))
		return fmt.Errorf("db error releasing event: %w", err)
	}
	return nil
}
