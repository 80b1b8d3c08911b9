package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/user"
)

// UserDirectory reads the externally managed users table. This service never
// writes to it.
type UserDirectory struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewUserDirectory(db *pgxpool.Pool, logger *zap.Logger) *UserDirectory {
	return &UserDirectory{
		db:     db,
		logger: logger.Named("UserDirectory"),
	}
}

var _ user.Directory = (*UserDirectory)(nil)

func (d *UserDirectory) FindByCustomerID(ctx context.Context, customerID string) (*user.User, error) {
	query := `SELECT id, email, customer_id FROM users WHERE customer_id = $1`
	return d.scanUser(d.db.QueryRow(ctx, query, customerID))
}

func (d *UserDirectory) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	query := `SELECT id, email, customer_id FROM users WHERE lower(email) = lower($1)`
	return d.scanUser(d.db.QueryRow(ctx, query, email))
}

func (d *UserDirectory) scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.Email, &u.CustomerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrUserNotFound
		}
		d.logger.Error("Failed to look up user", zap.Error(err))
		return nil, fmt.Errorf("db error finding user: %w", err)
	}
	return &u, nil
}
