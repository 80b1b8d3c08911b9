package user

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("user not found")

// User is the narrow owner view this service needs: accounts themselves are
// managed by an external collaborator.
type User struct {
	ID         uuid.UUID
	Email      string
	CustomerID *string
}

// Directory resolves key owners for webhook-driven plan changes, where the
// payment provider may only supply a customer id or an email.
type Directory interface {
	FindByCustomerID(ctx context.Context, customerID string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}
