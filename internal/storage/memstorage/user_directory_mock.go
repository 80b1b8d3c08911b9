package memstorage

import (
	"context"
	"strings"
	"sync"

	"github.com/contentgrid/billing-service-api/internal/domain/user"
)

// UserDirectoryMock is an in-memory user.Directory seeded by tests.
type UserDirectoryMock struct {
	mu    sync.Mutex
	users []user.User
}

func NewUserDirectoryMock() *UserDirectoryMock {
	return &UserDirectoryMock{}
}

func (d *UserDirectoryMock) Add(u user.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, u)
}

func (d *UserDirectoryMock) FindByCustomerID(ctx context.Context, customerID string) (*user.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.users {
		if d.users[i].CustomerID != nil && *d.users[i].CustomerID == customerID {
			u := d.users[i]
			return &u, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (d *UserDirectoryMock) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.users {
		if strings.EqualFold(d.users[i].Email, email) {
			u := d.users[i]
			return &u, nil
		}
	}
	return nil, user.ErrUserNotFound
}
