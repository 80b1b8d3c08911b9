package memstorage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
)

// APIKeyRepositoryMock is an in-memory apikey.Repository for tests. A single
// mutex stands in for row-level locking: it serializes ConsumeTrialLocked
// callers the same way FOR UPDATE serializes transactions.
type APIKeyRepositoryMock struct {
	mu   sync.Mutex
	keys map[uuid.UUID]*apikey.APIKey
	seq  map[uuid.UUID]int64
	next int64
}

func NewAPIKeyRepositoryMock() *APIKeyRepositoryMock {
	return &APIKeyRepositoryMock{
		keys: make(map[uuid.UUID]*apikey.APIKey),
		seq:  make(map[uuid.UUID]int64),
	}
}

var _ apikey.Repository = (*APIKeyRepositoryMock)(nil)

func copyKey(k *apikey.APIKey) *apikey.APIKey {
	clone := *k
	return &clone
}

func (r *APIKeyRepositoryMock) Create(ctx context.Context, key *apikey.APIKey) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := copyKey(key)
	stored.ID = uuid.New()
	stored.CreatedAt = time.Now().UTC()
	r.keys[stored.ID] = stored
	r.next++
	r.seq[stored.ID] = r.next
	return stored.ID, nil
}

func (r *APIKeyRepositoryMock) FindByHash(ctx context.Context, hash string) (*apikey.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.KeyHash != "" && k.KeyHash == hash {
			return copyKey(k), nil
		}
	}
	return nil, apikey.ErrAPIKeyNotFound
}

func (r *APIKeyRepositoryMock) FindActiveByPrefix(ctx context.Context, prefix string, limit int) ([]*apikey.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := make([]*apikey.APIKey, 0)
	for _, k := range r.keys {
		if k.KeyPrefix == prefix && k.IsActive() {
			matches = append(matches, copyKey(k))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return r.seq[matches[i].ID] > r.seq[matches[j].ID]
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *APIKeyRepositoryMock) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*apikey.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest *apikey.APIKey
	for _, k := range r.keys {
		if k.UserID != nil && *k.UserID == userID && k.IsActive() {
			if newest == nil || r.seq[k.ID] > r.seq[newest.ID] {
				newest = k
			}
		}
	}
	if newest == nil {
		return nil, apikey.ErrAPIKeyNotFound
	}
	return copyKey(newest), nil
}

func (r *APIKeyRepositoryMock) BackfillHash(ctx context.Context, id uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.keys[id]; ok && k.KeyHash == "" {
		k.KeyHash = hash
	}
	return nil
}

func (r *APIKeyRepositoryMock) UpdateUsage(ctx context.Context, hash string, used int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.KeyHash == hash && k.Status == apikey.StatusActive {
			k.UsedReqs = used
			atCopy := at
			k.LastUsedAt = &atCopy
			return true, nil
		}
	}
	return false, nil
}

func (r *APIKeyRepositoryMock) RevokeExceeded(ctx context.Context, hash string, used int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.KeyHash == hash && k.Status == apikey.StatusActive {
			atCopy := at
			k.Status = apikey.StatusRevoked
			k.RevokedAt = &atCopy
			k.UsedReqs = used
			return true, nil
		}
	}
	return false, nil
}

func (r *APIKeyRepositoryMock) ResetUsage(ctx context.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		if k.KeyHash == hash && k.Status == apikey.StatusActive {
			k.UsedReqs = 0
			k.LastUsedAt = nil
			return true, nil
		}
	}
	return false, nil
}

func (r *APIKeyRepositoryMock) RevokeAllActiveByUser(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.UserID != nil && *k.UserID == userID && k.IsActive() {
			atCopy := at
			k.Status = apikey.StatusRevoked
			k.RevokedAt = &atCopy
			n++
		}
	}
	return n, nil
}

func (r *APIKeyRepositoryMock) RevokeAllActiveByCustomer(ctx context.Context, customerID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.CustomerID != nil && *k.CustomerID == customerID && k.IsActive() {
			atCopy := at
			k.Status = apikey.StatusRevoked
			k.RevokedAt = &atCopy
			n++
		}
	}
	return n, nil
}

func (r *APIKeyRepositoryMock) SwitchPlanByUser(ctx context.Context, userID uuid.UUID, plan string, customerID *string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.UserID != nil && *k.UserID == userID && k.IsActive() {
			k.Plan = plan
			k.TrialQuota = nil
			if customerID != nil {
				k.CustomerID = customerID
			}
			n++
		}
	}
	return n, nil
}

func (r *APIKeyRepositoryMock) SwitchPlanByCustomer(ctx context.Context, customerID string, plan string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, k := range r.keys {
		if k.CustomerID != nil && *k.CustomerID == customerID && k.IsActive() {
			k.Plan = plan
			k.TrialQuota = nil
			n++
		}
	}
	return n, nil
}

func (r *APIKeyRepositoryMock) ConsumeTrialLocked(ctx context.Context, hash string, quota int) (bool, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var row *apikey.APIKey
	for _, k := range r.keys {
		if k.KeyHash == hash && k.IsActive() {
			row = k
			break
		}
	}
	if row == nil || row.Plan != apikey.PlanTrial {
		return false, 0, apikey.ErrAPIKeyNotFound
	}

	now := time.Now().UTC()
	if row.UsedReqs >= int64(quota) {
		row.UsedReqs++
		row.Status = apikey.StatusRevoked
		row.RevokedAt = &now
		return false, row.UsedReqs, nil
	}

	row.UsedReqs++
	row.LastUsedAt = &now
	return true, row.UsedReqs, nil
}

func (r *APIKeyRepositoryMock) ListActiveTrialHashes(ctx context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes := make([]string, 0)
	for _, k := range r.keys {
		if k.IsTrial() && k.KeyHash != "" {
			hashes = append(hashes, k.KeyHash)
		}
		if len(hashes) == limit {
			break
		}
	}
	return hashes, nil
}

func (r *APIKeyRepositoryMock) Summary(ctx context.Context) (*apikey.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s apikey.Summary
	for _, k := range r.keys {
		s.UsedRequests += k.UsedReqs
		switch {
		case k.Status == apikey.StatusActive && k.Plan == apikey.PlanTrial:
			s.ActiveTrial++
		case k.Status == apikey.StatusActive:
			s.ActivePaid++
		default:
			s.Revoked++
			if k.Plan == apikey.PlanTrial && k.TrialQuota != nil && k.UsedReqs > int64(*k.TrialQuota) {
				s.TrialExceeded++
			}
		}
	}
	return &s, nil
}

// Get returns a copy of a stored row for test assertions.
func (r *APIKeyRepositoryMock) Get(id uuid.UUID) (*apikey.APIKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keys[id]
	if !ok {
		return nil, false
	}
	return copyKey(k), true
}

// Put stores a pre-built row, for seeding legacy states in tests.
func (r *APIKeyRepositoryMock) Put(key *apikey.APIKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := copyKey(key)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.keys[stored.ID] = stored
	r.next++
	r.seq[stored.ID] = r.next
}
