package apikey

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanTrial = "trial"
	PlanPro   = "pro"
	PlanDemo  = "demo"

	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// APIKey is the single durable authorization record. Rows are never hard
// deleted: revocation is the only teardown, so the audit trail survives
// rotation and owner deletion (owner deletion only detaches UserID).
type APIKey struct {
	ID        uuid.UUID  `db:"id"`
	UserID    *uuid.UUID `db:"user_id"`
	KeyPrefix string     `db:"key_prefix"`
	// KeyHash is the sha256 fingerprint of the full token, unique across all
	// rows. It doubles as the namespace key for the state cache and the
	// distributed quota counter.
	KeyHash string `db:"key_hash"`
	// Suffix is the secret remainder of the token, kept server side only and
	// never returned after issuance. Needed for the legacy prefix scan.
	Suffix     string     `db:"suffix"`
	TenantID   string     `db:"tenant_id"`
	Plan       string     `db:"plan"`
	Status     string     `db:"status"`
	CustomerID *string    `db:"customer_id"`
	TrialQuota *int       `db:"trial_quota"`
	UsedReqs   int64      `db:"used_requests"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
}

func (k *APIKey) IsActive() bool {
	return k.Status == StatusActive && k.RevokedAt == nil
}

func (k *APIKey) IsTrial() bool {
	return k.Plan == PlanTrial && k.IsActive()
}

// IsPaid reports whether the key bypasses quota enforcement. Any active
// non-trial plan is unlimited under this service.
func (k *APIKey) IsPaid() bool {
	return k.Plan != PlanTrial && k.IsActive()
}

// Quota returns the trial quota, or 0 when unset (paid keys).
func (k *APIKey) Quota() int {
	if k.TrialQuota == nil {
		return 0
	}
	return *k.TrialQuota
}
