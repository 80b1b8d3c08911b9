package dto

import (
	"time"

	"github.com/google/uuid"
)

type IssueTrialKeyRequest struct {
	UserID   uuid.UUID `json:"user_id" binding:"required"`
	TenantID string    `json:"tenant_id,omitempty"`
	Quota    *int      `json:"quota,omitempty" binding:"omitempty,gt=0"`
}

// IssueKeyResponse carries the raw token exactly once, at issuance.
type IssueKeyResponse struct {
	Issued  bool   `json:"issued"`
	FullKey string `json:"full_key,omitempty"`
}

// APIKeyInfoResponse is the operator view of a key: never the suffix or the
// raw token.
type APIKeyInfoResponse struct {
	KeyPrefix  string     `json:"key_prefix"`
	Plan       string     `json:"plan"`
	Status     string     `json:"status"`
	TrialQuota *int       `json:"trial_quota,omitempty"`
	UsedReqs   int64      `json:"used_requests"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type RevokeKeysRequest struct {
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	CustomerID string     `json:"customer_id,omitempty"`
}

type RevokeKeysResponse struct {
	Revoked int64 `json:"revoked"`
}
