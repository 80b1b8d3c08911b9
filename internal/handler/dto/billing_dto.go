package dto

import "github.com/google/uuid"

type VerifyKeyRequest struct {
	Key string `json:"key" binding:"required"`
}

type VerifyKeyResponse struct {
	OK        bool   `json:"ok"`
	Plan      string `json:"plan,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// UserCreatedEvent is posted by the accounts collaborator after a signup
// commits; it triggers trial key issuance.
type UserCreatedEvent struct {
	EventID string    `json:"event_id" binding:"required"`
	UserID  uuid.UUID `json:"user_id" binding:"required"`
	Email   string    `json:"email,omitempty" binding:"omitempty,email"`
}

// SubscriptionActiveEvent is posted by the payments collaborator when a
// subscription becomes active. At least one of user_id, customer_id or
// email must identify the owner.
type SubscriptionActiveEvent struct {
	EventID    string     `json:"event_id" binding:"required"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	CustomerID string     `json:"customer_id,omitempty"`
	Email      string     `json:"email,omitempty" binding:"omitempty,email"`
	Rotate     *bool      `json:"rotate,omitempty"`
}

// EventAccepted acknowledges a collaborator event. Duplicate deliveries and
// already-satisfied transitions both ack with applied=false so the sender
// never retries.
type EventAccepted struct {
	Applied bool   `json:"applied"`
	FullKey string `json:"full_key,omitempty"`
}
