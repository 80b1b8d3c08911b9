package event

import "context"

// Log records processed collaborator events for idempotency: a redelivered
// event id must not re-run its transition.
type Log interface {
	// Record stores the event id. Returns false when the id was already
	// recorded, meaning the caller should ack without acting.
	Record(ctx context.Context, eventID, kind string) (bool, error)
	// Forget releases an event id whose transition failed, so the
	// collaborator's redelivery is retried instead of acked as a duplicate.
	Forget(ctx context.Context, eventID string) error
}
