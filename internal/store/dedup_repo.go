package store

import (
	"context"
)

// DedupRepo defines the interface for inbound event deduplication. Event
// sources retry on failure, so an event id that was already processed is
// acknowledged without being applied twice.
type DedupRepo interface {
	// IsDuplicate reports whether an event id has already been recorded.
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// RecordInbound inserts a new inbound event record. Returns false if the
	// event was already recorded.
	RecordInbound(ctx context.Context, eventID, userID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for an event.
	MarkProcessed(ctx context.Context, eventID string) error

	// ForgetInbound removes an unprocessed record so a failed event can be retried.
	ForgetInbound(ctx context.Context, eventID string) error
}
