// Package cache remembers transport handles of delivered follow-ups so a
// retry after a crash between send and mark can skip the resend.
package cache

import (
	"context"
	"time"
)

// SentCache records the transport handle of each delivered follow-up.
type SentCache interface {
	StoreSent(ctx context.Context, followUpID, handle string, sentAt time.Time) error
	// LookupSent returns the recorded handle; found is false when none exists.
	LookupSent(ctx context.Context, followUpID string) (handle string, sentAt time.Time, found bool, err error)
}

// Nop is a SentCache that stores nothing.
type Nop struct{}

func (Nop) StoreSent(context.Context, string, string, time.Time) error { return nil }

func (Nop) LookupSent(context.Context, string) (string, time.Time, bool, error) {
	return "", time.Time{}, false, nil
}
