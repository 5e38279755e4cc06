package models

import (
	"fmt"
	"time"
)

// FollowUpStatus represents the lifecycle state of a follow-up task.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCancelled FollowUpStatus = "cancelled"
	// FollowUpFailed marks a task abandoned after exhausting its send attempts.
	FollowUpFailed FollowUpStatus = "failed"
)

// IsTerminal reports whether a task in this status can never fire again.
func (s FollowUpStatus) IsTerminal() bool {
	return s != FollowUpPending
}

// FollowUpTask is one scheduled re-engagement message for a (user, offering) pair.
type FollowUpTask struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Offering      string         `json:"offering"`
	Seq           int            `json:"seq"`
	DueAt         time.Time      `json:"due_at"`
	Status        FollowUpStatus `json:"status"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	MessageHandle string         `json:"message_handle,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Key returns the (user, offering) key the task belongs to.
func (t FollowUpTask) Key() FollowUpKey {
	return FollowUpKey{UserID: t.UserID, Offering: t.Offering}
}

// FollowUpKey identifies the follow-up sequence for one user and offering.
type FollowUpKey struct {
	UserID   string
	Offering string
}

func (k FollowUpKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.Offering)
}
