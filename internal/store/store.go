// Package store provides storage backends for FunnelPipe.
//
// It owns the durable funnel state: user records, follow-up tasks, per-offering
// conversion counters and the inbound event dedup table. SQLite and PostgreSQL
// backends share one SQL implementation; every multi-row effect runs inside a
// single transaction.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// StorageError wraps a repository I/O failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ConversionResult reports the outcome of ConvertUser.
type ConversionResult struct {
	User             *models.User
	AlreadyConverted bool
	// Cancelled is the number of pending follow-ups cancelled in the same transaction.
	Cancelled int
}

// UserRepo defines the typed mutations over user records. Each mutation
// corresponds to one funnel transition and touches a fixed set of columns.
type UserRepo interface {
	// GetUser returns the user or nil when no record exists.
	GetUser(ctx context.Context, id string) (*models.User, error)
	// CreateUser inserts a NEW user unless one exists, and returns the stored record.
	CreateUser(ctx context.Context, id string, entry models.EntryTag, now time.Time) (*models.User, error)
	// StartSession creates the user if absent or resets its entry tag and
	// profile, leaving it in WELCOME_SHOWN. created reports an insert.
	StartSession(ctx context.Context, id string, entry models.EntryTag, profile models.Profile, now time.Time) (user *models.User, created bool, err error)
	// SelectOffering records offering as the current selection and moves the user to OFFERING_SELECTED.
	SelectOffering(ctx context.Context, id, offering string, now time.Time) (*models.User, error)
	// AdvanceState moves the user from one state to another only if it is still in from.
	AdvanceState(ctx context.Context, id string, from, to models.FunnelState, now time.Time) (bool, error)
	// RecordContentShown adds n to the user's shown-content counter.
	RecordContentShown(ctx context.Context, id string, n int, now time.Time) error
	// ConvertUser adds offering to the converted set, sets CONVERTED, cancels
	// pending follow-ups for (id, offering) and increments the offering's
	// counter, all in one transaction.
	ConvertUser(ctx context.Context, id, offering string, now time.Time) (ConversionResult, error)
	ListUsersByState(ctx context.Context, state models.FunnelState) ([]models.User, error)
	ListUsersByOffering(ctx context.Context, offering string) ([]models.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// FollowUpRepo defines persistence for follow-up tasks.
type FollowUpRepo interface {
	// ReplaceFollowUps cancels pending tasks for (userID, offering) and inserts
	// tasks in one transaction. Tasks without an ID get one assigned.
	ReplaceFollowUps(ctx context.Context, userID, offering string, tasks []models.FollowUpTask, now time.Time) ([]models.FollowUpTask, int, error)
	// CancelFollowUps marks all pending tasks for (userID, offering) cancelled.
	CancelFollowUps(ctx context.Context, userID, offering string, now time.Time) (int, error)
	// GetFollowUp returns the task or nil when it does not exist.
	GetFollowUp(ctx context.Context, id string) (*models.FollowUpTask, error)
	// ListFollowUps returns a user's tasks, optionally filtered to one offering.
	ListFollowUps(ctx context.Context, userID, offering string) ([]models.FollowUpTask, error)
	// ListPendingFollowUps returns every pending task ordered by due time.
	ListPendingFollowUps(ctx context.Context) ([]models.FollowUpTask, error)
	// ListDueFollowUps returns up to limit pending tasks due at or before now.
	ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUpTask, error)
	// MarkFollowUpSent moves a pending task to sent. It returns false if the task was no longer pending.
	MarkFollowUpSent(ctx context.Context, id, handle string, sentAt time.Time) (bool, error)
	// MarkFollowUpCancelled moves a pending task to cancelled. It returns false if the task was no longer pending.
	MarkFollowUpCancelled(ctx context.Context, id string, now time.Time) (bool, error)
	// RecordFollowUpFailure counts a failed send. Once attempts reach
	// maxAttempts the task becomes failed; otherwise it stays pending.
	RecordFollowUpFailure(ctx context.Context, id, errMsg string, maxAttempts int, now time.Time) (models.FollowUpStatus, int, error)
}

// StatsRepo defines access to per-offering conversion counters.
type StatsRepo interface {
	// EnsureServiceStats seeds a zero counter for each offering that has none.
	EnsureServiceStats(ctx context.Context, offerings []string, now time.Time) error
	GetServiceStats(ctx context.Context) ([]models.ServiceStat, error)
	GetServiceStat(ctx context.Context, offering string) (models.ServiceStat, error)
	// CountUsersByState returns the number of users in each state that has any.
	CountUsersByState(ctx context.Context) (map[models.FunnelState]int, error)
}

// Store is the full repository used by the funnel engine.
type Store interface {
	UserRepo
	FollowUpRepo
	StatsRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for the stores.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a configuration option for the stores.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return "postgres"
	}
	// key=value form: host=... user=... dbname=...
	if strings.Contains(trimmed, "=") && !strings.Contains(trimmed, "?") {
		for _, field := range strings.Fields(trimmed) {
			key, _, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch key {
			case "host", "user", "dbname", "password", "sslmode", "port":
				return "postgres"
			}
		}
	}
	return "sqlite3"
}

// Open creates the backend selected by opts.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	if driver == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
