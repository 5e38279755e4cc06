package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// sqlRepo is the SQL implementation shared by the SQLite and PostgreSQL
// backends. Queries are written with ? placeholders and rebound per driver.
type sqlRepo struct {
	db   *sql.DB
	name string
	// rebind converts ? placeholders for the driver.
	rebind func(string) string
	// lockRow is appended to selects that read a row to modify it in a transaction.
	lockRow string
}

func (r *sqlRepo) q(query string) string {
	if r.rebind == nil {
		return query
	}
	return r.rebind(query)
}

// withTx runs fn in a transaction, committing on success and rolling back otherwise.
func (r *sqlRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *sqlRepo) Close() error {
	slog.Debug("Closing database connection", "backend", r.name)
	err := r.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "backend", r.name, "error", err)
	}
	return err
}

// Compile-time check that sqlRepo implements UserRepo.
var _ UserRepo = (*sqlRepo)(nil)

func (r *sqlRepo) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := r.getUser(ctx, r.db, id, false)
	if err != nil {
		slog.Error(r.name+".GetUser failed", "error", err, "userID", id)
		return nil, storageErr("GetUser", err)
	}
	return u, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqlRepo) getUser(ctx context.Context, q queryRower, id string, lock bool) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	if lock {
		query += r.lockRow
	}
	u, err := scanUser(q.QueryRowContext(ctx, r.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

func (r *sqlRepo) CreateUser(ctx context.Context, id string, entry models.EntryTag, now time.Time) (*models.User, error) {
	now = ts(now)
	_, err := r.db.ExecContext(ctx, r.q(
		`INSERT INTO users (id, entry_tag, state, last_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		id, entry, models.StateNew, now, now, now,
	)
	if err != nil {
		slog.Error(r.name+".CreateUser failed", "error", err, "userID", id)
		return nil, storageErr("CreateUser", err)
	}
	u, err := r.getUser(ctx, r.db, id, false)
	if err != nil {
		return nil, storageErr("CreateUser", err)
	}
	if u == nil {
		return nil, storageErr("CreateUser", fmt.Errorf("user %s missing after insert", id))
	}
	slog.Debug(r.name+".CreateUser", "userID", id, "state", u.State)
	return u, nil
}

func (r *sqlRepo) StartSession(ctx context.Context, id string, entry models.EntryTag, profile models.Profile, now time.Time) (*models.User, bool, error) {
	now = ts(now)
	var user *models.User
	created := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.getUser(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if existing == nil {
			created = true
			_, err = tx.ExecContext(ctx, r.q(
				`INSERT INTO users (id, entry_tag, first_name, last_name, username, state, last_active, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				id, entry, profile.FirstName, profile.LastName, profile.Username,
				models.StateWelcomeShown, now, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert user failed: %w", err)
			}
		} else {
			// keep the stored profile fields the event did not carry
			if profile.FirstName == "" {
				profile.FirstName = existing.Profile.FirstName
			}
			if profile.LastName == "" {
				profile.LastName = existing.Profile.LastName
			}
			if profile.Username == "" {
				profile.Username = existing.Profile.Username
			}
			_, err = tx.ExecContext(ctx, r.q(
				`UPDATE users SET entry_tag = ?, first_name = ?, last_name = ?, username = ?,
				 state = ?, last_active = ?, updated_at = ? WHERE id = ?`),
				entry, profile.FirstName, profile.LastName, profile.Username,
				models.StateWelcomeShown, now, now, id,
			)
			if err != nil {
				return fmt.Errorf("reset user session failed: %w", err)
			}
		}
		user, err = r.getUser(ctx, tx, id, false)
		return err
	})
	if err != nil {
		slog.Error(r.name+".StartSession failed", "error", err, "userID", id)
		return nil, false, storageErr("StartSession", err)
	}
	slog.Debug(r.name+".StartSession", "userID", id, "created", created, "entryTag", entry)
	return user, created, nil
}

func (r *sqlRepo) SelectOffering(ctx context.Context, id, offering string, now time.Time) (*models.User, error) {
	now = ts(now)
	var user *models.User
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.getUser(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		history, err := encodeSet(models.AddToSet(existing.SelectionHistory, offering))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.q(
			`UPDATE users SET state = ?, offering = ?, selection_history = ?, last_active = ?, updated_at = ?
			 WHERE id = ?`),
			models.StateOfferingSelected, offering, history, now, now, id,
		)
		if err != nil {
			return fmt.Errorf("select offering failed: %w", err)
		}
		user, err = r.getUser(ctx, tx, id, false)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		slog.Error(r.name+".SelectOffering failed", "error", err, "userID", id, "offering", offering)
		return nil, storageErr("SelectOffering", err)
	}
	slog.Debug(r.name+".SelectOffering", "userID", id, "offering", offering)
	return user, nil
}

func (r *sqlRepo) AdvanceState(ctx context.Context, id string, from, to models.FunnelState, now time.Time) (bool, error) {
	now = ts(now)
	result, err := r.db.ExecContext(ctx, r.q(
		`UPDATE users SET state = ?, last_active = ?, updated_at = ? WHERE id = ? AND state = ?`),
		to, now, now, id, from,
	)
	if err != nil {
		slog.Error(r.name+".AdvanceState failed", "error", err, "userID", id, "from", from, "to", to)
		return false, storageErr("AdvanceState", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("AdvanceState", err)
	}
	slog.Debug(r.name+".AdvanceState", "userID", id, "from", from, "to", to, "applied", n == 1)
	return n == 1, nil
}

func (r *sqlRepo) RecordContentShown(ctx context.Context, id string, n int, now time.Time) error {
	if n <= 0 {
		return nil
	}
	now = ts(now)
	_, err := r.db.ExecContext(ctx, r.q(
		`UPDATE users SET content_shown_count = content_shown_count + ?, updated_at = ? WHERE id = ?`),
		n, now, id,
	)
	if err != nil {
		slog.Error(r.name+".RecordContentShown failed", "error", err, "userID", id)
		return storageErr("RecordContentShown", err)
	}
	return nil
}

func (r *sqlRepo) ConvertUser(ctx context.Context, id, offering string, now time.Time) (ConversionResult, error) {
	now = ts(now)
	var res ConversionResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.getUser(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}

		res.Cancelled, err = r.cancelFollowUps(ctx, tx, id, offering, now)
		if err != nil {
			return err
		}

		if existing.HasConverted(offering) {
			res.AlreadyConverted = true
			res.User = existing
			return nil
		}

		converted, err := encodeSet(models.AddToSet(existing.ConvertedOfferings, offering))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.q(
			`UPDATE users SET state = ?, converted_offerings = ?, last_active = ?, updated_at = ? WHERE id = ?`),
			models.StateConverted, converted, now, now, id,
		)
		if err != nil {
			return fmt.Errorf("mark converted failed: %w", err)
		}
		_, err = tx.ExecContext(ctx, r.q(
			`INSERT INTO service_stats (offering, count, updated_at) VALUES (?, 1, ?)
			 ON CONFLICT (offering) DO UPDATE SET count = service_stats.count + 1, updated_at = excluded.updated_at`),
			offering, now,
		)
		if err != nil {
			return fmt.Errorf("increment service stat failed: %w", err)
		}
		res.User, err = r.getUser(ctx, tx, id, false)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return ConversionResult{}, err
	}
	if err != nil {
		slog.Error(r.name+".ConvertUser failed", "error", err, "userID", id, "offering", offering)
		return ConversionResult{}, storageErr("ConvertUser", err)
	}
	slog.Debug(r.name+".ConvertUser", "userID", id, "offering", offering, "alreadyConverted", res.AlreadyConverted, "cancelled", res.Cancelled)
	return res, nil
}

func (r *sqlRepo) ListUsersByState(ctx context.Context, state models.FunnelState) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, r.q(
		`SELECT `+userColumns+` FROM users WHERE state = ? ORDER BY created_at, id`), state)
	if err != nil {
		return nil, storageErr("ListUsersByState", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, storageErr("ListUsersByState", err)
	}
	return users, nil
}

func (r *sqlRepo) ListUsersByOffering(ctx context.Context, offering string) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, r.q(
		`SELECT `+userColumns+` FROM users WHERE offering = ? ORDER BY created_at, id`), offering)
	if err != nil {
		return nil, storageErr("ListUsersByOffering", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, storageErr("ListUsersByOffering", err)
	}
	return users, nil
}

func (r *sqlRepo) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, storageErr("CountUsers", err)
	}
	return n, nil
}
