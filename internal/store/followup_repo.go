package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/util"
)

// Compile-time check that sqlRepo implements FollowUpRepo.
var _ FollowUpRepo = (*sqlRepo)(nil)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *sqlRepo) cancelFollowUps(ctx context.Context, ex execer, userID, offering string, now time.Time) (int, error) {
	result, err := ex.ExecContext(ctx, r.q(
		`UPDATE follow_ups SET status = ?, updated_at = ?
		 WHERE user_id = ? AND offering = ? AND status = ?`),
		models.FollowUpCancelled, now, userID, offering, models.FollowUpPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel follow-ups failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel follow-ups rows affected failed: %w", err)
	}
	return int(n), nil
}

func (r *sqlRepo) ReplaceFollowUps(ctx context.Context, userID, offering string, tasks []models.FollowUpTask, now time.Time) ([]models.FollowUpTask, int, error) {
	now = ts(now)
	stored := make([]models.FollowUpTask, 0, len(tasks))
	cancelled := 0
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cancelled, err = r.cancelFollowUps(ctx, tx, userID, offering, now)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.ID == "" {
				t.ID = util.GenerateFollowUpID()
			}
			t.UserID = userID
			t.Offering = offering
			t.DueAt = ts(t.DueAt)
			t.Status = models.FollowUpPending
			t.Attempts = 0
			t.CreatedAt = now
			t.UpdatedAt = now
			_, err := tx.ExecContext(ctx, r.q(
				`INSERT INTO follow_ups (id, user_id, offering, seq, due_at, status, attempts, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`),
				t.ID, t.UserID, t.Offering, t.Seq, t.DueAt, t.Status, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert follow-up seq %d failed: %w", t.Seq, err)
			}
			stored = append(stored, t)
		}
		return nil
	})
	if err != nil {
		slog.Error(r.name+".ReplaceFollowUps failed", "error", err, "userID", userID, "offering", offering)
		return nil, 0, storageErr("ReplaceFollowUps", err)
	}
	slog.Debug(r.name+".ReplaceFollowUps", "userID", userID, "offering", offering, "inserted", len(stored), "cancelled", cancelled)
	return stored, cancelled, nil
}

func (r *sqlRepo) CancelFollowUps(ctx context.Context, userID, offering string, now time.Time) (int, error) {
	n, err := r.cancelFollowUps(ctx, r.db, userID, offering, ts(now))
	if err != nil {
		slog.Error(r.name+".CancelFollowUps failed", "error", err, "userID", userID, "offering", offering)
		return 0, storageErr("CancelFollowUps", err)
	}
	slog.Debug(r.name+".CancelFollowUps", "userID", userID, "offering", offering, "cancelled", n)
	return n, nil
}

func (r *sqlRepo) GetFollowUp(ctx context.Context, id string) (*models.FollowUpTask, error) {
	t, err := scanFollowUp(r.db.QueryRowContext(ctx, r.q(
		`SELECT `+followUpColumns+` FROM follow_ups WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("GetFollowUp", err)
	}
	return &t, nil
}

func (r *sqlRepo) ListFollowUps(ctx context.Context, userID, offering string) ([]models.FollowUpTask, error) {
	query := `SELECT ` + followUpColumns + ` FROM follow_ups WHERE user_id = ?`
	args := []any{userID}
	if offering != "" {
		query += ` AND offering = ?`
		args = append(args, offering)
	}
	query += ` ORDER BY created_at, offering, seq`
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, storageErr("ListFollowUps", err)
	}
	tasks, err := collectFollowUps(rows)
	if err != nil {
		return nil, storageErr("ListFollowUps", err)
	}
	return tasks, nil
}

func (r *sqlRepo) ListPendingFollowUps(ctx context.Context) ([]models.FollowUpTask, error) {
	rows, err := r.db.QueryContext(ctx, r.q(
		`SELECT `+followUpColumns+` FROM follow_ups WHERE status = ? ORDER BY due_at, seq`),
		models.FollowUpPending,
	)
	if err != nil {
		return nil, storageErr("ListPendingFollowUps", err)
	}
	tasks, err := collectFollowUps(rows)
	if err != nil {
		return nil, storageErr("ListPendingFollowUps", err)
	}
	return tasks, nil
}

func (r *sqlRepo) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUpTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.q(
		`SELECT `+followUpColumns+` FROM follow_ups WHERE status = ? AND due_at <= ?
		 ORDER BY due_at, seq LIMIT ?`),
		models.FollowUpPending, ts(now), limit,
	)
	if err != nil {
		return nil, storageErr("ListDueFollowUps", err)
	}
	tasks, err := collectFollowUps(rows)
	if err != nil {
		return nil, storageErr("ListDueFollowUps", err)
	}
	return tasks, nil
}

func (r *sqlRepo) MarkFollowUpSent(ctx context.Context, id, handle string, sentAt time.Time) (bool, error) {
	sentAt = ts(sentAt)
	result, err := r.db.ExecContext(ctx, r.q(
		`UPDATE follow_ups SET status = ?, sent_at = ?, message_handle = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		models.FollowUpSent, sentAt, nilIfEmpty(handle), sentAt, id, models.FollowUpPending,
	)
	if err != nil {
		slog.Error(r.name+".MarkFollowUpSent failed", "error", err, "id", id)
		return false, storageErr("MarkFollowUpSent", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("MarkFollowUpSent", err)
	}
	return n == 1, nil
}

func (r *sqlRepo) MarkFollowUpCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	now = ts(now)
	result, err := r.db.ExecContext(ctx, r.q(
		`UPDATE follow_ups SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.FollowUpCancelled, now, id, models.FollowUpPending,
	)
	if err != nil {
		slog.Error(r.name+".MarkFollowUpCancelled failed", "error", err, "id", id)
		return false, storageErr("MarkFollowUpCancelled", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("MarkFollowUpCancelled", err)
	}
	return n == 1, nil
}

func (r *sqlRepo) RecordFollowUpFailure(ctx context.Context, id, errMsg string, maxAttempts int, now time.Time) (models.FollowUpStatus, int, error) {
	now = ts(now)
	status := models.FollowUpPending
	attempts := 0
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, r.q(
			`SELECT status, attempts FROM follow_ups WHERE id = ?`+r.lockRow), id,
		).Scan(&status, &attempts)
		if err != nil {
			return fmt.Errorf("failure lookup failed: %w", err)
		}
		if status != models.FollowUpPending {
			return nil
		}
		attempts++
		if attempts >= maxAttempts {
			status = models.FollowUpFailed
		}
		_, err = tx.ExecContext(ctx, r.q(
			`UPDATE follow_ups SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`),
			status, attempts, errMsg, now, id,
		)
		if err != nil {
			return fmt.Errorf("record failure update failed: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(r.name+".RecordFollowUpFailure failed", "error", err, "id", id)
		return "", 0, storageErr("RecordFollowUpFailure", err)
	}
	return status, attempts, nil
}
