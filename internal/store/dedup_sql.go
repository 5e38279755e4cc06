package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Compile-time check that sqlRepo implements DedupRepo.
var _ DedupRepo = (*sqlRepo)(nil)

func (r *sqlRepo) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, r.q(
		`SELECT event_id FROM inbound_dedup WHERE event_id = ?`), eventID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("IsDuplicate", err)
	}
	return true, nil
}

func (r *sqlRepo) RecordInbound(ctx context.Context, eventID, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.q(
		`INSERT INTO inbound_dedup (event_id, user_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`),
		eventID, userID, ts(time.Now()),
	)
	if err != nil {
		return false, storageErr("RecordInbound", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("RecordInbound", err)
	}
	return n > 0, nil
}

func (r *sqlRepo) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx, r.q(
		`UPDATE inbound_dedup SET processed_at = ? WHERE event_id = ?`),
		ts(time.Now()), eventID,
	)
	if err != nil {
		return storageErr("MarkProcessed", err)
	}
	return nil
}

func (r *sqlRepo) ForgetInbound(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx, r.q(
		`DELETE FROM inbound_dedup WHERE event_id = ? AND processed_at IS NULL`), eventID,
	)
	if err != nil {
		return storageErr("ForgetInbound", err)
	}
	return nil
}
