package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, entry_tag, first_name, last_name, username, state, offering,
	selection_history, converted_offerings, content_shown_count, last_active, created_at, updated_at`

const followUpColumns = `id, user_id, offering, seq, due_at, status, sent_at, message_handle,
	attempts, last_error, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ts normalises timestamps before they reach the database so SQLite text
// comparisons and PostgreSQL microsecond precision agree.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// rebindPostgres rewrites ? placeholders into $1, $2, ... form.
func rebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func encodeSet(set []string) (string, error) {
	if set == nil {
		set = []string{}
	}
	b, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encode set failed: %w", err)
	}
	return string(b), nil
}

func decodeSet(raw string) ([]string, error) {
	set := []string{}
	if strings.TrimSpace(raw) == "" {
		return set, nil
	}
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("decode set failed: %w", err)
	}
	return set, nil
}

// scanUser scans a User from a row produced by a userColumns select.
func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var offering sql.NullString
	var history, converted string
	err := row.Scan(
		&u.ID, &u.EntryTag, &u.Profile.FirstName, &u.Profile.LastName, &u.Profile.Username,
		&u.State, &offering, &history, &converted, &u.ContentShownCount,
		&u.LastActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return u, err
	}
	u.Offering = offering.String
	if u.SelectionHistory, err = decodeSet(history); err != nil {
		return u, err
	}
	if u.ConvertedOfferings, err = decodeSet(converted); err != nil {
		return u, err
	}
	return u, nil
}

// scanFollowUp scans a FollowUpTask from a row produced by a followUpColumns select.
func scanFollowUp(row rowScanner) (models.FollowUpTask, error) {
	var t models.FollowUpTask
	var sentAt sql.NullTime
	var handle, lastError sql.NullString
	err := row.Scan(
		&t.ID, &t.UserID, &t.Offering, &t.Seq, &t.DueAt, &t.Status, &sentAt, &handle,
		&t.Attempts, &lastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	if sentAt.Valid {
		sent := sentAt.Time
		t.SentAt = &sent
	}
	t.MessageHandle = handle.String
	t.LastError = lastError.String
	return t, nil
}

func collectUsers(rows *sql.Rows) ([]models.User, error) {
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user rows iteration failed: %w", err)
	}
	return users, nil
}

func collectFollowUps(rows *sql.Rows) ([]models.FollowUpTask, error) {
	defer rows.Close()
	var tasks []models.FollowUpTask
	for rows.Next() {
		t, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follow-up failed: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("follow-up rows iteration failed: %w", err)
	}
	return tasks, nil
}
