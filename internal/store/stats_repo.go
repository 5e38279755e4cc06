package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Compile-time check that sqlRepo implements StatsRepo.
var _ StatsRepo = (*sqlRepo)(nil)

func (r *sqlRepo) EnsureServiceStats(ctx context.Context, offerings []string, now time.Time) error {
	now = ts(now)
	for _, offering := range offerings {
		_, err := r.db.ExecContext(ctx, r.q(
			`INSERT INTO service_stats (offering, count, updated_at) VALUES (?, 0, ?)
			 ON CONFLICT (offering) DO NOTHING`),
			offering, now,
		)
		if err != nil {
			slog.Error(r.name+".EnsureServiceStats failed", "error", err, "offering", offering)
			return storageErr("EnsureServiceStats", err)
		}
	}
	slog.Debug(r.name+".EnsureServiceStats", "offerings", len(offerings))
	return nil
}

func (r *sqlRepo) GetServiceStats(ctx context.Context) ([]models.ServiceStat, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT offering, count, updated_at FROM service_stats ORDER BY offering`)
	if err != nil {
		return nil, storageErr("GetServiceStats", err)
	}
	defer rows.Close()

	var stats []models.ServiceStat
	for rows.Next() {
		var s models.ServiceStat
		if err := rows.Scan(&s.Offering, &s.Count, &s.UpdatedAt); err != nil {
			return nil, storageErr("GetServiceStats", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("GetServiceStats", err)
	}
	return stats, nil
}

// GetServiceStat returns the counter for offering, or a zero counter if none exists yet.
func (r *sqlRepo) GetServiceStat(ctx context.Context, offering string) (models.ServiceStat, error) {
	s := models.ServiceStat{Offering: offering}
	err := r.db.QueryRowContext(ctx, r.q(
		`SELECT offering, count, updated_at FROM service_stats WHERE offering = ?`), offering,
	).Scan(&s.Offering, &s.Count, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, storageErr("GetServiceStat", err)
	}
	return s, nil
}

func (r *sqlRepo) CountUsersByState(ctx context.Context) (map[models.FunnelState]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM users GROUP BY state`)
	if err != nil {
		return nil, storageErr("CountUsersByState", err)
	}
	defer rows.Close()

	counts := make(map[models.FunnelState]int)
	for rows.Next() {
		var state models.FunnelState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storageErr("CountUsersByState", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("CountUsersByState", err)
	}
	return counts, nil
}
