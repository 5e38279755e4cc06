package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// ServiceStatsSeeder returns a Recoverable that makes sure every catalog
// offering has a conversion counter, so stats reads never miss an offering.
func ServiceStatsSeeder(repo store.StatsRepo, offerings []string) Recoverable {
	return RecoverableFunc(func(ctx context.Context) error {
		if err := repo.EnsureServiceStats(ctx, offerings, time.Now()); err != nil {
			return fmt.Errorf("failed to seed service stats: %w", err)
		}
		slog.Info("Service stats seeded", "offerings", len(offerings))
		return nil
	})
}

// WithTimeout bounds a component's recovery to d.
func WithTimeout(r Recoverable, d time.Duration) Recoverable {
	return RecoverableFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return r.RecoverState(ctx)
	})
}
