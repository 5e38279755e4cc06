// Package stats reports per-offering conversions and the remaining-spots
// urgency line shown next to limited offerings.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Repo is the storage the reporter reads.
type Repo interface {
	GetServiceStats(ctx context.Context) ([]models.ServiceStat, error)
	CountUsersByState(ctx context.Context) (map[models.FunnelState]int, error)
}

// OfferingSummary is the report line for one offering.
type OfferingSummary struct {
	Offering    string `json:"offering"`
	Name        string `json:"name"`
	Conversions int    `json:"conversions"`
	// LimitedSlots is zero for offerings without a slot limit.
	LimitedSlots   int    `json:"limited_slots,omitempty"`
	RemainingSlots *int   `json:"remaining_slots,omitempty"`
	Urgency        string `json:"urgency,omitempty"`
}

// Summary is the full conversion report.
type Summary struct {
	Users       int                        `json:"users"`
	ByState     map[models.FunnelState]int `json:"by_state"`
	Conversions int                        `json:"conversions"`
	Offerings   []OfferingSummary          `json:"offerings"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Reporter builds summaries from the store and the catalog.
type Reporter struct {
	repo    Repo
	catalog *catalog.Catalog
	now     func() time.Time
}

func NewReporter(repo Repo, cat *catalog.Catalog) *Reporter {
	return &Reporter{repo: repo, catalog: cat, now: time.Now}
}

// Summary reports every catalog offering in catalog order, followed by any
// offering that has conversions but has since left the catalog.
func (r *Reporter) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{ByState: make(map[models.FunnelState]int), GeneratedAt: r.now().UTC()}

	byState, err := r.repo.CountUsersByState(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count users by state: %w", err)
	}
	for _, state := range models.FunnelStates() {
		sum.ByState[state] = 0
	}
	for state, n := range byState {
		sum.ByState[state] = n
		sum.Users += n
	}

	rows, err := r.repo.GetServiceStats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read service stats: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Offering] = row.Count
		sum.Conversions += row.Count
	}

	seen := make(map[string]bool)
	for _, o := range r.catalog.Offerings() {
		seen[o.Tag] = true
		sum.Offerings = append(sum.Offerings, summarize(o, counts[o.Tag]))
	}
	for _, row := range rows {
		if !seen[row.Offering] {
			sum.Offerings = append(sum.Offerings, OfferingSummary{Offering: row.Offering, Name: row.Offering, Conversions: row.Count})
		}
	}

	slog.Debug("StatsReporter.Summary", "users", sum.Users, "conversions", sum.Conversions)
	return sum, nil
}

func summarize(o catalog.Offering, conversions int) OfferingSummary {
	s := OfferingSummary{Offering: o.Tag, Name: o.Name, Conversions: conversions, LimitedSlots: o.LimitedSlots}
	if o.LimitedSlots > 0 {
		remaining := RemainingSpots(o.LimitedSlots, conversions)
		s.RemainingSlots = &remaining
		s.Urgency = RemainingSpotsMessage(remaining)
	}
	return s
}

// RemainingSpots is slots minus conversions, never below zero.
func RemainingSpots(slots, conversions int) int {
	if conversions >= slots {
		return 0
	}
	return slots - conversions
}

// RemainingSpotsMessage escalates wording as spots run out.
func RemainingSpotsMessage(spots int) string {
	switch {
	case spots <= 0:
		return "No spots left at this price"
	case spots == 1:
		return "URGENT: ONLY 1 SPOT REMAINING!"
	case spots <= 3:
		return fmt.Sprintf("URGENT: ONLY %d SPOTS REMAINING!", spots)
	case spots <= 10:
		return fmt.Sprintf("Only %d spots left at this price!", spots)
	default:
		return fmt.Sprintf("Limited availability: %d spots left", spots)
	}
}
