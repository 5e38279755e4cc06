package stats

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/testutil"
)

func TestRemainingSpotsMessage(t *testing.T) {
	tests := []struct {
		spots int
		want  string
	}{
		{0, "No spots left at this price"},
		{1, "URGENT: ONLY 1 SPOT REMAINING!"},
		{3, "URGENT: ONLY 3 SPOTS REMAINING!"},
		{4, "Only 4 spots left at this price!"},
		{10, "Only 10 spots left at this price!"},
		{11, "Limited availability: 11 spots left"},
	}
	for _, tt := range tests {
		if got := RemainingSpotsMessage(tt.spots); got != tt.want {
			t.Errorf("RemainingSpotsMessage(%d) = %q, want %q", tt.spots, got, tt.want)
		}
	}
}

func TestRemainingSpots(t *testing.T) {
	if got := RemainingSpots(5, 2); got != 3 {
		t.Errorf("RemainingSpots(5, 2) = %d", got)
	}
	if got := RemainingSpots(5, 9); got != 0 {
		t.Errorf("RemainingSpots(5, 9) = %d, want 0", got)
	}
}

func TestSummary(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.EnsureServiceStats(ctx, cat.Tags(), now); err != nil {
		t.Fatalf("EnsureServiceStats: %v", err)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if _, err := s.CreateUser(ctx, id, models.EntryGoogleAds, now); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	for _, id := range []string{"u1", "u2"} {
		if _, err := s.SelectOffering(ctx, id, "vip", now); err != nil {
			t.Fatalf("SelectOffering: %v", err)
		}
		if _, err := s.ConvertUser(ctx, id, "vip", now); err != nil {
			t.Fatalf("ConvertUser: %v", err)
		}
	}
	// an offering no longer in the catalog
	if _, err := s.ConvertUser(ctx, "u3", "legacy", now); err != nil {
		t.Fatalf("ConvertUser legacy: %v", err)
	}

	sum, err := NewReporter(s, cat).Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Users != 3 || sum.Conversions != 3 {
		t.Errorf("users=%d conversions=%d", sum.Users, sum.Conversions)
	}
	if sum.ByState[models.StateConverted] != 3 {
		t.Errorf("by state = %v", sum.ByState)
	}
	if n, ok := sum.ByState[models.StateWelcomeShown]; !ok || n != 0 {
		t.Errorf("empty state not reported: %v", sum.ByState)
	}

	byTag := make(map[string]OfferingSummary)
	for _, o := range sum.Offerings {
		byTag[o.Offering] = o
	}
	vip := byTag["vip"]
	if vip.Conversions != 2 || vip.RemainingSlots == nil || *vip.RemainingSlots != vip.LimitedSlots-2 {
		t.Errorf("vip summary = %+v", vip)
	}
	if vip.Urgency != RemainingSpotsMessage(vip.LimitedSlots-2) {
		t.Errorf("vip urgency = %q", vip.Urgency)
	}
	if c := byTag["copytrade"]; c.RemainingSlots != nil || c.Urgency != "" {
		t.Errorf("unlimited offering reported slots: %+v", c)
	}
	if l, ok := byTag["legacy"]; !ok || l.Conversions != 1 {
		t.Errorf("legacy offering missing: %+v", sum.Offerings)
	}
	if sum.Offerings[0].Offering != cat.Offerings()[0].Tag {
		t.Error("catalog order not kept")
	}
}
