package funnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/followup"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/testutil"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  *store.SQLiteStore
	sched  *followup.Scheduler
	sender *testutil.RecordingSender
	clock  *testutil.Clock
}

func newHarness(t *testing.T, probs content.Probabilities) *harness {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	h := &harness{
		store:  testutil.NewSQLiteStore(t),
		sender: testutil.NewRecordingSender(),
		clock:  testutil.NewClock(t0),
	}
	selector := content.NewSelector(cat, content.WithRand(testutil.NewSeededRand(7)), content.WithProbabilities(probs))
	h.sched, err = followup.NewScheduler(h.store, h.sender, selector, followup.WithNow(h.clock.Now))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(h.sched.Stop)
	h.engine = NewEngine(h.store, h.sched, selector, cat, WithNow(h.clock.Now))
	return h
}

func noContent() content.Probabilities { return content.Probabilities{} }

func pending(t *testing.T, s store.Store, userID, offering string) []models.FollowUpTask {
	t.Helper()
	tasks, err := s.ListFollowUps(context.Background(), userID, offering)
	if err != nil {
		t.Fatalf("ListFollowUps: %v", err)
	}
	var out []models.FollowUpTask
	for _, task := range tasks {
		if task.Status == models.FollowUpPending {
			out = append(out, task)
		}
	}
	return out
}

func TestEndToEnd_SelectThenConvertBeforeFirstFollowUp(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()

	res, err := h.engine.BeginSession(ctx, "U1", models.EntryGoogleAds, models.Profile{FirstName: "Ana"})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if res.User.State != models.StateWelcomeShown || !res.Created {
		t.Fatalf("after BeginSession: %+v", res)
	}
	if res.User.EntryTag != models.EntryGoogleAds {
		t.Errorf("entry tag = %s", res.User.EntryTag)
	}

	res, err = h.engine.SelectOffering(ctx, "U1", "vip")
	if err != nil {
		t.Fatalf("SelectOffering: %v", err)
	}
	if res.User.State != models.StateOfferingSelected || res.User.Offering != "vip" {
		t.Fatalf("after SelectOffering: %+v", res.User)
	}
	tasks := pending(t, h.store, "U1", "vip")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", len(tasks))
	}
	for i, off := range []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour} {
		if !tasks[i].DueAt.Equal(t0.Add(off)) {
			t.Errorf("task %d due %v, want now+%v", i+1, tasks[i].DueAt, off)
		}
	}

	h.clock.Advance(23 * time.Hour)
	res, err = h.engine.Convert(ctx, "U1", "vip")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.User.State != models.StateConverted || res.Cancelled != 3 || res.AlreadyConverted {
		t.Fatalf("after Convert: %+v", res)
	}
	if n := len(pending(t, h.store, "U1", "vip")); n != 0 {
		t.Errorf("pending tasks after convert = %d", n)
	}
	stat, err := h.store.GetServiceStat(ctx, "vip")
	if err != nil || stat.Count != 1 {
		t.Errorf("vip count = %d, %v; want 1", stat.Count, err)
	}
	if h.sched.ArmedCount() != 0 {
		t.Errorf("wake-ups left after convert: %d", h.sched.ArmedCount())
	}

	h.clock.Advance(72 * time.Hour)
	if _, err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if h.sender.Count() != 0 {
		t.Errorf("converted user received %d follow-ups", h.sender.Count())
	}
}

func TestConvert_Idempotent(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	h.engine.BeginSession(ctx, "u1", models.EntryTelegramAds, models.Profile{})
	h.engine.SelectOffering(ctx, "u1", "signal")

	if _, err := h.engine.Convert(ctx, "u1", "signal"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	res, err := h.engine.Convert(ctx, "u1", "signal")
	if err != nil {
		t.Fatalf("second Convert: %v", err)
	}
	if !res.AlreadyConverted || res.Cancelled != 0 {
		t.Errorf("second Convert = %+v", res)
	}
	stat, _ := h.store.GetServiceStat(ctx, "signal")
	if stat.Count != 1 {
		t.Errorf("signal count = %d, want 1", stat.Count)
	}
}

func TestConvert_RequiresSelection(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	h.engine.BeginSession(ctx, "u1", models.EntryTelegramAds, models.Profile{})
	h.engine.SelectOffering(ctx, "u1", "signal")

	_, err := h.engine.Convert(ctx, "u1", "vip")
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// earlier selections still qualify
	h.engine.SelectOffering(ctx, "u1", "vip")
	if _, err := h.engine.Convert(ctx, "u1", "signal"); err != nil {
		t.Errorf("Convert on earlier selection: %v", err)
	}
	if n := len(pending(t, h.store, "u1", "vip")); n != 3 {
		t.Errorf("converting signal touched vip follow-ups: %d pending", n)
	}
}

func TestUnknownUser(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()

	if _, err := h.engine.Advance(ctx, "ghost", models.StateInfoShown); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Advance: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Convert(ctx, "ghost", "vip"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Convert: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.BeginSession(ctx, "", models.EntryTelegramAds, models.Profile{}); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("BeginSession empty id: %v", err)
	}
}

func TestSelectOffering_SelfHeals(t *testing.T) {
	h := newHarness(t, noContent())
	res, err := h.engine.SelectOffering(context.Background(), "walk-in", "copytrade")
	if err != nil {
		t.Fatalf("SelectOffering: %v", err)
	}
	if !res.Created || res.User.EntryTag != models.DefaultEntryTag || len(res.FollowUps) != 3 {
		t.Errorf("self-healed selection = %+v", res)
	}
}

func TestSelectOffering_UnknownOffering(t *testing.T) {
	h := newHarness(t, noContent())
	_, err := h.engine.SelectOffering(context.Background(), "u1", "timeshare")
	if !errors.Is(err, models.ErrUnknownOffering) {
		t.Errorf("expected ErrUnknownOffering, got %v", err)
	}
}

func TestSelectOffering_ReselectReplacesOnlyThatOffering(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	h.engine.SelectOffering(ctx, "u1", "vip")
	h.engine.SelectOffering(ctx, "u1", "signal")
	h.clock.Advance(time.Hour)
	h.engine.SelectOffering(ctx, "u1", "vip")

	vip, _ := h.store.ListFollowUps(ctx, "u1", "vip")
	if len(vip) != 6 || len(pending(t, h.store, "u1", "vip")) != 3 {
		t.Errorf("vip history = %d rows, %d pending", len(vip), len(pending(t, h.store, "u1", "vip")))
	}
	if len(pending(t, h.store, "u1", "signal")) != 3 {
		t.Error("reselecting vip cancelled signal follow-ups")
	}
}

func TestSelectOffering_AfterConversionArmsNothing(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	h.engine.SelectOffering(ctx, "u1", "vip")
	h.engine.Convert(ctx, "u1", "vip")

	res, err := h.engine.SelectOffering(ctx, "u1", "vip")
	if err != nil {
		t.Fatalf("SelectOffering: %v", err)
	}
	if len(res.FollowUps) != 0 || len(pending(t, h.store, "u1", "vip")) != 0 {
		t.Errorf("converted offering re-armed: %+v", res.FollowUps)
	}
}

// convertOnSelect converts the offering right after the selection is stored,
// before the engine arms follow-ups.
type convertOnSelect struct {
	*store.SQLiteStore
	engine *Engine
}

func (r *convertOnSelect) SelectOffering(ctx context.Context, id, offering string, now time.Time) (*models.User, error) {
	user, err := r.SQLiteStore.SelectOffering(ctx, id, offering, now)
	if err != nil {
		return nil, err
	}
	if _, err := r.engine.Convert(ctx, id, offering); err != nil {
		return nil, err
	}
	return user, nil
}

func TestSelectOffering_ConvertBeforeArmLeavesNothingPending(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	repo := &convertOnSelect{SQLiteStore: h.store}
	selector := content.NewSelector(cat, content.WithProbabilities(noContent()))
	engine := NewEngine(repo, h.sched, selector, cat, WithNow(h.clock.Now))
	repo.engine = engine

	if _, err := engine.BeginSession(ctx, "U1", models.EntryGoogleAds, models.Profile{}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	res, err := engine.SelectOffering(ctx, "U1", "vip")
	if err != nil {
		t.Fatalf("SelectOffering: %v", err)
	}
	if len(res.FollowUps) != 0 {
		t.Errorf("armed %d follow-ups for a converted offering", len(res.FollowUps))
	}

	user, err := h.store.GetUser(ctx, "U1")
	if err != nil || user == nil {
		t.Fatalf("GetUser: %v, %v", user, err)
	}
	if !user.HasConverted("vip") || user.State != models.StateConverted {
		t.Fatalf("user not converted: %+v", user)
	}
	if n := len(pending(t, h.store, "U1", "vip")); n != 0 {
		t.Errorf("pending vip follow-ups = %d, want 0", n)
	}
	if h.sched.ArmedCount() != 0 {
		t.Errorf("armed wake-ups = %d, want 0", h.sched.ArmedCount())
	}
	if _, err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if h.sender.Count() != 0 {
		t.Errorf("sent %d messages, want 0", h.sender.Count())
	}
}

func TestBeginSession_KeepsConversions(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	h.engine.SelectOffering(ctx, "u1", "vip")
	h.engine.Convert(ctx, "u1", "vip")

	res, err := h.engine.BeginSession(ctx, "u1", models.EntryTikTokAds, models.Profile{Username: "ana"})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if res.Created || res.User.State != models.StateWelcomeShown {
		t.Errorf("restart = %+v", res)
	}
	if !res.User.HasConverted("vip") || res.User.EntryTag != models.EntryTikTokAds {
		t.Errorf("restart lost data: %+v", res.User)
	}
}

func TestAdvance(t *testing.T) {
	h := newHarness(t, content.Probabilities{Content: 1})
	ctx := context.Background()
	h.engine.BeginSession(ctx, "u1", models.EntryTelegramAds, models.Profile{})

	// NEW -> PRICING_SHOWN style jumps are rejected
	if _, err := h.engine.Advance(ctx, "u1", models.StatePricingShown); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("skip ahead: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.engine.Advance(ctx, "u1", models.StateOfferingSelected); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("advance into OFFERING_SELECTED: expected ErrInvalidTransition, got %v", err)
	}

	h.engine.SelectOffering(ctx, "u1", "vip")
	res, err := h.engine.Advance(ctx, "u1", models.StateInfoShown)
	if err != nil || res.User.State != models.StateInfoShown {
		t.Fatalf("Advance to INFO_SHOWN = %+v, %v", res, err)
	}
	res, err = h.engine.Advance(ctx, "u1", models.StateContentShown)
	if err != nil {
		t.Fatalf("Advance to CONTENT_SHOWN: %v", err)
	}
	if len(res.Content) == 0 {
		t.Error("CONTENT_SHOWN should attach content at probability 1")
	}
	for _, a := range res.Content {
		if a.Offering != "vip" {
			t.Errorf("content for wrong offering: %+v", a)
		}
	}
	if res.User.ContentShownCount != len(res.Content) {
		t.Errorf("ContentShownCount = %d, want %d", res.User.ContentShownCount, len(res.Content))
	}
	if _, err := h.engine.Advance(ctx, "u1", models.StatePricingShown); err != nil {
		t.Fatalf("Advance to PRICING_SHOWN: %v", err)
	}
	if _, err := h.engine.Advance(ctx, "u1", models.StateConverted); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("advance into CONVERTED: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAdvance_ConcurrentOnlyOneWins(t *testing.T) {
	h := newHarness(t, noContent())
	ctx := context.Background()
	h.engine.SelectOffering(ctx, "u1", "vip")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Advance(ctx, "u1", models.StateInfoShown); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, models.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestBeginSession_WelcomeContent(t *testing.T) {
	h := newHarness(t, content.Probabilities{Welcome: 1})
	res, err := h.engine.BeginSession(context.Background(), "u1", models.EntryTelegramAds, models.Profile{})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if n := len(res.Content); n < 2 || n > 3 {
		t.Errorf("welcome content = %d items, want 2 or 3", n)
	}
	stored, _ := h.store.GetUser(context.Background(), "u1")
	if stored.ContentShownCount != len(res.Content) {
		t.Errorf("stored count = %d, want %d", stored.ContentShownCount, len(res.Content))
	}
	if len(pending(t, h.store, "u1", "")) != 0 {
		t.Error("BeginSession armed follow-ups")
	}
}
