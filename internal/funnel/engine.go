// Package funnel implements the per-user funnel state machine. Each operation
// maps onto one typed repository mutation and, for selection and conversion,
// onto the follow-up scheduler.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/catalog"
	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// FollowUps is the part of the follow-up scheduler the engine drives.
// *followup.Scheduler implements it.
type FollowUps interface {
	Arm(ctx context.Context, userID, offering string) ([]models.FollowUpTask, error)
	WithKey(key models.FollowUpKey, fn func() error) error
	Disarm(key models.FollowUpKey) int
}

// Result is what a funnel operation produced.
type Result struct {
	User *models.User `json:"user"`
	// Content holds the assets selected for display at this step, if any.
	Content []models.ContentAsset `json:"content,omitempty"`
	// FollowUps holds the tasks armed by SelectOffering.
	FollowUps []models.FollowUpTask `json:"follow_ups,omitempty"`
	// Created is set by BeginSession and SelectOffering when the user record was new.
	Created bool `json:"created,omitempty"`
	// AlreadyConverted is set by Convert when the offering had been converted before.
	AlreadyConverted bool `json:"already_converted,omitempty"`
	// Cancelled counts pending follow-ups cancelled by Convert.
	Cancelled int `json:"cancelled,omitempty"`
}

// Opts holds engine configuration.
type Opts struct {
	Now func() time.Time
}

// Option defines an engine configuration option.
type Option func(*Opts)

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine is the funnel state machine.
type Engine struct {
	repo      store.UserRepo
	followUps FollowUps
	selector  *content.Selector
	catalog   *catalog.Catalog
	now       func() time.Time
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(repo store.UserRepo, followUps FollowUps, selector *content.Selector, cat *catalog.Catalog, opts ...Option) *Engine {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		repo:      repo,
		followUps: followUps,
		selector:  selector,
		catalog:   cat,
		now:       cfg.Now,
	}
}

// User returns the stored user or models.ErrNotFound.
func (e *Engine) User(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	return user, nil
}

// BeginSession creates the user or restarts its session. The user always ends
// in WELCOME_SHOWN with converted offerings kept. No follow-ups are armed.
func (e *Engine) BeginSession(ctx context.Context, userID string, entry models.EntryTag, profile models.Profile) (Result, error) {
	if userID == "" {
		return Result{}, models.ErrEmptyUserID
	}
	now := e.now()
	user, created, err := e.repo.StartSession(ctx, userID, entry, profile, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{User: user, Created: created}
	res.Content, err = e.showContent(ctx, user, content.PointWelcome, "", now)
	if err != nil {
		return Result{}, err
	}
	slog.Info("FunnelEngine.BeginSession", "userID", userID, "entryTag", entry, "created", created, "content", len(res.Content))
	return res, nil
}

// SelectOffering records the selection, replaces the follow-up sequence for
// (user, offering) and selects info content. An unknown user is created first.
func (e *Engine) SelectOffering(ctx context.Context, userID, offering string) (Result, error) {
	if userID == "" {
		return Result{}, models.ErrEmptyUserID
	}
	if _, ok := e.catalog.Offering(offering); !ok {
		return Result{}, fmt.Errorf("%w: %q", models.ErrUnknownOffering, offering)
	}
	now := e.now()

	var res Result
	existing, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		slog.Warn("FunnelEngine.SelectOffering: unknown user, creating", "userID", userID)
		if _, err := e.repo.CreateUser(ctx, userID, models.DefaultEntryTag, now); err != nil {
			return Result{}, err
		}
		res.Created = true
	}

	user, err := e.repo.SelectOffering(ctx, userID, offering, now)
	if err != nil {
		return Result{}, err
	}
	res.User = user

	if user.HasConverted(offering) {
		slog.Info("FunnelEngine.SelectOffering: offering already converted, no follow-ups", "userID", userID, "offering", offering)
	} else {
		res.FollowUps, err = e.followUps.Arm(ctx, userID, offering)
		if err != nil {
			return Result{}, err
		}
	}

	res.Content, err = e.showContent(ctx, user, content.PointInfo, offering, now)
	if err != nil {
		return Result{}, err
	}
	slog.Info("FunnelEngine.SelectOffering", "userID", userID, "offering", offering, "followUps", len(res.FollowUps), "content", len(res.Content))
	return res, nil
}

// Advance moves the user exactly one step forward. OFFERING_SELECTED and
// CONVERTED are rejected; use SelectOffering and Convert.
func (e *Engine) Advance(ctx context.Context, userID string, to models.FunnelState) (Result, error) {
	user, err := e.User(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if err := models.ValidateAdvance(user.State, to); err != nil {
		slog.Warn("FunnelEngine.Advance: rejected", "userID", userID, "from", user.State, "to", to)
		return Result{}, err
	}

	now := e.now()
	ok, err := e.repo.AdvanceState(ctx, userID, user.State, to, now)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// another event moved the user between the read and the update
		return Result{}, fmt.Errorf("%w: %s is no longer in %s", models.ErrInvalidTransition, userID, user.State)
	}

	var res Result
	if to == models.StateContentShown {
		res.Content, err = e.showContent(ctx, user, content.PointContent, user.Offering, now)
		if err != nil {
			return Result{}, err
		}
	}
	res.User, err = e.User(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	slog.Info("FunnelEngine.Advance", "userID", userID, "from", user.State, "to", to, "content", len(res.Content))
	return res, nil
}

// Convert records a conversion on offering, which must be or have been the
// user's selection. Pending follow-ups for (user, offering) are cancelled in
// the same transaction. Converting twice does not count twice.
func (e *Engine) Convert(ctx context.Context, userID, offering string) (Result, error) {
	user, err := e.User(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if !user.HasSelected(offering) {
		slog.Warn("FunnelEngine.Convert: offering never selected", "userID", userID, "offering", offering)
		return Result{}, fmt.Errorf("%w: %s never selected %q", models.ErrInvalidTransition, userID, offering)
	}

	key := models.FollowUpKey{UserID: userID, Offering: offering}
	var conv store.ConversionResult
	err = e.followUps.WithKey(key, func() error {
		var err error
		conv, err = e.repo.ConvertUser(ctx, userID, offering, e.now())
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("FunnelEngine.Convert failed", "error", err, "userID", userID, "offering", offering)
		}
		return Result{}, err
	}
	disarmed := e.followUps.Disarm(key)

	slog.Info("FunnelEngine.Convert", "userID", userID, "offering", offering,
		"alreadyConverted", conv.AlreadyConverted, "cancelled", conv.Cancelled, "disarmed", disarmed)
	return Result{User: conv.User, AlreadyConverted: conv.AlreadyConverted, Cancelled: conv.Cancelled}, nil
}

// showContent runs the selector for point and counts what it picked.
func (e *Engine) showContent(ctx context.Context, user *models.User, point content.Point, offering string, now time.Time) ([]models.ContentAsset, error) {
	items := e.selector.Select(point, offering)
	if len(items) == 0 {
		return nil, nil
	}
	if err := e.repo.RecordContentShown(ctx, user.ID, len(items), now); err != nil {
		return nil, err
	}
	user.ContentShownCount += len(items)
	return items, nil
}
