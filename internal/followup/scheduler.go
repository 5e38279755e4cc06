// Package followup schedules re-engagement messages for users who stall
// after selecting an offering.
//
// The follow_ups table is the source of truth. Each pending row fires at most
// once: it ends sent, cancelled or failed. Armed timers are a cache of that
// table, so Recover rebuilds them after a restart and a cron-driven Sweep
// retries failed sends and picks up rows that were beyond the horizon.
// Firing, cancelling and converting take the same per-(user, offering) lock,
// so a conversion that commits before a fire acquires the lock always wins.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/cache"
	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

const (
	// DefaultHorizon bounds how far ahead wake-ups are armed.
	DefaultHorizon = 7 * 24 * time.Hour
	// DefaultMaxAttempts is the number of failed sends after which a task is abandoned.
	DefaultMaxAttempts = 3
	// DefaultSweepBatch caps how many due tasks one sweep fires.
	DefaultSweepBatch = 100
)

// DefaultOffsets are the delays after selection at which follow-ups 1..3 fall due.
var DefaultOffsets = []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour}

// ErrInvalidOffsets is returned for an empty or non-increasing offset list.
var ErrInvalidOffsets = errors.New("follow-up offsets must be positive and strictly increasing")

// Repo is the storage the scheduler needs.
type Repo interface {
	store.FollowUpRepo
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Composer builds the payload for follow-up seq. *content.Selector implements it.
type Composer interface {
	FollowUp(offering string, seq int, name string) (content.Payload, error)
}

// Outcome is the result of firing one task.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSkipped means the task was missing or already terminal.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeRetry means the send failed and the task stays pending.
	OutcomeRetry  Outcome = "retry"
	OutcomeFailed Outcome = "failed"
)

// RecoveryReport summarises a Recover pass.
type RecoveryReport struct {
	Overdue   int `json:"overdue"`
	Scheduled int `json:"scheduled"`
	// Deferred counts pending tasks beyond the horizon, left for a later sweep.
	Deferred int `json:"deferred"`
}

// SweepReport summarises a Sweep pass.
type SweepReport struct {
	Fired     int `json:"fired"`
	Scheduled int `json:"scheduled"`
}

// Opts holds scheduler configuration.
type Opts struct {
	Offsets     []time.Duration
	Horizon     time.Duration
	MaxAttempts int
	SweepBatch  int
	Now         func() time.Time
	Cache       cache.SentCache
}

// Option defines a scheduler configuration option.
type Option func(*Opts)

// WithOffsets sets the per-sequence delays after selection.
func WithOffsets(offsets ...time.Duration) Option {
	return func(o *Opts) { o.Offsets = offsets }
}

// WithHorizon sets how far ahead wake-ups are armed.
func WithHorizon(h time.Duration) Option {
	return func(o *Opts) { o.Horizon = h }
}

// WithMaxAttempts sets the failed-send limit.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithSweepBatch caps the number of due tasks fired per sweep.
func WithSweepBatch(n int) Option {
	return func(o *Opts) { o.SweepBatch = n }
}

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithSentCache sets the cache of delivered handles.
func WithSentCache(c cache.SentCache) Option {
	return func(o *Opts) { o.Cache = c }
}

// Scheduler arms, fires and cancels follow-up tasks.
type Scheduler struct {
	repo     Repo
	sender   messaging.Sender
	composer Composer
	cache    cache.SentCache

	offsets     []time.Duration
	horizon     time.Duration
	maxAttempts int
	sweepBatch  int
	now         func() time.Time

	wakeups *wakeupIndex
	locks   *keyLock

	// ctx is the parent of fires started by wake-ups.
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Recover once at startup before serving events.
func NewScheduler(repo Repo, sender messaging.Sender, composer Composer, opts ...Option) (*Scheduler, error) {
	cfg := Opts{
		Offsets:     DefaultOffsets,
		Horizon:     DefaultHorizon,
		MaxAttempts: DefaultMaxAttempts,
		SweepBatch:  DefaultSweepBatch,
		Now:         time.Now,
		Cache:       cache.Nop{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validateOffsets(cfg.Offsets); err != nil {
		return nil, err
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("FollowUpScheduler created", "offsets", cfg.Offsets, "horizon", cfg.Horizon, "maxAttempts", cfg.MaxAttempts)
	return &Scheduler{
		repo:        repo,
		sender:      sender,
		composer:    composer,
		cache:       cfg.Cache,
		offsets:     append([]time.Duration(nil), cfg.Offsets...),
		horizon:     cfg.Horizon,
		maxAttempts: cfg.MaxAttempts,
		sweepBatch:  cfg.SweepBatch,
		now:         cfg.Now,
		wakeups:     newWakeupIndex(),
		locks:       newKeyLock(),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func validateOffsets(offsets []time.Duration) error {
	if len(offsets) == 0 {
		return ErrInvalidOffsets
	}
	var prev time.Duration
	for _, off := range offsets {
		if off <= prev {
			return fmt.Errorf("%w: %v", ErrInvalidOffsets, offsets)
		}
		prev = off
	}
	return nil
}

// Offsets returns the configured per-sequence delays.
func (s *Scheduler) Offsets() []time.Duration {
	return append([]time.Duration(nil), s.offsets...)
}

// WithKey runs fn while holding the lock for (userID, offering). Fire holds
// the same lock for the whole re-read, send and mark sequence.
func (s *Scheduler) WithKey(key models.FollowUpKey, fn func() error) error {
	k := key.String()
	s.locks.lock(k)
	defer s.locks.unlock(k)
	return fn()
}

// Arm replaces the pending sequence for (userID, offering) with a fresh one
// timed from now, and arms wake-ups for the tasks inside the horizon. An
// offering the user has already converted arms nothing; the check runs under
// the key lock that Convert also holds.
func (s *Scheduler) Arm(ctx context.Context, userID, offering string) ([]models.FollowUpTask, error) {
	key := models.FollowUpKey{UserID: userID, Offering: offering}
	now := s.now()
	tasks := make([]models.FollowUpTask, len(s.offsets))
	for i, off := range s.offsets {
		tasks[i] = models.FollowUpTask{Seq: i + 1, DueAt: now.Add(off)}
	}

	var stored []models.FollowUpTask
	err := s.WithKey(key, func() error {
		user, err := s.repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user != nil && user.HasConverted(offering) {
			s.wakeups.clearKey(key)
			slog.Info("FollowUpScheduler.Arm: offering converted, nothing armed", "key", key.String())
			return nil
		}
		var cancelled int
		stored, cancelled, err = s.repo.ReplaceFollowUps(ctx, userID, offering, tasks, now)
		if err != nil {
			return err
		}
		cleared := s.wakeups.clearKey(key)
		armed := 0
		for _, t := range stored {
			if s.schedule(t, now) {
				armed++
			}
		}
		slog.Info("FollowUpScheduler.Arm", "key", key.String(), "created", len(stored), "cancelled", cancelled, "cleared", cleared, "armed", armed)
		return nil
	})
	if err != nil {
		slog.Error("FollowUpScheduler.Arm failed", "error", err, "key", key.String())
		return nil, err
	}
	return stored, nil
}

// Cancel marks every pending task for (userID, offering) cancelled and
// disarms its wake-ups. Tasks of other offerings are untouched.
func (s *Scheduler) Cancel(ctx context.Context, userID, offering string) (int, error) {
	key := models.FollowUpKey{UserID: userID, Offering: offering}
	var n int
	err := s.WithKey(key, func() error {
		var err error
		n, err = s.repo.CancelFollowUps(ctx, userID, offering, s.now())
		if err != nil {
			return err
		}
		s.wakeups.clearKey(key)
		return nil
	})
	if err != nil {
		slog.Error("FollowUpScheduler.Cancel failed", "error", err, "key", key.String())
		return 0, err
	}
	slog.Info("FollowUpScheduler.Cancel", "key", key.String(), "cancelled", n)
	return n, nil
}

// Disarm stops wake-ups for key without touching storage. Callers that
// cancel rows in their own transaction use it after commit.
func (s *Scheduler) Disarm(key models.FollowUpKey) int {
	return s.wakeups.clearKey(key)
}

// schedule arms a wake-up for t if it is due within the horizon.
func (s *Scheduler) schedule(t models.FollowUpTask, now time.Time) bool {
	delay := t.DueAt.Sub(now)
	if delay > s.horizon {
		return false
	}
	id := t.ID
	s.wakeups.add(id, t.Key(), t.DueAt, delay, func() { s.fireAsync(id) })
	return true
}

// fireAsync runs a fire triggered by a wake-up, unless the scheduler is stopping.
func (s *Scheduler) fireAsync(taskID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if _, err := s.Fire(s.ctx, taskID); err != nil {
		slog.Error("FollowUpScheduler wake-up fire failed", "error", err, "taskID", taskID)
	}
}

// Fire delivers one task if it is still pending and its offering is not
// converted. It does not check the due time; callers decide when to fire.
func (s *Scheduler) Fire(ctx context.Context, taskID string) (Outcome, error) {
	task, err := s.repo.GetFollowUp(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		s.wakeups.remove(taskID)
		slog.Debug("FollowUpScheduler.Fire: task not found", "taskID", taskID)
		return OutcomeSkipped, nil
	}

	var outcome Outcome
	err = s.WithKey(task.Key(), func() error {
		s.wakeups.remove(taskID)
		var err error
		outcome, err = s.fireLocked(ctx, taskID)
		return err
	})
	return outcome, err
}

func (s *Scheduler) fireLocked(ctx context.Context, taskID string) (Outcome, error) {
	// re-read under the key lock; a cancel or convert may have committed since
	task, err := s.repo.GetFollowUp(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil || task.Status != models.FollowUpPending {
		slog.Debug("FollowUpScheduler.Fire: task already terminal", "taskID", taskID)
		return OutcomeSkipped, nil
	}

	now := s.now()
	user, err := s.repo.GetUser(ctx, task.UserID)
	if err != nil {
		return "", err
	}
	if user == nil || user.HasConverted(task.Offering) {
		if _, err := s.repo.MarkFollowUpCancelled(ctx, task.ID, now); err != nil {
			return "", err
		}
		slog.Info("FollowUpScheduler.Fire: offering converted, task cancelled", "taskID", task.ID, "key", task.Key().String())
		return OutcomeCancelled, nil
	}

	// A handle in the cache means an earlier attempt delivered but never got marked.
	if handle, sentAt, found, err := s.cache.LookupSent(ctx, task.ID); err != nil {
		slog.Warn("FollowUpScheduler.Fire: sent cache lookup failed", "error", err, "taskID", task.ID)
	} else if found {
		if _, err := s.repo.MarkFollowUpSent(ctx, task.ID, handle, sentAt); err != nil {
			return "", err
		}
		slog.Info("FollowUpScheduler.Fire: delivery recovered from cache", "taskID", task.ID, "handle", handle)
		return OutcomeSent, nil
	}

	payload, err := s.composer.FollowUp(task.Offering, task.Seq, user.Profile.DisplayName(""))
	if err != nil {
		// nothing to send for this offering, retrying cannot help
		if _, _, rerr := s.repo.RecordFollowUpFailure(ctx, task.ID, err.Error(), 1, now); rerr != nil {
			return "", rerr
		}
		slog.Error("FollowUpScheduler.Fire: compose failed, task abandoned", "error", err, "taskID", task.ID)
		return OutcomeFailed, nil
	}

	handle, err := s.sender.Send(ctx, task.UserID, payload)
	if err != nil {
		status, attempts, rerr := s.repo.RecordFollowUpFailure(ctx, task.ID, err.Error(), s.maxAttempts, now)
		if rerr != nil {
			return "", rerr
		}
		if status == models.FollowUpFailed {
			slog.Error("FollowUpScheduler.Fire: send permanently failed", "error", err, "taskID", task.ID, "attempts", attempts)
			return OutcomeFailed, nil
		}
		slog.Warn("FollowUpScheduler.Fire: send failed, will retry", "error", err, "taskID", task.ID, "attempts", attempts)
		return OutcomeRetry, nil
	}

	sentAt := s.now()
	if err := s.cache.StoreSent(ctx, task.ID, handle, sentAt); err != nil {
		slog.Warn("FollowUpScheduler.Fire: sent cache store failed", "error", err, "taskID", task.ID)
	}
	ok, err := s.repo.MarkFollowUpSent(ctx, task.ID, handle, sentAt)
	if err != nil {
		return "", err
	}
	if !ok {
		slog.Warn("FollowUpScheduler.Fire: task left pending state during send", "taskID", task.ID)
	}
	slog.Info("FollowUpScheduler.Fire: sent", "taskID", task.ID, "key", task.Key().String(), "seq", task.Seq, "handle", handle)
	return OutcomeSent, nil
}

// Recover rebuilds wake-ups from storage. Overdue tasks fire before it
// returns; tasks within the horizon get a wake-up; the rest are deferred to
// a later sweep. Running it twice arms no duplicate timers.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	pending, err := s.repo.ListPendingFollowUps(ctx)
	if err != nil {
		return report, err
	}
	now := s.now()
	var overdue []models.FollowUpTask
	for _, t := range pending {
		switch {
		case !t.DueAt.After(now):
			overdue = append(overdue, t)
		case s.schedule(t, now):
			report.Scheduled++
		default:
			report.Deferred++
		}
	}

	var firstErr error
	for _, t := range overdue {
		report.Overdue++
		if _, err := s.Fire(ctx, t.ID); err != nil {
			slog.Error("FollowUpScheduler.Recover: overdue fire failed", "error", err, "taskID", t.ID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	slog.Info("FollowUpScheduler.Recover", "overdue", report.Overdue, "scheduled", report.Scheduled, "deferred", report.Deferred)
	return report, firstErr
}

// RecoverState runs Recover as part of application startup.
func (s *Scheduler) RecoverState(ctx context.Context) error {
	_, err := s.Recover(ctx)
	return err
}

// Sweep fires pending tasks that are past due and arms wake-ups for tasks
// that have come within the horizon.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	due, err := s.repo.ListDueFollowUps(ctx, now, s.sweepBatch)
	if err != nil {
		return report, err
	}
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := s.Fire(ctx, t.ID)
		if err != nil {
			slog.Error("FollowUpScheduler.Sweep: fire failed", "error", err, "taskID", t.ID)
			continue
		}
		if outcome != OutcomeSkipped {
			report.Fired++
		}
	}

	pending, err := s.repo.ListPendingFollowUps(ctx)
	if err != nil {
		return report, err
	}
	now = s.now()
	for _, t := range pending {
		if !t.DueAt.After(now) || s.wakeups.has(t.ID) {
			continue
		}
		if s.schedule(t, now) {
			report.Scheduled++
		}
	}
	if report.Fired > 0 || report.Scheduled > 0 {
		slog.Info("FollowUpScheduler.Sweep", "fired", report.Fired, "scheduled", report.Scheduled)
	}
	return report, nil
}

// Wakeups lists the armed wake-ups.
func (s *Scheduler) Wakeups() []WakeupInfo {
	return s.wakeups.list()
}

// ArmedCount returns the number of armed wake-ups.
func (s *Scheduler) ArmedCount() int {
	return s.wakeups.len()
}

// Stop disarms all wake-ups and waits for in-flight fires to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.wakeups.stopAll()
	s.wg.Wait()
	s.cancel()
	slog.Info("FollowUpScheduler stopped")
}
