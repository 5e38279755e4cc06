package followup

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// wakeupEntry tracks one armed timer.
type wakeupEntry struct {
	timer       *time.Timer
	key         models.FollowUpKey
	scheduledAt time.Time
	dueAt       time.Time
}

// WakeupInfo describes an armed wake-up.
type WakeupInfo struct {
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	Offering    string    `json:"offering"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DueAt       time.Time `json:"due_at"`
}

// wakeupIndex is the in-memory set of armed timers, one per pending task id.
// It is a cache of the follow_ups table and is rebuilt by Recover.
type wakeupIndex struct {
	mu      sync.Mutex
	entries map[string]*wakeupEntry
}

func newWakeupIndex() *wakeupIndex {
	return &wakeupIndex{entries: make(map[string]*wakeupEntry)}
}

// add arms fn to run after delay, replacing any timer already armed for taskID.
func (w *wakeupIndex) add(taskID string, key models.FollowUpKey, dueAt time.Time, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	entry := &wakeupEntry{key: key, scheduledAt: time.Now(), dueAt: dueAt}

	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.entries[taskID]; ok {
		old.timer.Stop()
	}
	entry.timer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		// only the current entry for the id may clean up after itself
		if w.entries[taskID] == entry {
			delete(w.entries, taskID)
		}
		w.mu.Unlock()
		fn()
	})
	w.entries[taskID] = entry
	slog.Debug("wakeupIndex.add", "taskID", taskID, "key", key.String(), "delay", delay)
}

// remove stops the timer for taskID. It reports whether one was armed.
func (w *wakeupIndex) remove(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[taskID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(w.entries, taskID)
	return true
}

// has reports whether a timer is armed for taskID.
func (w *wakeupIndex) has(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[taskID]
	return ok
}

// clearKey stops every timer armed for key and returns how many were stopped.
func (w *wakeupIndex) clearKey(key models.FollowUpKey) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, entry := range w.entries {
		if entry.key == key {
			entry.timer.Stop()
			delete(w.entries, id)
			n++
		}
	}
	return n
}

// stopAll stops every timer.
func (w *wakeupIndex) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range w.entries {
		entry.timer.Stop()
	}
	slog.Debug("wakeupIndex stopped all timers", "count", len(w.entries))
	w.entries = make(map[string]*wakeupEntry)
}

func (w *wakeupIndex) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// list returns the armed wake-ups ordered by due time.
func (w *wakeupIndex) list() []WakeupInfo {
	w.mu.Lock()
	result := make([]WakeupInfo, 0, len(w.entries))
	for id, entry := range w.entries {
		result = append(result, WakeupInfo{
			TaskID:      id,
			UserID:      entry.key.UserID,
			Offering:    entry.key.Offering,
			ScheduledAt: entry.scheduledAt,
			DueAt:       entry.dueAt,
		})
	}
	w.mu.Unlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].DueAt.Equal(result[j].DueAt) {
			return result[i].TaskID < result[j].TaskID
		}
		return result[i].DueAt.Before(result[j].DueAt)
	})
	return result
}
