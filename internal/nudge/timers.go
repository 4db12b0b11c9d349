package nudge

import (
	"sync"
	"time"

	"tether/internal/logging"
)

// =============================================================================
// TIMER REGISTRY
// =============================================================================
// Scheduled nudges are explicit cancellable handles keyed by (user, task).
// Superseding a pending timer is cancel-then-reschedule, never an implicit
// control-flow effect.

// TimerRegistry tracks pending scheduled nudges.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[windowKey]*time.Timer
}

// NewTimerRegistry creates an empty registry.
func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[windowKey]*time.Timer)}
}

// Schedule arms a timer for (user, task), cancelling any pending one
// first. fn runs on its own goroutine when the timer fires.
func (tr *TimerRegistry) Schedule(userID, taskID string, delay time.Duration, fn func()) {
	key := windowKey{userID: userID, taskID: taskID}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if prev, ok := tr.timers[key]; ok {
		prev.Stop()
		logging.NudgeDebug("superseded pending timer for %s/%s", userID, taskID)
	}
	tr.timers[key] = time.AfterFunc(delay, func() {
		tr.mu.Lock()
		delete(tr.timers, key)
		tr.mu.Unlock()
		fn()
	})
}

// Cancel stops a pending timer for (user, task). Reports whether a timer
// was actually pending.
func (tr *TimerRegistry) Cancel(userID, taskID string) bool {
	key := windowKey{userID: userID, taskID: taskID}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.timers[key]
	if !ok {
		return false
	}
	delete(tr.timers, key)
	return t.Stop()
}

// CancelAll stops every pending timer. Used on shutdown.
func (tr *TimerRegistry) CancelAll() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for key, t := range tr.timers {
		t.Stop()
		delete(tr.timers, key)
	}
}
