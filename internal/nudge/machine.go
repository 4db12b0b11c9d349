// Package nudge decides whether and how to intervene for a task:
// escalation tier from elapsed avoidance time, strategy from a pure
// lookup table, both subject to the circuit breaker and per-user
// ceilings.
package nudge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/types"
)

// =============================================================================
// MACHINE
// =============================================================================

// window tracks one (user, task) avoidance window.
type window struct {
	tier        types.NudgeTier
	progressAt  time.Time // last positive progress signal
	lastNudgeAt time.Time
}

// Machine is the per-(user, task) escalation state machine.
type Machine struct {
	mu       sync.Mutex
	cfg      config.NudgeConfig
	selector *StrategySelector
	windows  map[windowKey]*window
	ceilings map[string]int // per-user, from tuning
}

type windowKey struct {
	userID string
	taskID string
}

// NewMachine creates a nudge state machine.
func NewMachine(cfg config.NudgeConfig, selector *StrategySelector) *Machine {
	return &Machine{
		cfg:      cfg,
		selector: selector,
		windows:  make(map[windowKey]*window),
		ceilings: make(map[string]int),
	}
}

// ApplyTuning installs per-user ceilings from a validated tuning snapshot.
func (m *Machine) ApplyTuning(t *config.Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ceilings = make(map[string]int, len(t.UserCeilings))
	for user, ceiling := range t.UserCeilings {
		m.ceilings[user] = ceiling
	}
}

func (m *Machine) ceiling(userID string) types.NudgeTier {
	if c, ok := m.ceilings[userID]; ok {
		return types.NudgeTier(c)
	}
	return types.NudgeTier(m.cfg.DefaultCeiling)
}

// =============================================================================
// DECISION
// =============================================================================

// Decide evaluates one (user, task) and returns a decision, or nil for a
// no-op cycle. maxTier and breakerStatus come from the circuit breaker;
// an OPEN or HALF_OPEN breaker forces anchor mode (GENTLE, FACILITATE)
// regardless of elapsed time.
func (m *Machine) Decide(userState types.UserState, meta types.TaskMeta, maxTier types.NudgeTier, breakerStatus types.BreakerStatus, now time.Time) *types.NudgeDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey{userID: userState.UserID, taskID: meta.TaskID}
	w, ok := m.windows[key]
	if !ok {
		w = &window{tier: types.TierGentle, progressAt: now}
		m.windows[key] = w
	}

	// Flooding guard: minimum inter-nudge interval per task.
	if !w.lastNudgeAt.IsZero() && now.Sub(w.lastNudgeAt) < m.cfg.MinInterval.Value() {
		logging.NudgeDebug("no-op for %s/%s: min interval not elapsed", key.userID, key.taskID)
		return nil
	}

	anchor := breakerStatus != types.BreakerClosed

	// Target tier from elapsed avoidance time. Monotonic: the window's
	// tier never decreases until an explicit reset.
	target := m.tierForElapsed(now.Sub(w.progressAt))
	if target > w.tier {
		w.tier = target
	}

	issued := w.tier
	reason := fmt.Sprintf("no progress on %s for %s (tier %s)",
		meta.TaskID, now.Sub(w.progressAt).Round(time.Minute), issued)

	if ceiling := m.ceiling(userState.UserID); issued > ceiling {
		issued = ceiling
		reason += fmt.Sprintf(", capped at user ceiling %s", ceiling)
	}
	if issued > maxTier {
		issued = maxTier
		reason += fmt.Sprintf(", capped by breaker at %s", maxTier)
	}

	var strategy types.Strategy
	if anchor {
		// Anchor mode: lowest intensity, facilitation only. The window's
		// internal tier was already reset when the breaker opened.
		issued = types.TierGentle
		strategy = types.StrategyFacilitate
		reason += fmt.Sprintf(", anchor mode (breaker %s)", breakerStatus)
	} else {
		var cell string
		strategy, cell = m.selector.Select(userState, meta)
		reason += fmt.Sprintf("; strategy %s from table cell %s", strategy, cell)
	}

	w.lastNudgeAt = now

	return &types.NudgeDecision{
		ID:           uuid.NewString(),
		UserID:       userState.UserID,
		TaskID:       meta.TaskID,
		Strategy:     strategy,
		TierLevel:    issued,
		Reason:       reason,
		AllowDismiss: true,
		IssuedAt:     now,
	}
}

func (m *Machine) tierForElapsed(elapsed time.Duration) types.NudgeTier {
	g2s := m.cfg.GentleToSarcastic.Value()
	s2s := m.cfg.SarcasticToSergeant.Value()
	switch {
	case elapsed > g2s+s2s:
		return types.TierSergeant
	case elapsed > g2s:
		return types.TierSarcastic
	default:
		return types.TierGentle
	}
}

// =============================================================================
// RESETS
// =============================================================================

// Progress restarts the avoidance clock for a task without lowering its
// tier. The tier only falls on completion, snooze, or breaker open.
func (m *Machine) Progress(userID, taskID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[windowKey{userID: userID, taskID: taskID}]; ok {
		w.progressAt = now
	}
}

// Complete closes the avoidance window for a task.
func (m *Machine) Complete(userID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, windowKey{userID: userID, taskID: taskID})
	logging.NudgeDebug("window closed for %s/%s: completed", userID, taskID)
}

// Snooze resets a task's tier to GENTLE and restarts its clock.
func (m *Machine) Snooze(userID, taskID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := windowKey{userID: userID, taskID: taskID}
	m.windows[key] = &window{tier: types.TierGentle, progressAt: now}
	logging.NudgeDebug("window reset for %s/%s: snoozed", userID, taskID)
}

// BreakerOpened resets every window for a user to GENTLE. Called when
// the user's circuit breaker transitions to OPEN.
func (m *Machine) BreakerOpened(userID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if key.userID == userID {
			w.tier = types.TierGentle
			w.progressAt = now
		}
	}
	logging.Nudge("windows reset to GENTLE for %s: breaker opened", userID)
}

// Tier returns the current window tier for a task. Exposed for the stats
// surface; GENTLE for unknown tasks.
func (m *Machine) Tier(userID, taskID string) types.NudgeTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[windowKey{userID: userID, taskID: taskID}]; ok {
		return w.tier
	}
	return types.TierGentle
}
