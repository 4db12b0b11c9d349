// Package breaker implements the per-user intervention circuit breaker:
// CLOSED (normal) -> OPEN (suppressed) -> HALF_OPEN (probing) -> CLOSED
// or back to OPEN. Sustained negative outcomes open it; only a positive
// HALF_OPEN probe closes it again.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/store"
	"tether/internal/types"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds one breaker per user, created on first contact and
// persisted through the trace store so an OPEN breaker survives restarts.
type Registry struct {
	mu      sync.Mutex
	cfg     config.BreakerConfig
	store   *store.TraceStore
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state types.CircuitBreakerState
}

// NewRegistry creates a breaker registry backed by the trace store.
func NewRegistry(cfg config.BreakerConfig, st *store.TraceStore) *Registry {
	return &Registry{
		cfg:     cfg,
		store:   st,
		entries: make(map[string]*entry),
	}
}

// ApplyTuning swaps in overridden threshold and cool-down values. Zero
// values leave the compiled defaults in place. Existing breaker states
// are not rewound; the new numbers apply from the next transition on.
func (r *Registry) ApplyTuning(negativeThreshold int, coolDown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if negativeThreshold > 0 {
		r.cfg.NegativeThreshold = negativeThreshold
	}
	if coolDown > 0 {
		r.cfg.CoolDown = config.From(coolDown)
	}
	logging.Breaker("tuning applied: threshold=%d cool_down=%s",
		r.cfg.NegativeThreshold, r.cfg.CoolDown.Value())
}

// get returns the entry for a user, loading persisted state on first
// contact.
func (r *Registry) get(userID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[userID]; ok {
		return e, nil
	}
	state, err := r.store.LoadBreakerState(userID)
	if err != nil {
		return nil, fmt.Errorf("load breaker for %s: %w", userID, err)
	}
	e := &entry{state: state}
	r.entries[userID] = e
	return e, nil
}

// snapshot of the tunable numbers, taken under the registry lock.
func (r *Registry) tunables() (threshold int, window, coolDown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.NegativeThreshold, r.cfg.Window.Value(), r.cfg.CoolDown.Value()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Record applies one intervention outcome to a user's breaker.
// Superseded and dispatch-failed outcomes are neutral and change nothing.
func (r *Registry) Record(userID string, outcome types.InterventionOutcome) error {
	if !outcome.Negative() && !outcome.Positive() {
		return nil
	}

	e, err := r.get(userID)
	if err != nil {
		return err
	}
	threshold, window, _ := r.tunables()
	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.state

	if outcome.Positive() {
		// A positive outcome always clears resistance tracking, but an
		// already-OPEN breaker only closes through the HALF_OPEN probe.
		s.ConsecutiveNegative = 0
		s.WindowStart = time.Time{}
		if s.Status == types.BreakerHalfOpen {
			s.Status = types.BreakerClosed
			s.OpenedAt = time.Time{}
			logging.Breaker("breaker for %s: probe positive, HALF_OPEN -> CLOSED", userID)
		}
		return r.store.SaveBreakerState(*s)
	}

	// Negative outcome.
	switch s.Status {
	case types.BreakerHalfOpen:
		s.Status = types.BreakerOpen
		s.OpenedAt = now
		s.ConsecutiveNegative = threshold
		logging.Breaker("breaker for %s: probe negative, HALF_OPEN -> OPEN", userID)

	case types.BreakerClosed:
		if s.WindowStart.IsZero() || now.Sub(s.WindowStart) > window {
			s.WindowStart = now
			s.ConsecutiveNegative = 1
		} else {
			s.ConsecutiveNegative++
		}
		if s.ConsecutiveNegative >= threshold {
			s.Status = types.BreakerOpen
			s.OpenedAt = now
			logging.Breaker("breaker for %s: %d consecutive negatives, CLOSED -> OPEN",
				userID, s.ConsecutiveNegative)
		}

	case types.BreakerOpen:
		// Already suppressed; nothing to escalate to.
	}

	return r.store.SaveBreakerState(*s)
}

// Allow reports what intensity may be issued for a user right now. An
// OPEN breaker past its cool-down moves to HALF_OPEN here, since the
// probe is the next issued intervention. The returned status is the
// state after any such transition.
func (r *Registry) Allow(userID string) (maxTier types.NudgeTier, status types.BreakerStatus, err error) {
	e, err := r.get(userID)
	if err != nil {
		return types.TierGentle, types.BreakerOpen, err
	}
	_, _, coolDown := r.tunables()
	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.state

	if s.Status == types.BreakerOpen && now.Sub(s.OpenedAt) >= coolDown {
		s.Status = types.BreakerHalfOpen
		s.LastProbeAt = now
		logging.Breaker("breaker for %s: cool-down elapsed, OPEN -> HALF_OPEN", userID)
		if err := r.store.SaveBreakerState(*s); err != nil {
			return types.TierGentle, s.Status, err
		}
	}

	switch s.Status {
	case types.BreakerClosed:
		return types.TierSergeant, s.Status, nil
	default:
		// OPEN and HALF_OPEN both cap at anchor mode: lowest intensity,
		// no escalation.
		return types.TierGentle, s.Status, nil
	}
}

// State returns the current breaker snapshot for a user.
func (r *Registry) State(userID string) (types.CircuitBreakerState, error) {
	e, err := r.get(userID)
	if err != nil {
		return types.CircuitBreakerState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}
