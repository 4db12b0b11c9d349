package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tether/internal/logging"
	"tether/internal/safety"
	"tether/internal/types"
)

// =============================================================================
// DECISION CYCLE
// =============================================================================

// runCycle executes steps one through seven for a single inbound event.
// Any unrecoverable failure past the safety gate degrades to "no
// intervention this cycle", never to a visible error.
func (l *Loop) runCycle(ctx context.Context, event types.InboundEvent) CycleResult {
	timer := logging.StartTimer(logging.CategoryLoop, "runCycle")
	defer timer.Stop()

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// --- Step 1: safety gate, before anything else touches the event ---
	assessment := l.gate.Assess(ctx, event.Text)
	if assessment.IsCrisis {
		return l.crisisPath(event, assessment, now)
	}

	l.appendRecord(types.TraceRecord{
		ID:        uuid.NewString(),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		TaskID:    event.TaskID,
		Timestamp: now,
		Kind:      types.KindUtterance,
		Priority:  types.PriorityMedium,
		Summary:   clip(event.Text, 200),
	})

	// Resolve any pending decision for this task before deciding anew.
	l.resolvePending(event, now)

	// Explicit task signals adjust the escalation window.
	switch event.Signal {
	case types.SignalProgress:
		l.machine.Progress(event.UserID, event.TaskID, now)
	case types.SignalCompletion:
		l.machine.Complete(event.UserID, event.TaskID)
	case types.SignalSnooze:
		l.machine.Snooze(event.UserID, event.TaskID, now)
	}

	state := l.updateUserState(event, now)

	// Completion and snooze cycles never nudge: the user just told us to
	// stand down.
	if event.Signal == types.SignalCompletion || event.Signal == types.SignalSnooze {
		return CycleResult{}
	}

	// --- Step 2: context frame ---
	fr, err := l.frames.Build(event.UserID, event.TaskID, event.Text, l.budget)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("frame build failed for %s, no intervention this cycle: %v",
			event.UserID, err)
		return CycleResult{}
	}

	// --- Step 3: nudge decision under the breaker ---
	maxTier, status, err := l.breakers.Allow(event.UserID)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("breaker lookup failed for %s, no intervention this cycle: %v",
			event.UserID, err)
		return CycleResult{}
	}

	meta := types.TaskMeta{TaskID: event.TaskID}
	decision := l.machine.Decide(state, meta, maxTier, status, now)
	if decision == nil {
		return CycleResult{}
	}

	// --- Step 4: dispatch ---
	text := l.composeText(ctx, decision, fr)
	dispatchErr := l.dispatchWithRetry(ctx, types.DispatchAction{
		ActionType:   "nudge",
		Decision:     decision,
		Text:         text,
		AllowDismiss: true,
	})

	l.appendRecord(types.TraceRecord{
		ID:        uuid.NewString(),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		TaskID:    event.TaskID,
		Timestamp: time.Now().UTC(),
		Kind:      types.KindActionTaken,
		Priority:  types.PriorityHigh,
		Summary: fmt.Sprintf("nudge %s: tier=%s strategy=%s reason=%q",
			decision.ID, decision.TierLevel, decision.Strategy, decision.Reason),
	})

	// --- Steps 5-7 for the failure case: a dispatch failure is a neutral
	// outcome, recorded immediately. ---
	if dispatchErr != nil {
		logging.DispatchWarn("dispatch exhausted retries for %s: %v", decision.ID, dispatchErr)
		l.recordOutcome(event.SessionID, types.InterventionOutcome{
			DecisionID:     decision.ID,
			UserID:         event.UserID,
			TaskID:         event.TaskID,
			DispatchFailed: true,
			RecordedAt:     time.Now().UTC(),
		})
		return CycleResult{Decision: decision}
	}

	// Outcome arrives with a later event; decision stays pending until
	// the response window lapses.
	l.mu.Lock()
	l.pending[pendingKey{userID: event.UserID, taskID: event.TaskID}] = decision
	l.mu.Unlock()

	sessionID := event.SessionID
	l.timers.Schedule(event.UserID, event.TaskID, l.respWindow, func() {
		l.expirePending(event.UserID, event.TaskID, decision.ID, sessionID)
	})

	return CycleResult{Decision: decision}
}

// =============================================================================
// CRISIS PATH
// =============================================================================

// crisisPath emits the fixed resource payload. No text generation, no
// nudge machinery, no network beyond what already ran in the gate. The
// event text is carried verbatim at critical priority for audit. A nudge
// still pending for this task is superseded: its outcome must not be
// resolved later against whatever signal the next event happens to carry.
func (l *Loop) crisisPath(event types.InboundEvent, assessment types.SafetyAssessment, now time.Time) CycleResult {
	l.supersedePending(event.UserID, event.TaskID, event.SessionID, now)

	l.appendRecord(types.TraceRecord{
		ID:        uuid.NewString(),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		TaskID:    event.TaskID,
		Timestamp: now,
		Kind:      types.KindUtterance,
		Priority:  types.PriorityCritical,
		Summary:   event.Text,
	})
	l.appendRecord(types.TraceRecord{
		ID:        uuid.NewString(),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		TaskID:    event.TaskID,
		Timestamp: now,
		Kind:      types.KindSafetyOverride,
		Priority:  types.PriorityCritical,
		Summary: fmt.Sprintf("safety override: type=%s source=%s confidence=%.2f",
			assessment.CrisisType, assessment.Source, assessment.Confidence),
	})

	payload := safety.Resources(assessment.CrisisType)
	return CycleResult{Crisis: true, Payload: &payload}
}

// =============================================================================
// OUTCOMES
// =============================================================================

// resolvePending closes out a pending decision for the event's task. A
// dismiss or engage signal becomes that outcome; any other new event for
// the same task supersedes the pending decision, which is neutral for
// the breaker.
func (l *Loop) resolvePending(event types.InboundEvent, now time.Time) {
	key := pendingKey{userID: event.UserID, taskID: event.TaskID}

	l.mu.Lock()
	decision, ok := l.pending[key]
	if ok {
		delete(l.pending, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	l.timers.Cancel(event.UserID, event.TaskID)

	outcome := types.InterventionOutcome{
		DecisionID:        decision.ID,
		UserID:            event.UserID,
		TaskID:            event.TaskID,
		ElapsedToResponse: now.Sub(decision.IssuedAt),
		RecordedAt:        now,
	}
	switch event.Signal {
	case types.SignalDismiss:
		outcome.Dismissed = true
	case types.SignalEngage, types.SignalProgress, types.SignalCompletion:
		outcome.Engaged = true
	default:
		outcome.Superseded = true
	}

	l.recordOutcome(event.SessionID, outcome)
}

// supersedePending closes any pending decision for a task as superseded
// and cancels its response-window timer.
func (l *Loop) supersedePending(userID, taskID, sessionID string, now time.Time) {
	key := pendingKey{userID: userID, taskID: taskID}

	l.mu.Lock()
	decision, ok := l.pending[key]
	if ok {
		delete(l.pending, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	l.timers.Cancel(userID, taskID)
	l.recordOutcome(sessionID, types.InterventionOutcome{
		DecisionID:        decision.ID,
		UserID:            userID,
		TaskID:            taskID,
		Superseded:        true,
		ElapsedToResponse: now.Sub(decision.IssuedAt),
		RecordedAt:        now,
	})
}

// expirePending resolves a decision whose response window lapsed with no
// follow-up event. Silence is not dismissal: the outcome stays neutral
// for the breaker. The decision id guards against a race with a cycle
// that already replaced the pending entry.
func (l *Loop) expirePending(userID, taskID, decisionID, sessionID string) {
	key := pendingKey{userID: userID, taskID: taskID}

	l.mu.Lock()
	decision, ok := l.pending[key]
	if ok && decision.ID == decisionID {
		delete(l.pending, key)
	} else {
		ok = false
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UTC()
	logging.NudgeDebug("response window lapsed for decision %s", decisionID)
	l.recordOutcome(sessionID, types.InterventionOutcome{
		DecisionID:        decisionID,
		UserID:            userID,
		TaskID:            taskID,
		TimedOut:          true,
		ElapsedToResponse: now.Sub(decision.IssuedAt),
		RecordedAt:        now,
	})
}

// recordOutcome appends the outcome trace and feeds the breaker. A
// CLOSED-to-OPEN transition resets the user's escalation windows.
func (l *Loop) recordOutcome(sessionID string, outcome types.InterventionOutcome) {
	label := "superseded"
	switch {
	case outcome.DispatchFailed:
		label = "dispatch_failed"
	case outcome.TimedOut:
		label = "timed_out"
	case outcome.Dismissed:
		label = "dismissed"
	case outcome.Engaged:
		label = "engaged"
	}

	l.appendRecord(types.TraceRecord{
		ID:        uuid.NewString(),
		UserID:    outcome.UserID,
		SessionID: sessionID,
		TaskID:    outcome.TaskID,
		Timestamp: outcome.RecordedAt,
		Kind:      types.KindOutcome,
		Priority:  types.PriorityHigh,
		Summary:   fmt.Sprintf("outcome for %s: %s", outcome.DecisionID, label),
	})

	before, err := l.breakers.State(outcome.UserID)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("breaker state read for %s: %v", outcome.UserID, err)
		return
	}
	if err := l.breakers.Record(outcome.UserID, outcome); err != nil {
		logging.Get(logging.CategoryLoop).Warn("breaker record for %s: %v", outcome.UserID, err)
		return
	}
	after, err := l.breakers.State(outcome.UserID)
	if err == nil && before.Status != types.BreakerOpen && after.Status == types.BreakerOpen {
		l.machine.BreakerOpened(outcome.UserID, outcome.RecordedAt)
	}
}

// =============================================================================
// USER STATE
// =============================================================================

// updateUserState applies small signal-driven deltas, clamps, persists,
// and appends the mutation as a state_update record.
func (l *Loop) updateUserState(event types.InboundEvent, now time.Time) types.UserState {
	state, err := l.store.LoadUserState(event.UserID)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("user state load for %s: %v", event.UserID, err)
		state = types.UserState{UserID: event.UserID, Energy: 0.5, Mood: 0.5, Focus: 0.5, CognitiveLoad: 0.5}
	}

	changed := true
	switch event.Signal {
	case types.SignalCompletion:
		state.Mood += 0.1
		state.CognitiveLoad -= 0.1
	case types.SignalProgress:
		state.Focus += 0.05
	case types.SignalEngage:
		state.Mood += 0.05
	case types.SignalDismiss:
		state.Mood -= 0.05
	case types.SignalSnooze:
		state.CognitiveLoad += 0.05
	default:
		changed = false
	}
	state.Clamp()
	state.LastUpdated = now

	if err := l.store.SaveUserState(state); err != nil {
		logging.Get(logging.CategoryLoop).Warn("user state save for %s: %v", event.UserID, err)
	}
	if changed {
		l.appendRecord(types.TraceRecord{
			ID:        uuid.NewString(),
			UserID:    event.UserID,
			SessionID: event.SessionID,
			TaskID:    event.TaskID,
			Timestamp: now,
			Kind:      types.KindStateUpdate,
			Priority:  types.PriorityLow,
			Summary: fmt.Sprintf("state after %s: energy=%.2f mood=%.2f focus=%.2f load=%.2f",
				event.Signal, state.Energy, state.Mood, state.Focus, state.CognitiveLoad),
		})
	}
	return state
}

// =============================================================================
// DISPATCH AND COMPOSITION
// =============================================================================

// dispatchWithRetry delivers one action with bounded retries and doubling
// backoff. At-least-once: a retry after a lost ack may deliver twice, and
// the dispatcher contract treats that as idempotent.
func (l *Loop) dispatchWithRetry(ctx context.Context, action types.DispatchAction) error {
	backoff := l.cfg.RetryBackoff.Value()
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logging.DispatchWarn("dispatch retry %d/%d after %s: %v",
				attempt, l.cfg.MaxRetries, backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout.Value())
		lastErr = l.dispatcher.Dispatch(attemptCtx, action)
		cancel()
		if lastErr == nil {
			logging.Dispatch("dispatched %s for %s", action.ActionType, action.Decision.UserID)
			return nil
		}
	}
	return fmt.Errorf("dispatch failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}

// composeText produces the nudge text: generated when a backend is
// configured, canned per (strategy, tier) otherwise or on failure.
func (l *Loop) composeText(ctx context.Context, decision *types.NudgeDecision, fr types.ContextFrame) string {
	if l.textgen != nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Compose a short %s nudge at %s intensity for task %s.\nContext:\n",
			decision.Strategy, decision.TierLevel, decision.TaskID)
		for _, e := range fr.Entries {
			sb.WriteString(e.Text)
			sb.WriteString("\n")
		}

		genCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout.Value())
		text, err := l.textgen.Generate(genCtx, sb.String(), fr.Budget)
		cancel()
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		logging.LoopDebug("text generation unavailable, using canned text: %v", err)
	}
	return cannedText(decision.Strategy, decision.TierLevel)
}

// cannedText is the deterministic fallback copy. Kept deliberately mild:
// canned SERGEANT still respects the dismiss affordance.
func cannedText(strategy types.Strategy, tier types.NudgeTier) string {
	switch strategy {
	case types.StrategyConfront:
		if tier >= types.TierSergeant {
			return "This task is still waiting. What exactly is stopping you right now?"
		}
		return "You've been circling this one. What's the real blocker?"
	case types.StrategyReinforce:
		return "You've made progress before on harder things. One small step here counts."
	default: // FACILITATE
		if tier >= types.TierSarcastic {
			return "Still parked on this task. Want help breaking it into a two-minute first step?"
		}
		return "When you're ready, a tiny first step on this task might help. Dismiss if now's not the time."
	}
}

// =============================================================================
// TRACE HELPERS
// =============================================================================

// appendRecord writes one trace record, logging rather than failing the
// cycle on error. Append failures degrade audit completeness, not user
// behavior.
func (l *Loop) appendRecord(rec types.TraceRecord) {
	if err := l.store.Append(rec); err != nil {
		logging.Get(logging.CategoryLoop).Warn("trace append %s failed: %v", rec.ID, err)
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Stats surfaces loop-level counters for the stats command.
type LoopStats struct {
	ActiveWorkers   int `json:"active_workers"`
	PendingOutcomes int `json:"pending_outcomes"`
}

// Stats reports live worker and pending-outcome counts.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStats{
		ActiveWorkers:   len(l.mailboxes),
		PendingOutcomes: len(l.pending),
	}
}
