package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/internal/breaker"
	"tether/internal/config"
	"tether/internal/frame"
	"tether/internal/nudge"
	"tether/internal/safety"
	"tether/internal/store"
	"tether/internal/types"
)

// =============================================================================
// FAKES
// =============================================================================

type countingDispatcher struct {
	mu      sync.Mutex
	calls   int
	err     error
	actions []types.DispatchAction
}

func (d *countingDispatcher) Dispatch(_ context.Context, action types.DispatchAction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.actions = append(d.actions, action)
	return d.err
}

func (d *countingDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type countingTextGen struct {
	mu    sync.Mutex
	calls int
}

func (g *countingTextGen) Generate(context.Context, string, int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return "generated nudge text", nil
}

func (g *countingTextGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	loop       *Loop
	store      *store.TraceStore
	dispatcher *countingDispatcher
	textgen    *countingTextGen
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Dispatch.Timeout = config.Seconds(1)
	cfg.Dispatch.RetryBackoff = config.From(10 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dispatcher := &countingDispatcher{}
	textgen := &countingTextGen{}

	l, err := New(Options{
		Store:          st,
		Frames:         frame.NewBuilder(st, cfg.Frame),
		Gate:           safety.NewGate(cfg.Safety, nil),
		Breakers:       breaker.NewRegistry(cfg.Breaker, st),
		Machine:        nudge.NewMachine(cfg.Nudge, nudge.NewStrategySelector()),
		Timers:         nudge.NewTimerRegistry(),
		Dispatcher:     dispatcher,
		TextGen:        textgen,
		Dispatch:       cfg.Dispatch,
		Budget:         cfg.Frame.Budget,
		ResponseWindow: cfg.Nudge.ResponseWindow.Value(),
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	l.Start(context.Background())
	t.Cleanup(l.Stop)

	return &harness{loop: l, store: st, dispatcher: dispatcher, textgen: textgen}
}

func event(userID, taskID, text string, signal types.EventSignal) types.InboundEvent {
	return types.InboundEvent{
		UserID:    userID,
		SessionID: "s1",
		TaskID:    taskID,
		Text:      text,
		Signal:    signal,
		Timestamp: time.Now().UTC(),
	}
}

func recordsOfKind(t *testing.T, st *store.TraceStore, userID string, kind types.RecordKind) []types.TraceRecord {
	t.Helper()
	recs, err := st.Query(store.QueryFilter{UserID: userID}, 1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var out []types.TraceRecord
	for _, r := range recs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// TESTS
// =============================================================================

func TestCrisisPrecedence(t *testing.T) {
	h := newHarness(t, nil)

	res := h.loop.Process(context.Background(), event("u1", "t1", "I want to end it all", ""))
	if res.Err != nil {
		t.Fatalf("process: %v", res.Err)
	}
	if !res.Crisis {
		t.Fatal("crisis text not flagged")
	}
	if res.Payload == nil || len(res.Payload.Resources) == 0 {
		t.Fatal("crisis result missing resource payload")
	}
	if res.Decision != nil {
		t.Error("crisis cycle produced a nudge decision")
	}

	// The crisis path must never reach generation or dispatch.
	if n := h.textgen.callCount(); n != 0 {
		t.Errorf("text generator called %d times during crisis", n)
	}
	if n := h.dispatcher.callCount(); n != 0 {
		t.Errorf("dispatcher called %d times during crisis", n)
	}

	// Verbatim critical utterance plus a safety_override record.
	utterances := recordsOfKind(t, h.store, "u1", types.KindUtterance)
	if len(utterances) != 1 {
		t.Fatalf("utterance records = %d, want 1", len(utterances))
	}
	if utterances[0].Summary != "I want to end it all" {
		t.Errorf("crisis utterance not verbatim: %q", utterances[0].Summary)
	}
	if utterances[0].Priority != types.PriorityCritical {
		t.Errorf("crisis utterance priority = %s, want critical", utterances[0].Priority)
	}
	if overrides := recordsOfKind(t, h.store, "u1", types.KindSafetyOverride); len(overrides) != 1 {
		t.Errorf("safety_override records = %d, want 1", len(overrides))
	}
}

func TestNormalCycleDispatches(t *testing.T) {
	h := newHarness(t, nil)

	res := h.loop.Process(context.Background(), event("u1", "t1", "still putting off the report", ""))
	if res.Err != nil {
		t.Fatalf("process: %v", res.Err)
	}
	if res.Crisis {
		t.Fatal("benign text flagged as crisis")
	}
	if res.Decision == nil {
		t.Fatal("expected a nudge decision on first contact")
	}
	if res.Decision.TierLevel != types.TierGentle {
		t.Errorf("first decision tier = %s, want GENTLE", res.Decision.TierLevel)
	}
	if n := h.dispatcher.callCount(); n != 1 {
		t.Errorf("dispatcher calls = %d, want 1", n)
	}
	if n := h.textgen.callCount(); n != 1 {
		t.Errorf("text generator calls = %d, want 1", n)
	}

	if actions := recordsOfKind(t, h.store, "u1", types.KindActionTaken); len(actions) != 1 {
		t.Errorf("action_taken records = %d, want 1", len(actions))
	}
	if stats := h.loop.Stats(); stats.PendingOutcomes != 1 {
		t.Errorf("pending outcomes = %d, want 1", stats.PendingOutcomes)
	}
}

func TestBreakerSuppressionEndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	// User already tripped the breaker; it persists across restarts.
	if err := h.store.SaveBreakerState(types.CircuitBreakerState{
		UserID:              "u1",
		Status:              types.BreakerOpen,
		ConsecutiveNegative: 3,
		WindowStart:         time.Now().UTC().Add(-30 * time.Minute),
		OpenedAt:            time.Now().UTC().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("seed breaker: %v", err)
	}

	// High energy, low load would normally select CONFRONT.
	if err := h.store.SaveUserState(types.UserState{
		UserID: "u1", Energy: 0.9, Mood: 0.5, Focus: 0.5, CognitiveLoad: 0.1,
		LastUpdated: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	res := h.loop.Process(context.Background(), event("u1", "t1", "still avoiding it", ""))
	if res.Err != nil {
		t.Fatalf("process: %v", res.Err)
	}
	if res.Decision == nil {
		t.Fatal("expected an anchor-mode decision")
	}
	if res.Decision.TierLevel != types.TierGentle {
		t.Errorf("suppressed tier = %s, want GENTLE", res.Decision.TierLevel)
	}
	if res.Decision.Strategy != types.StrategyFacilitate {
		t.Errorf("suppressed strategy = %s, want FACILITATE", res.Decision.Strategy)
	}
}

func TestDispatchFailureIsNeutral(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Dispatch.MaxRetries = 1
	})
	h.dispatcher.err = fmt.Errorf("sink unavailable")

	res := h.loop.Process(context.Background(), event("u1", "t1", "still stuck", ""))
	if res.Err != nil {
		t.Fatalf("process: %v", res.Err)
	}
	if res.Decision == nil {
		t.Fatal("decision should be reported even when dispatch fails")
	}
	if n := h.dispatcher.callCount(); n != 2 {
		t.Errorf("dispatch attempts = %d, want 2 (initial + 1 retry)", n)
	}

	// The failure resolves immediately as a neutral outcome: nothing
	// pending, breaker untouched.
	if stats := h.loop.Stats(); stats.PendingOutcomes != 0 {
		t.Errorf("pending outcomes = %d, want 0", stats.PendingOutcomes)
	}
	state, err := h.store.LoadBreakerState("u1")
	if err != nil {
		t.Fatalf("load breaker: %v", err)
	}
	if state.Status != types.BreakerClosed || state.ConsecutiveNegative != 0 {
		t.Errorf("breaker = %s/%d after dispatch failure, want CLOSED/0",
			state.Status, state.ConsecutiveNegative)
	}

	if outcomes := recordsOfKind(t, h.store, "u1", types.KindOutcome); len(outcomes) != 1 {
		t.Errorf("outcome records = %d, want 1", len(outcomes))
	}
}

func TestDismissFeedsBreaker(t *testing.T) {
	h := newHarness(t, nil)

	first := h.loop.Process(context.Background(), event("u1", "t1", "still stuck", ""))
	if first.Decision == nil {
		t.Fatal("expected initial decision")
	}

	res := h.loop.Process(context.Background(), event("u1", "t1", "go away", types.SignalDismiss))
	if res.Err != nil {
		t.Fatalf("process dismiss: %v", res.Err)
	}
	if stats := h.loop.Stats(); stats.PendingOutcomes != 0 {
		t.Errorf("pending outcomes = %d after dismiss, want 0", stats.PendingOutcomes)
	}

	state, err := h.store.LoadBreakerState("u1")
	if err != nil {
		t.Fatalf("load breaker: %v", err)
	}
	if state.ConsecutiveNegative != 1 {
		t.Errorf("consecutive negatives = %d after dismiss, want 1", state.ConsecutiveNegative)
	}
}

func TestSupersededOutcomeIsNeutral(t *testing.T) {
	h := newHarness(t, nil)

	first := h.loop.Process(context.Background(), event("u1", "t1", "still stuck", ""))
	if first.Decision == nil {
		t.Fatal("expected initial decision")
	}

	// A plain event for the same task supersedes the pending decision.
	h.loop.Process(context.Background(), event("u1", "t1", "anyway, about that report", ""))

	state, err := h.store.LoadBreakerState("u1")
	if err != nil {
		t.Fatalf("load breaker: %v", err)
	}
	if state.ConsecutiveNegative != 0 {
		t.Errorf("consecutive negatives = %d after supersede, want 0", state.ConsecutiveNegative)
	}

	outcomes := recordsOfKind(t, h.store, "u1", types.KindOutcome)
	if len(outcomes) != 1 {
		t.Fatalf("outcome records = %d, want 1", len(outcomes))
	}
	if want := "superseded"; !strings.Contains(outcomes[0].Summary, want) {
		t.Errorf("outcome summary %q missing %q", outcomes[0].Summary, want)
	}
}

func TestCompletionCycleNeverNudges(t *testing.T) {
	h := newHarness(t, nil)

	res := h.loop.Process(context.Background(), event("u1", "t1", "done with the report", types.SignalCompletion))
	if res.Err != nil {
		t.Fatalf("process: %v", res.Err)
	}
	if res.Decision != nil {
		t.Error("completion cycle produced a decision")
	}
	if n := h.dispatcher.callCount(); n != 0 {
		t.Errorf("dispatcher calls = %d on completion, want 0", n)
	}

	// Completion still moves user state.
	state, err := h.store.LoadUserState("u1")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Mood <= 0.5 {
		t.Errorf("mood = %.2f after completion, want > 0.5", state.Mood)
	}
	if updates := recordsOfKind(t, h.store, "u1", types.KindStateUpdate); len(updates) != 1 {
		t.Errorf("state_update records = %d, want 1", len(updates))
	}
}

func TestDistinctUsersIndependent(t *testing.T) {
	h := newHarness(t, nil)

	r1 := h.loop.Process(context.Background(), event("u1", "t1", "stuck on mine", ""))
	r2 := h.loop.Process(context.Background(), event("u2", "t1", "stuck on mine too", ""))
	if r1.Decision == nil || r2.Decision == nil {
		t.Fatal("expected decisions for both users")
	}
	if stats := h.loop.Stats(); stats.ActiveWorkers != 2 {
		t.Errorf("active workers = %d, want 2", stats.ActiveWorkers)
	}
}

func TestMissingUserIDRejected(t *testing.T) {
	h := newHarness(t, nil)

	res := h.loop.Process(context.Background(), types.InboundEvent{Text: "hello"})
	if res.Err == nil {
		t.Fatal("expected error for event without user id")
	}
}

func TestResponseWindowTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Nudge.ResponseWindow = config.From(50 * time.Millisecond)
	})

	res := h.loop.Process(context.Background(), event("u1", "t1", "still stuck", ""))
	if res.Decision == nil {
		t.Fatal("expected a decision")
	}
	if stats := h.loop.Stats(); stats.PendingOutcomes != 1 {
		t.Fatalf("pending outcomes = %d before window lapses, want 1", stats.PendingOutcomes)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.loop.Stats().PendingOutcomes != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending decision never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	outcomes := recordsOfKind(t, h.store, "u1", types.KindOutcome)
	if len(outcomes) != 1 {
		t.Fatalf("outcome records = %d, want 1", len(outcomes))
	}
	if !strings.Contains(outcomes[0].Summary, "timed_out") {
		t.Errorf("outcome summary %q missing %q", outcomes[0].Summary, "timed_out")
	}

	// Silence is not dismissal: the breaker stays untouched.
	state, err := h.store.LoadBreakerState("u1")
	if err != nil {
		t.Fatalf("load breaker: %v", err)
	}
	if state.Status != types.BreakerClosed || state.ConsecutiveNegative != 0 {
		t.Errorf("breaker = %s/%d after timeout, want CLOSED/0",
			state.Status, state.ConsecutiveNegative)
	}
}

func TestCrisisSupersedesPending(t *testing.T) {
	h := newHarness(t, nil)

	first := h.loop.Process(context.Background(), event("u1", "t1", "still stuck", ""))
	if first.Decision == nil {
		t.Fatal("expected initial decision")
	}
	if stats := h.loop.Stats(); stats.PendingOutcomes != 1 {
		t.Fatalf("pending outcomes = %d, want 1", stats.PendingOutcomes)
	}

	res := h.loop.Process(context.Background(), event("u1", "t1", "I want to end it all", ""))
	if !res.Crisis {
		t.Fatal("crisis text not flagged")
	}
	if stats := h.loop.Stats(); stats.PendingOutcomes != 0 {
		t.Errorf("pending outcomes = %d after crisis, want 0", stats.PendingOutcomes)
	}

	outcomes := recordsOfKind(t, h.store, "u1", types.KindOutcome)
	if len(outcomes) != 1 {
		t.Fatalf("outcome records = %d, want 1", len(outcomes))
	}
	if !strings.Contains(outcomes[0].Summary, "superseded") {
		t.Errorf("outcome summary %q missing %q", outcomes[0].Summary, "superseded")
	}

	// A dismiss after the crisis must not resolve the already-closed
	// decision as negative.
	h.loop.Process(context.Background(), event("u1", "t1", "leave me be", types.SignalDismiss))
	state, err := h.store.LoadBreakerState("u1")
	if err != nil {
		t.Fatalf("load breaker: %v", err)
	}
	if state.ConsecutiveNegative != 0 {
		t.Errorf("consecutive negatives = %d, want 0", state.ConsecutiveNegative)
	}
}

func TestProcessAfterStopErrors(t *testing.T) {
	h := newHarness(t, nil)

	if res := h.loop.Process(context.Background(), event("u1", "t1", "hello", "")); res.Err != nil {
		t.Fatalf("process before stop: %v", res.Err)
	}

	h.loop.Stop()

	res := h.loop.Process(context.Background(), event("u1", "t1", "hello again", ""))
	if res.Err == nil {
		t.Fatal("expected error for Process after Stop")
	}
}
