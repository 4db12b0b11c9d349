// Package loop sequences one full decision cycle per inbound event:
// safety gate, frame assembly, nudge decision, dispatch, outcome
// recording, breaker update, trace append. Events for different users run
// in parallel; events for the same user are serialized through a per-user
// mailbox.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tether/internal/breaker"
	"tether/internal/config"
	"tether/internal/frame"
	"tether/internal/logging"
	"tether/internal/nudge"
	"tether/internal/safety"
	"tether/internal/store"
	"tether/internal/types"
)

// =============================================================================
// LOOP
// =============================================================================

// CycleResult is what one decision cycle produced.
type CycleResult struct {
	Crisis   bool                    `json:"crisis"`
	Payload  *safety.ResourcePayload `json:"payload,omitempty"`
	Decision *types.NudgeDecision    `json:"decision,omitempty"`
	Err      error                   `json:"-"`
}

// Loop is the cognitive loop orchestrator.
type Loop struct {
	store      *store.TraceStore
	frames     *frame.Builder
	gate       *safety.Gate
	breakers   *breaker.Registry
	machine    *nudge.Machine
	timers     *nudge.TimerRegistry
	dispatcher types.ActionDispatcher
	textgen    types.TextGenerator
	cfg        config.DispatchConfig
	budget     int
	respWindow time.Duration

	mu        sync.Mutex
	mailboxes map[string]chan envelope
	pending   map[pendingKey]*types.NudgeDecision

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

type pendingKey struct {
	userID string
	taskID string
}

type envelope struct {
	event    types.InboundEvent
	resultCh chan CycleResult
}

// Options bundles the loop's collaborators.
type Options struct {
	Store      *store.TraceStore
	Frames     *frame.Builder
	Gate       *safety.Gate
	Breakers   *breaker.Registry
	Machine    *nudge.Machine
	Timers     *nudge.TimerRegistry
	Dispatcher types.ActionDispatcher
	TextGen    types.TextGenerator // optional
	Dispatch   config.DispatchConfig
	Budget     int

	// ResponseWindow bounds how long a dispatched nudge stays pending
	// before its outcome is recorded as timed out.
	ResponseWindow time.Duration
}

// New creates a cognitive loop. Start must be called before Process.
func New(opts Options) (*Loop, error) {
	if opts.Store == nil || opts.Frames == nil || opts.Gate == nil ||
		opts.Breakers == nil || opts.Machine == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("loop requires store, frames, gate, breakers, machine, and dispatcher")
	}
	timers := opts.Timers
	if timers == nil {
		timers = nudge.NewTimerRegistry()
	}
	respWindow := opts.ResponseWindow
	if respWindow <= 0 {
		respWindow = 15 * time.Minute
	}
	return &Loop{
		store:      opts.Store,
		frames:     opts.Frames,
		gate:       opts.Gate,
		breakers:   opts.Breakers,
		machine:    opts.Machine,
		timers:     timers,
		dispatcher: opts.Dispatcher,
		textgen:    opts.TextGen,
		cfg:        opts.Dispatch,
		budget:     opts.Budget,
		respWindow: respWindow,
		mailboxes:  make(map[string]chan envelope),
		pending:    make(map[pendingKey]*types.NudgeDecision),
	}, nil
}

// Start launches the loop's worker infrastructure.
func (l *Loop) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.group, l.ctx = errgroup.WithContext(l.ctx)
	logging.Loop("cognitive loop started")
}

// Stop cancels all workers, waits for in-flight cycles, and stops every
// pending timer.
func (l *Loop) Stop() {
	l.cancel()
	l.timers.CancelAll()
	if err := l.group.Wait(); err != nil && err != context.Canceled {
		logging.Get(logging.CategoryLoop).Warn("loop shutdown: %v", err)
	}
	logging.Loop("cognitive loop stopped")
}

// =============================================================================
// INGRESS
// =============================================================================

// Process submits one inbound event and waits for its cycle to complete.
// Same-user events are serialized in arrival order; different users run
// concurrently.
func (l *Loop) Process(ctx context.Context, event types.InboundEvent) CycleResult {
	if event.UserID == "" {
		return CycleResult{Err: fmt.Errorf("event requires a user id")}
	}

	env := envelope{event: event, resultCh: make(chan CycleResult, 1)}

	// The worker may have exited after Stop; never block on its mailbox.
	select {
	case l.mailbox(event.UserID) <- env:
	case <-l.ctx.Done():
		return CycleResult{Err: l.ctx.Err()}
	case <-ctx.Done():
		return CycleResult{Err: ctx.Err()}
	}

	select {
	case res := <-env.resultCh:
		return res
	case <-l.ctx.Done():
		return CycleResult{Err: l.ctx.Err()}
	case <-ctx.Done():
		return CycleResult{Err: ctx.Err()}
	}
}

// mailbox returns the user's event channel, starting its worker on first
// contact. The worker owns all same-user mutation for its lifetime.
func (l *Loop) mailbox(userID string) chan envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.mailboxes[userID]; ok {
		return ch
	}
	ch := make(chan envelope, 16)
	l.mailboxes[userID] = ch
	l.group.Go(func() error {
		return l.worker(userID, ch)
	})
	logging.LoopDebug("worker started for user %s", userID)
	return ch
}

func (l *Loop) worker(userID string, ch chan envelope) error {
	for {
		select {
		case <-l.ctx.Done():
			return l.ctx.Err()
		case env := <-ch:
			res := l.runCycle(l.ctx, env.event)
			env.resultCh <- res
		}
	}
}
