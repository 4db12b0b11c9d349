// Package types defines the core data model shared across the engine:
// trace records, user state, frames, safety assessments, breaker state,
// and nudge decisions. It has no dependencies on other internal packages
// so every component can import it without cycles.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// RecordKind classifies what a trace record captures.
type RecordKind string

const (
	KindUtterance      RecordKind = "utterance"
	KindToolOutput     RecordKind = "tool_output"
	KindStateUpdate    RecordKind = "state_update"
	KindActionTaken    RecordKind = "action_taken"
	KindOutcome        RecordKind = "outcome"
	KindSafetyOverride RecordKind = "safety_override"
	KindConsolidation  RecordKind = "consolidation"
)

// Priority orders records for retention and frame assembly.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityAmbient  Priority = "ambient"
)

// Weight returns a sortable weight, higher = more important.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	case PriorityAmbient:
		return 0
	default:
		return -1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Weight() >= 0
}

// ParsePriority converts a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Tier is the retention/latency class of a stored record.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// =============================================================================
// TRACE RECORDS
// =============================================================================

// TraceRecord is the atomic unit of logged interaction data.
// Records are immutable once written; the storage tier is the only
// attribute that changes, and only through consolidation or archival.
type TraceRecord struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      RecordKind      `json:"kind"`
	Priority  Priority        `json:"priority"`
	Tier      Tier            `json:"tier"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Summary is the short text used when the record is rendered into a
	// frame or folded into a warm-tier consolidation. For critical records
	// the summary is carried verbatim through every tier transition.
	Summary string `json:"summary"`

	// RefIDs is populated only on warm consolidation records: the exact set
	// of hot-tier record ids this summary represents.
	RefIDs []string `json:"ref_ids,omitempty"`
}

// =============================================================================
// USER STATE
// =============================================================================

// UserState is the live per-user snapshot. Exactly one instance per user;
// written only by the cognitive loop, with every mutation also appended to
// the trace store as a state_update record for auditability.
type UserState struct {
	UserID        string    `json:"user_id"`
	Energy        float64   `json:"energy"`
	Mood          float64   `json:"mood"`
	Focus         float64   `json:"focus"`
	CognitiveLoad float64   `json:"cognitive_load"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Clamp forces all scalar fields into [0,1]. This is a documented clamp:
// state deltas arrive from noisy estimators and are normalized rather than
// rejected.
func (s *UserState) Clamp() {
	s.Energy = clamp01(s.Energy)
	s.Mood = clamp01(s.Mood)
	s.Focus = clamp01(s.Focus)
	s.CognitiveLoad = clamp01(s.CognitiveLoad)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// =============================================================================
// CONTEXT FRAME
// =============================================================================

// FrameEntry is one rendered record inside a frame.
type FrameEntry struct {
	RecordID  string   `json:"record_id"`
	Priority  Priority `json:"priority"`
	Text      string   `json:"text"`
	Tokens    int      `json:"tokens"`
	Synthetic bool     `json:"synthetic,omitempty"` // produced by recursive summarization

	// FoldedIDs lists record ids collapsed into a synthetic entry.
	FoldedIDs []string `json:"folded_ids,omitempty"`
}

// ContextFrame is the bounded, priority-ordered snapshot built for one
// decision cycle. It is never persisted.
type ContextFrame struct {
	UserID  string       `json:"user_id"`
	TaskID  string       `json:"task_id,omitempty"`
	Budget  int          `json:"budget"`
	Used    int          `json:"used"`
	Entries []FrameEntry `json:"entries"`

	// CriticalOverflow is set when critical content alone exceeded the
	// budget and was included anyway. A configuration error, never data loss.
	CriticalOverflow bool `json:"critical_overflow,omitempty"`

	BuiltAt time.Time `json:"built_at"`
}

// =============================================================================
// SAFETY
// =============================================================================

// CrisisType classifies the category of detected crisis.
type CrisisType string

const (
	CrisisNone          CrisisType = "none"
	CrisisSelfHarm      CrisisType = "self_harm"
	CrisisHarmToOthers  CrisisType = "harm_to_others"
	CrisisAcuteDistress CrisisType = "acute_distress"
)

// AssessmentSource says which stage produced the verdict.
type AssessmentSource string

const (
	SourcePatternMatch AssessmentSource = "pattern_match"
	SourceClassifier   AssessmentSource = "classifier"
)

// SafetyAssessment is produced per event and attached to the cycle's trace.
// Never cached across events.
type SafetyAssessment struct {
	IsCrisis   bool             `json:"is_crisis"`
	Confidence float64          `json:"confidence"`
	CrisisType CrisisType       `json:"crisis_type"`
	Source     AssessmentSource `json:"source"`

	// Degraded is set when the stage-2 classifier timed out or was
	// unavailable and the verdict fell back to stage 1 alone.
	Degraded bool `json:"degraded,omitempty"`
}

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

// BreakerStatus is the circuit breaker state.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

// CircuitBreakerState is the long-lived per-user breaker snapshot.
// Mutated only through the transitions in internal/breaker.
type CircuitBreakerState struct {
	UserID              string        `json:"user_id"`
	Status              BreakerStatus `json:"status"`
	ConsecutiveNegative int           `json:"consecutive_negative_outcomes"`
	WindowStart         time.Time     `json:"window_start"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	LastProbeAt         time.Time     `json:"last_probe_at,omitempty"`
}

// =============================================================================
// NUDGES
// =============================================================================

// Strategy is the intervention approach. Orthogonal to tier: tier is
// intensity, strategy is approach.
type Strategy string

const (
	StrategyFacilitate Strategy = "FACILITATE"
	StrategyConfront   Strategy = "CONFRONT"
	StrategyReinforce  Strategy = "REINFORCE"
)

// TaskMeta is the task-side input to strategy selection.
type TaskMeta struct {
	TaskID string `json:"task_id"`

	// Aversive marks tasks the user has a history of avoiding; strategy
	// selection treats these more carefully than routine tasks.
	Aversive bool `json:"aversive,omitempty"`

	// Overdue indicates the task is past its intended completion time.
	Overdue bool `json:"overdue,omitempty"`
}

// NudgeTier is the escalation intensity. Monotonic within one avoidance
// window: GENTLE < SARCASTIC < SERGEANT.
type NudgeTier int

const (
	TierGentle    NudgeTier = 0
	TierSarcastic NudgeTier = 1
	TierSergeant  NudgeTier = 2
)

// String returns the tier name.
func (t NudgeTier) String() string {
	switch t {
	case TierGentle:
		return "GENTLE"
	case TierSarcastic:
		return "SARCASTIC"
	case TierSergeant:
		return "SERGEANT"
	default:
		return fmt.Sprintf("TIER(%d)", int(t))
	}
}

// NudgeDecision is an emitted intervention choice.
type NudgeDecision struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id"`
	Strategy  Strategy  `json:"strategy"`
	TierLevel NudgeTier `json:"tier"`

	// Reason is the human-readable justification. Always populated;
	// a decision without a reason is rejected before dispatch.
	Reason string `json:"reason"`

	// AllowDismiss is the resistibility contract: every dispatched nudge
	// carries a no-cost dismiss affordance. Always true on emitted decisions.
	AllowDismiss bool `json:"allow_dismiss"`

	IssuedAt time.Time `json:"issued_at"`
}

// InterventionOutcome links a decision to its observed effect.
type InterventionOutcome struct {
	DecisionID        string        `json:"decision_id"`
	UserID            string        `json:"user_id"`
	TaskID            string        `json:"task_id"`
	Engaged           bool          `json:"engaged"`
	Dismissed         bool          `json:"dismissed"`
	Superseded        bool          `json:"superseded,omitempty"`
	DispatchFailed    bool          `json:"dispatch_failed,omitempty"`
	TimedOut          bool          `json:"timed_out,omitempty"`
	ElapsedToResponse time.Duration `json:"elapsed_to_response,omitempty"`
	DistressDelta     *float64      `json:"distress_delta,omitempty"`
	RecordedAt        time.Time     `json:"recorded_at"`
}

// Negative reports whether the outcome counts against the user's breaker.
// Superseded, dispatch-failed, and timed-out outcomes are neutral: none is
// evidence of user resistance. Only an explicit dismissal counts.
func (o InterventionOutcome) Negative() bool {
	if o.Superseded || o.DispatchFailed {
		return false
	}
	return o.Dismissed && !o.Engaged
}

// Positive reports whether the outcome resets resistance tracking.
func (o InterventionOutcome) Positive() bool {
	if o.Superseded || o.DispatchFailed {
		return false
	}
	return o.Engaged && !o.Dismissed
}

// =============================================================================
// INBOUND EVENTS
// =============================================================================

// EventSignal marks explicit task signals carried by an inbound event.
type EventSignal string

const (
	SignalNone       EventSignal = ""
	SignalProgress   EventSignal = "progress"
	SignalCompletion EventSignal = "completion"
	SignalSnooze     EventSignal = "snooze"
	SignalDismiss    EventSignal = "dismiss"
	SignalEngage     EventSignal = "engage"
)

// InboundEvent is what the transport layer delivers to the cognitive loop.
type InboundEvent struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Text      string      `json:"text"`
	Signal    EventSignal `json:"signal,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
