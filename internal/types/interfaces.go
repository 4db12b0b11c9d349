package types

import (
	"context"
)

// ActionDispatcher delivers nudges and notifications through whatever
// channel the deployment configures (messaging, smart-home, UI push).
// The engine assumes at-least-once delivery and treats repeated acks as
// idempotent.
type ActionDispatcher interface {
	// Dispatch sends one action. The payload always carries the dismiss
	// affordance; implementations must surface it to the user.
	Dispatch(ctx context.Context, action DispatchAction) error
}

// DispatchAction is the payload handed to the ActionDispatcher.
type DispatchAction struct {
	ActionType   string         `json:"action_type"`
	Decision     *NudgeDecision `json:"decision,omitempty"`
	Text         string         `json:"text"`
	AllowDismiss bool           `json:"allow_dismiss"`
}

// TextGenerator composes non-crisis, non-deterministic response text.
// Never consulted on the crisis path.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, contextBudget int) (string, error)
}

// CrisisClassifier is the stage-2 probabilistic safety backend.
// Callers own the timeout via ctx.
type CrisisClassifier interface {
	Classify(ctx context.Context, text string) (ClassifierResult, error)
}

// ClassifierResult is the raw classifier verdict before thresholding.
type ClassifierResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
