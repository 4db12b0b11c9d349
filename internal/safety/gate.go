// Package safety implements the two-stage crisis gate. Stage 1 is a
// fixed deterministic pattern pass that runs unconditionally before any
// other component touches an event; stage 2 is an optional probabilistic
// classifier consulted only when stage 1 finds nothing. The gate cannot
// be disabled at runtime.
package safety

import (
	"context"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/types"
)

// =============================================================================
// GATE
// =============================================================================

// Gate assesses inbound text for crisis-level risk. Stateless per call.
type Gate struct {
	cfg config.SafetyConfig

	// classifier is the stage-2 backend. Nil means stage 1 only.
	classifier types.CrisisClassifier
}

// NewGate creates a safety gate. classifier may be nil.
func NewGate(cfg config.SafetyConfig, classifier types.CrisisClassifier) *Gate {
	return &Gate{cfg: cfg, classifier: classifier}
}

// Assess evaluates one piece of text. Never returns an error: any
// internal failure degrades toward the stage-1 verdict, which is the
// safest result available without the classifier.
func (g *Gate) Assess(ctx context.Context, text string) types.SafetyAssessment {
	// --- Stage 1: deterministic pattern pass ---
	if crisisType, hit := matchPatterns(text); hit {
		logging.SafetyWarn("stage-1 pattern match: type=%s", crisisType)
		return types.SafetyAssessment{
			IsCrisis:   true,
			Confidence: 1.0,
			CrisisType: crisisType,
			Source:     types.SourcePatternMatch,
		}
	}

	clean := types.SafetyAssessment{
		IsCrisis:   false,
		CrisisType: types.CrisisNone,
		Source:     types.SourcePatternMatch,
	}

	// --- Stage 2: probabilistic classifier ---
	if g.classifier == nil {
		return clean
	}

	classifyCtx, cancel := context.WithTimeout(ctx, g.cfg.ClassifierTimeout.Value())
	defer cancel()

	result, err := g.classifier.Classify(classifyCtx, text)
	if err != nil {
		// Stage 1 found nothing, so a classifier timeout degrades to
		// "most likely not a crisis". Logged every time: a silent
		// degraded gate is worse than a noisy one.
		logging.SafetyWarn("stage-2 classifier unavailable, degraded to stage-1 verdict: %v", err)
		clean.Degraded = true
		return clean
	}

	if result.Score >= g.cfg.ClassifierThreshold {
		crisisType := labelToCrisisType(result.Label)
		logging.SafetyWarn("stage-2 classifier flagged crisis: type=%s score=%.3f", crisisType, result.Score)
		return types.SafetyAssessment{
			IsCrisis:   true,
			Confidence: result.Score,
			CrisisType: crisisType,
			Source:     types.SourceClassifier,
		}
	}

	clean.Confidence = 1 - result.Score
	clean.Source = types.SourceClassifier
	return clean
}

func labelToCrisisType(label string) types.CrisisType {
	switch label {
	case "self_harm":
		return types.CrisisSelfHarm
	case "harm_to_others":
		return types.CrisisHarmToOthers
	default:
		return types.CrisisAcuteDistress
	}
}
