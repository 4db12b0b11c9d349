package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"tether/internal/config"
	"tether/internal/types"
)

// countingClassifier tracks calls and returns a fixed result.
type countingClassifier struct {
	calls  int
	result types.ClassifierResult
	err    error
	delay  time.Duration
}

func (c *countingClassifier) Classify(ctx context.Context, text string) (types.ClassifierResult, error) {
	c.calls++
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return types.ClassifierResult{}, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return c.result, c.err
}

func TestStage1PatternMatch(t *testing.T) {
	gate := NewGate(config.DefaultSafetyConfig(), nil)

	cases := []struct {
		text string
		want types.CrisisType
	}{
		{"I want to end it all", types.CrisisSelfHarm},
		{"i've been thinking about hurting myself", types.CrisisSelfHarm},
		{"I'm going to kill myself tonight", types.CrisisSelfHarm},
		{"honestly I just can't take it anymore", types.CrisisAcuteDistress},
		{"I'm going to make them pay for this", types.CrisisHarmToOthers},
	}
	for _, tc := range cases {
		got := gate.Assess(context.Background(), tc.text)
		if !got.IsCrisis {
			t.Errorf("Assess(%q): expected crisis", tc.text)
			continue
		}
		if got.Source != types.SourcePatternMatch {
			t.Errorf("Assess(%q): source = %s, want pattern_match", tc.text, got.Source)
		}
		if got.Confidence != 1.0 {
			t.Errorf("Assess(%q): confidence = %v, want 1.0", tc.text, got.Confidence)
		}
		if got.CrisisType != tc.want {
			t.Errorf("Assess(%q): type = %s, want %s", tc.text, got.CrisisType, tc.want)
		}
	}
}

func TestStage1SkipsClassifierOnMatch(t *testing.T) {
	classifier := &countingClassifier{}
	gate := NewGate(config.DefaultSafetyConfig(), classifier)

	got := gate.Assess(context.Background(), "I want to end it all")
	if !got.IsCrisis {
		t.Fatal("expected crisis")
	}
	if classifier.calls != 0 {
		t.Errorf("classifier consulted despite stage-1 match: %d calls", classifier.calls)
	}
}

func TestCleanTextNotFlagged(t *testing.T) {
	gate := NewGate(config.DefaultSafetyConfig(), nil)

	for _, text := range []string{
		"can you remind me about the dentist tomorrow",
		"I finished the report, finally",
		"this deadline is killing me, but I'll manage",
	} {
		got := gate.Assess(context.Background(), text)
		if got.IsCrisis {
			t.Errorf("Assess(%q): false positive crisis (%s)", text, got.CrisisType)
		}
	}
}

func TestStage2AboveThreshold(t *testing.T) {
	classifier := &countingClassifier{
		result: types.ClassifierResult{Label: "self_harm", Score: 0.92},
	}
	gate := NewGate(config.DefaultSafetyConfig(), classifier)

	got := gate.Assess(context.Background(), "some text the patterns miss")
	if !got.IsCrisis {
		t.Fatal("expected classifier-flagged crisis")
	}
	if got.Source != types.SourceClassifier {
		t.Errorf("source = %s, want classifier", got.Source)
	}
	if got.CrisisType != types.CrisisSelfHarm {
		t.Errorf("type = %s, want self_harm", got.CrisisType)
	}
	if got.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", got.Confidence)
	}
}

func TestStage2BelowThreshold(t *testing.T) {
	classifier := &countingClassifier{
		result: types.ClassifierResult{Label: "self_harm", Score: 0.4},
	}
	gate := NewGate(config.DefaultSafetyConfig(), classifier)

	got := gate.Assess(context.Background(), "nothing alarming here")
	if got.IsCrisis {
		t.Error("sub-threshold score must not flag a crisis")
	}
	if got.Degraded {
		t.Error("a scored verdict is not degraded")
	}
}

func TestStage2TimeoutDegrades(t *testing.T) {
	cfg := config.DefaultSafetyConfig()
	cfg.ClassifierTimeout = config.From(50 * time.Millisecond)
	classifier := &countingClassifier{delay: time.Second}
	gate := NewGate(cfg, classifier)

	got := gate.Assess(context.Background(), "ambiguous text")
	if got.IsCrisis {
		t.Error("timeout must not flag a crisis when stage 1 found nothing")
	}
	if !got.Degraded {
		t.Error("timeout must mark the verdict degraded")
	}
}

func TestStage2ErrorDegrades(t *testing.T) {
	classifier := &countingClassifier{err: errors.New("backend down")}
	gate := NewGate(config.DefaultSafetyConfig(), classifier)

	got := gate.Assess(context.Background(), "ambiguous text")
	if got.IsCrisis {
		t.Error("classifier error must not flag a crisis")
	}
	if !got.Degraded {
		t.Error("classifier error must mark the verdict degraded")
	}
}

func TestResourcesFixed(t *testing.T) {
	p := Resources(types.CrisisSelfHarm)
	if p.CrisisType != types.CrisisSelfHarm {
		t.Errorf("payload type = %s", p.CrisisType)
	}
	if p.Message == "" {
		t.Error("payload message empty")
	}
	if len(p.Resources) == 0 {
		t.Error("payload has no resources")
	}
	for _, r := range p.Resources {
		if r.Name == "" || r.Contact == "" {
			t.Errorf("incomplete resource: %+v", r)
		}
	}
}
