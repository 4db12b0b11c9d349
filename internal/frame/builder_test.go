package frame

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tether/internal/config"
	"tether/internal/store"
	"tether/internal/types"
)

func newTestBuilder(t *testing.T, cfg config.FrameConfig) (*Builder, *store.TraceStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewBuilder(st, cfg), st
}

func appendRecord(t *testing.T, st *store.TraceStore, id string, priority types.Priority, summary string, ts time.Time) {
	t.Helper()
	err := st.Append(types.TraceRecord{
		ID:        id,
		UserID:    "u1",
		SessionID: "s1",
		Timestamp: ts,
		Kind:      types.KindUtterance,
		Priority:  priority,
		Summary:   summary,
	})
	if err != nil {
		t.Fatalf("append %s failed: %v", id, err)
	}
}

func TestBudgetConformance(t *testing.T) {
	b, st := newTestBuilder(t, config.DefaultFrameConfig())
	now := time.Now().UTC()

	for i := 0; i < 40; i++ {
		appendRecord(t, st, fmt.Sprintf("r%02d", i), types.PriorityMedium,
			strings.Repeat("word ", 30), now.Add(time.Duration(-i)*time.Minute))
	}

	budget := 100
	fr, err := b.Build("u1", "", "", budget)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if fr.Used > budget {
		t.Errorf("frame used %d tokens over budget %d", fr.Used, budget)
	}
	if fr.CriticalOverflow {
		t.Error("critical overflow set with no critical records")
	}
	if len(fr.Entries) == 0 {
		t.Error("expected a non-empty frame")
	}
}

func TestCriticalAlwaysIncluded(t *testing.T) {
	b, st := newTestBuilder(t, config.DefaultFrameConfig())
	now := time.Now().UTC()

	appendRecord(t, st, "crit", types.PriorityCritical, "critical safety fact", now.Add(-time.Hour))
	for i := 0; i < 20; i++ {
		appendRecord(t, st, fmt.Sprintf("n%02d", i), types.PriorityHigh,
			strings.Repeat("recent high priority content ", 5), now.Add(time.Duration(-i)*time.Minute))
	}

	fr, err := b.Build("u1", "", "", 80)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range fr.Entries {
		if e.RecordID == "crit" {
			found = true
		}
	}
	if !found {
		t.Error("critical record missing from tight-budget frame")
	}
	if fr.Used > 80 {
		t.Errorf("frame over budget: %d > 80", fr.Used)
	}
}

func TestCriticalOverflow(t *testing.T) {
	b, st := newTestBuilder(t, config.DefaultFrameConfig())
	now := time.Now().UTC()

	appendRecord(t, st, "big-crit", types.PriorityCritical,
		strings.Repeat("verbatim critical detail ", 20), now)

	fr, err := b.Build("u1", "", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !fr.CriticalOverflow {
		t.Error("expected CriticalOverflow when critical alone exceeds budget")
	}
	if len(fr.Entries) != 1 || fr.Entries[0].RecordID != "big-crit" {
		t.Errorf("critical content dropped on overflow: %+v", fr.Entries)
	}
	if fr.Used <= 10 {
		t.Errorf("overflow frame should exceed budget, used=%d", fr.Used)
	}
}

func TestDeterministicOrdering(t *testing.T) {
	b, st := newTestBuilder(t, config.DefaultFrameConfig())
	now := time.Now().UTC().Truncate(time.Second)

	// Identical priority and timestamp: construction must still be stable.
	for _, id := range []string{"c", "a", "b"} {
		appendRecord(t, st, id, types.PriorityMedium, "same fact at "+id, now)
	}

	first, err := b.Build("u1", "", "", 1000)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Build("u1", "", "", 1000)
	if err != nil {
		t.Fatal(err)
	}
	second.BuiltAt = first.BuiltAt
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("frame construction not deterministic (-first +second):\n%s", diff)
	}
}

func TestDedupKeepsNewest(t *testing.T) {
	b, st := newTestBuilder(t, config.DefaultFrameConfig())
	now := time.Now().UTC()

	oldRec := types.TraceRecord{
		ID: "old", UserID: "u1", SessionID: "s1",
		Timestamp: now.Add(-time.Hour), Kind: types.KindStateUpdate,
		Priority: types.PriorityMedium, Summary: "focus level changed",
		Payload: []byte(`{"dedup_key":"focus"}`),
	}
	newRec := oldRec
	newRec.ID = "new"
	newRec.Timestamp = now
	newRec.Summary = "focus level changed again"

	if err := st.Append(oldRec); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(newRec); err != nil {
		t.Fatal(err)
	}

	fr, err := b.Build("u1", "", "", 1000)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, e := range fr.Entries {
		ids = append(ids, e.RecordID)
	}
	if len(ids) != 1 || ids[0] != "new" {
		t.Errorf("dedup should keep only the newest record, got %v", ids)
	}
}

func TestRecursiveSummarization(t *testing.T) {
	cfg := config.DefaultFrameConfig()
	cfg.FoldGroupSize = 2
	b, st := newTestBuilder(t, cfg)
	now := time.Now().UTC()

	appendRecord(t, st, "keep", types.PriorityHigh, "important recent event", now)
	for i := 0; i < 12; i++ {
		appendRecord(t, st, fmt.Sprintf("low%02d", i), types.PriorityLow,
			strings.Repeat("background detail ", 8), now.Add(time.Duration(-i)*time.Minute))
	}

	fr, err := b.Build("u1", "", "", 40)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Used > 40 {
		t.Errorf("frame over budget after folding: %d > 40", fr.Used)
	}

	hasSynthetic := false
	for _, e := range fr.Entries {
		if e.Synthetic {
			hasSynthetic = true
			if len(e.FoldedIDs) == 0 {
				t.Error("synthetic entry does not name its folded records")
			}
		}
	}
	if !hasSynthetic {
		t.Error("expected at least one synthetic folded entry")
	}
}

func TestTokenCounter(t *testing.T) {
	tc := NewTokenCounter()
	if got := tc.CountString(""); got != 0 {
		t.Errorf("empty string should cost 0, got %d", got)
	}
	if got := tc.CountString("ab"); got != 1 {
		t.Errorf("short string should cost at least 1, got %d", got)
	}
	if got := tc.CountString(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("400 chars should be ~100 tokens, got %d", got)
	}
}
