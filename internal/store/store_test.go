package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"tether/internal/types"
)

func openTestStore(t *testing.T) *TraceStore {
	t.Helper()
	ts, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func testRecord(id, userID string, ts time.Time, priority types.Priority) types.TraceRecord {
	return types.TraceRecord{
		ID:        id,
		UserID:    userID,
		SessionID: "s1",
		Timestamp: ts,
		Kind:      types.KindUtterance,
		Priority:  priority,
		Summary:   "record " + id,
	}
}

func TestAppendIdempotent(t *testing.T) {
	ts := openTestStore(t)
	rec := testRecord("r1", "u1", time.Now().UTC(), types.PriorityMedium)

	if err := ts.Append(rec); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := ts.Append(rec); err != nil {
		t.Fatalf("duplicate append returned error: %v", err)
	}

	count, err := ts.HotCount("u1")
	if err != nil {
		t.Fatalf("HotCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 hot record after duplicate append, got %d", count)
	}
}

func TestAppendIdempotentAcrossTiers(t *testing.T) {
	ts := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	rec := testRecord("r1", "u1", base, types.PriorityMedium)
	if err := ts.Append(rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	warm := types.TraceRecord{
		ID:        "w1",
		UserID:    "u1",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Kind:      types.KindConsolidation,
		Priority:  types.PriorityMedium,
		Summary:   "consolidated",
		RefIDs:    []string{"r1"},
	}
	if err := ts.WriteWarmRemoveHot(warm); err != nil {
		t.Fatalf("consolidation failed: %v", err)
	}

	// A retried append of the consolidated record must not resurface it.
	if err := ts.Append(rec); err != nil {
		t.Fatalf("re-append after consolidation returned error: %v", err)
	}
	count, _ := ts.HotCount("u1")
	if count != 0 {
		t.Errorf("consolidated record resurfaced in hot tier: count=%d", count)
	}
}

func TestAppendValidation(t *testing.T) {
	ts := openTestStore(t)

	if err := ts.Append(types.TraceRecord{UserID: "u1", Priority: types.PriorityLow}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := ts.Append(types.TraceRecord{ID: "x", Priority: types.PriorityLow}); err == nil {
		t.Error("expected error for missing user id")
	}
	if err := ts.Append(types.TraceRecord{ID: "x", UserID: "u1", Priority: "bogus"}); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestConsolidationTransaction(t *testing.T) {
	ts := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		rec := testRecord(string(rune('a'+i)), "u1", base.Add(time.Duration(i)*time.Minute), types.PriorityMedium)
		if err := ts.Append(rec); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	oldest, err := ts.SelectOldestHot("u1", 3)
	if err != nil {
		t.Fatalf("SelectOldestHot failed: %v", err)
	}
	if len(oldest) != 3 {
		t.Fatalf("expected 3 oldest, got %d", len(oldest))
	}
	if oldest[0].ID != "a" || oldest[2].ID != "c" {
		t.Errorf("SelectOldestHot not FIFO: got %s..%s", oldest[0].ID, oldest[2].ID)
	}

	warm := types.TraceRecord{
		ID:        "w1",
		UserID:    "u1",
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
		Kind:      types.KindConsolidation,
		Priority:  types.PriorityMedium,
		Summary:   "summary of a,b,c",
		RefIDs:    []string{"a", "b", "c"},
	}
	if err := ts.WriteWarmRemoveHot(warm); err != nil {
		t.Fatalf("WriteWarmRemoveHot failed: %v", err)
	}

	hot, _ := ts.HotCount("u1")
	if hot != 2 {
		t.Errorf("expected 2 hot records after consolidation, got %d", hot)
	}
	warmCount, _ := ts.WarmCount("u1")
	if warmCount != 1 {
		t.Errorf("expected 1 warm record, got %d", warmCount)
	}
}

func TestQueryHotFirstWithBudget(t *testing.T) {
	ts := openTestStore(t)
	now := time.Now().UTC()

	// Warm record that would outrank hot content on recency alone.
	warm := types.TraceRecord{
		ID:        "w1",
		UserID:    "u1",
		SessionID: "s1",
		Timestamp: now,
		Kind:      types.KindConsolidation,
		Priority:  types.PriorityHigh,
		Summary:   "warm summary",
		RefIDs:    []string{"gone"},
	}
	if err := ts.Append(testRecord("gone", "u1", now.Add(-2*time.Hour), types.PriorityLow)); err != nil {
		t.Fatal(err)
	}
	if err := ts.WriteWarmRemoveHot(warm); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		rec := testRecord(string(rune('a'+i)), "u1", now.Add(time.Duration(-i)*time.Minute), types.PriorityMedium)
		if err := ts.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	// Budget of 2: hot tier fills it entirely, warm never consulted.
	recs, err := ts.Query(QueryFilter{UserID: "u1"}, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Tier != types.TierHot {
			t.Errorf("budgeted query returned non-hot record %s from %s", r.ID, r.Tier)
		}
	}

	// Larger budget pulls warm in after hot.
	recs, err = ts.Query(QueryFilter{UserID: "u1"}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
}

func TestQueryOrderingDeterministic(t *testing.T) {
	ts := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Same priority, same timestamp: id decides.
	for _, id := range []string{"b", "a", "c"} {
		if err := ts.Append(testRecord(id, "u1", now, types.PriorityMedium)); err != nil {
			t.Fatal(err)
		}
	}

	first, err := ts.Query(QueryFilter{UserID: "u1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ts.Query(QueryFilter{UserID: "u1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("ordering not stable at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
	if first[0].ID != "a" || first[1].ID != "b" || first[2].ID != "c" {
		t.Errorf("id tiebreak not applied: got %s,%s,%s", first[0].ID, first[1].ID, first[2].ID)
	}
}

func TestQueryKeepsOldCriticalOverBudget(t *testing.T) {
	ts := openTestStore(t)
	now := time.Now().UTC()

	// One old critical record buried under a tier's worth of newer
	// low-priority chatter.
	if err := ts.Append(testRecord("crit", "u1", now.Add(-5*time.Hour), types.PriorityCritical)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		rec := testRecord(fmt.Sprintf("low%c", 'a'+i), "u1", now.Add(time.Duration(-i)*time.Minute), types.PriorityLow)
		if err := ts.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := ts.Query(QueryFilter{UserID: "u1"}, 5)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	if recs[0].ID != "crit" {
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		t.Fatalf("old critical record not first under budget: got %v", ids)
	}
}

func TestEvictColdPreservesCritical(t *testing.T) {
	ts := openTestStore(t)
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)

	critical := types.TraceRecord{
		ID: "crit", UserID: "u1", SessionID: "s1", Timestamp: old,
		Kind: types.KindSafetyOverride, Priority: types.PriorityCritical,
		Summary: "critical fact",
	}
	routine := types.TraceRecord{
		ID: "rout", UserID: "u1", SessionID: "s1", Timestamp: old,
		Kind: types.KindUtterance, Priority: types.PriorityLow,
		Summary: "routine fact",
	}
	for _, rec := range []types.TraceRecord{critical, routine} {
		if err := ts.Append(rec); err != nil {
			t.Fatal(err)
		}
		warm := rec
		warm.ID = "w-" + rec.ID
		warm.Kind = types.KindConsolidation
		warm.RefIDs = []string{rec.ID}
		if err := ts.WriteWarmRemoveHot(warm); err != nil {
			t.Fatal(err)
		}
		warm.RefIDs = nil
		if err := ts.MoveWarmToCold(warm, nil); err != nil {
			t.Fatal(err)
		}
	}

	evicted, err := ts.EvictCold(90*24*time.Hour, 0)
	if err != nil {
		t.Fatalf("EvictCold failed: %v", err)
	}
	if evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}

	count, _ := ts.ColdCount("u1")
	if count != 1 {
		t.Errorf("expected critical record to survive, cold count=%d", count)
	}
}

func TestEvictColdSizeCap(t *testing.T) {
	ts := openTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		rec := testRecord(id, "u1", now.Add(time.Duration(-i)*time.Hour), types.PriorityLow)
		if err := ts.Append(rec); err != nil {
			t.Fatal(err)
		}
		warm := rec
		warm.ID = "w-" + id
		warm.RefIDs = []string{id}
		if err := ts.WriteWarmRemoveHot(warm); err != nil {
			t.Fatal(err)
		}
		warm.RefIDs = nil
		if err := ts.MoveWarmToCold(warm, nil); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := ts.EvictCold(0, 3); err != nil {
		t.Fatalf("EvictCold failed: %v", err)
	}
	count, _ := ts.ColdCount("")
	if count != 3 {
		t.Errorf("expected cold count capped at 3, got %d", count)
	}
}

func TestUserStatePersistence(t *testing.T) {
	ts := openTestStore(t)

	// Unknown user gets a neutral default.
	s, err := ts.LoadUserState("new")
	if err != nil {
		t.Fatalf("LoadUserState failed: %v", err)
	}
	if s.Energy != 0.5 || s.Mood != 0.5 {
		t.Errorf("expected neutral defaults, got %+v", s)
	}

	s.Energy = 0.9
	s.Mood = 0.2
	s.LastUpdated = time.Now().UTC()
	if err := ts.SaveUserState(s); err != nil {
		t.Fatalf("SaveUserState failed: %v", err)
	}

	loaded, err := ts.LoadUserState("new")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Energy != 0.9 || loaded.Mood != 0.2 {
		t.Errorf("round-trip mismatch: %+v", loaded)
	}
}

func TestBreakerStatePersistence(t *testing.T) {
	ts := openTestStore(t)

	b, err := ts.LoadBreakerState("u1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != types.BreakerClosed {
		t.Errorf("expected fresh breaker CLOSED, got %s", b.Status)
	}

	b.Status = types.BreakerOpen
	b.ConsecutiveNegative = 3
	b.OpenedAt = time.Now().UTC().Truncate(time.Second)
	if err := ts.SaveBreakerState(b); err != nil {
		t.Fatal(err)
	}

	loaded, err := ts.LoadBreakerState("u1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != types.BreakerOpen || loaded.ConsecutiveNegative != 3 {
		t.Errorf("round-trip mismatch: %+v", loaded)
	}
	if loaded.OpenedAt.IsZero() {
		t.Error("OpenedAt not persisted")
	}
}

func TestKeywordSearchCold(t *testing.T) {
	ts := openTestStore(t)
	old := time.Now().UTC().Add(-time.Hour)

	rec := testRecord("k1", "u1", old, types.PriorityLow)
	rec.Summary = "user postponed the tax filing task again"
	if err := ts.Append(rec); err != nil {
		t.Fatal(err)
	}
	warm := rec
	warm.ID = "w-k1"
	warm.RefIDs = []string{"k1"}
	if err := ts.WriteWarmRemoveHot(warm); err != nil {
		t.Fatal(err)
	}
	warm.RefIDs = nil
	if err := ts.MoveWarmToCold(warm, nil); err != nil {
		t.Fatal(err)
	}

	recs, err := ts.searchCold(QueryFilter{UserID: "u1", Query: "tax filing"}, 5)
	if err != nil {
		t.Fatalf("searchCold failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "w-k1" {
		t.Errorf("keyword search missed cold record: %+v", recs)
	}

	recs, err = ts.searchCold(QueryFilter{UserID: "u1", Query: "unrelated topic"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("keyword search matched unrelated query: %+v", recs)
	}
}

func TestStats(t *testing.T) {
	ts := openTestStore(t)
	now := time.Now().UTC()

	if err := ts.Append(testRecord("r1", "u1", now, types.PriorityMedium)); err != nil {
		t.Fatal(err)
	}
	if err := ts.Append(testRecord("r2", "u2", now, types.PriorityMedium)); err != nil {
		t.Fatal(err)
	}

	stats, err := ts.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.HotRecords != 2 || stats.Users != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
