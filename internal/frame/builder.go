// Package frame assembles the bounded, priority-ordered context frame for
// one decision cycle. Frames are ephemeral: built, consumed, discarded.
package frame

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/store"
	"tether/internal/types"
)

// =============================================================================
// BUILDER
// =============================================================================

// Builder produces context frames from the trace store.
type Builder struct {
	store   *store.TraceStore
	cfg     config.FrameConfig
	counter *TokenCounter
}

// NewBuilder creates a frame builder.
func NewBuilder(st *store.TraceStore, cfg config.FrameConfig) *Builder {
	return &Builder{
		store:   st,
		cfg:     cfg,
		counter: NewTokenCounter(),
	}
}

// Build assembles one frame for a user. taskID and query are optional;
// budget <= 0 falls back to the configured default. The result is always
// within budget unless critical content alone exceeds it, in which case
// the critical content is included anyway and CriticalOverflow is set.
func (b *Builder) Build(userID, taskID, query string, budget int) (types.ContextFrame, error) {
	timer := logging.StartTimer(logging.CategoryFrame, "Build")
	defer timer.Stop()

	if budget <= 0 {
		budget = b.cfg.Budget
	}

	candidates, err := b.store.Query(store.QueryFilter{
		UserID: userID,
		TaskID: taskID,
		Query:  query,
	}, b.cfg.CandidateLimit)
	if err != nil {
		return types.ContextFrame{}, fmt.Errorf("frame candidates: %w", err)
	}

	candidates = dedup(candidates)
	sortCandidates(candidates)

	fr := types.ContextFrame{
		UserID:  userID,
		TaskID:  taskID,
		Budget:  budget,
		BuiltAt: time.Now().UTC(),
	}

	// Critical records are unconditional. Over-budget critical content is
	// a configuration anomaly, logged loudly, never dropped.
	var rest []types.TraceRecord
	for _, r := range candidates {
		if r.Priority == types.PriorityCritical {
			e := b.renderEntry(r)
			fr.Entries = append(fr.Entries, e)
			fr.Used += e.Tokens
		} else {
			rest = append(rest, r)
		}
	}
	if fr.Used > budget {
		fr.CriticalOverflow = true
		logging.Get(logging.CategoryFrame).Error(
			"critical content alone (%d tokens) exceeds frame budget %d for user %s",
			fr.Used, budget, userID)
		return fr, nil
	}

	// Fill with non-critical entries in priority/recency order.
	var overflow []types.TraceRecord
	for _, r := range rest {
		e := b.renderEntry(r)
		if fr.Used+e.Tokens <= budget {
			fr.Entries = append(fr.Entries, e)
			fr.Used += e.Tokens
		} else {
			overflow = append(overflow, r)
		}
	}

	// Recursive summarization: fold overflow into synthetic low-priority
	// entries until the budget is met or nothing representable remains.
	for len(overflow) > 0 {
		group := overflow
		if len(group) > b.cfg.FoldGroupSize {
			// Fold from the tail: lowest priority, oldest first.
			group = overflow[len(overflow)-b.cfg.FoldGroupSize:]
		}
		overflow = overflow[:len(overflow)-len(group)]

		e := b.foldEntries(group)
		if fr.Used+e.Tokens > budget {
			// Even the folded form does not fit; drop the group. The
			// records stay in the trace store.
			logging.FrameDebug("dropped %d low-priority records from frame for %s", len(group), userID)
			continue
		}
		fr.Entries = append(fr.Entries, e)
		fr.Used += e.Tokens
	}

	logging.FrameDebug("built frame for %s: %d entries, %d/%d tokens",
		userID, len(fr.Entries), fr.Used, budget)
	return fr, nil
}

// =============================================================================
// RENDERING
// =============================================================================

func (b *Builder) renderEntry(r types.TraceRecord) types.FrameEntry {
	text := fmt.Sprintf("[%s] %s", r.Kind, r.Summary)
	return types.FrameEntry{
		RecordID: r.ID,
		Priority: r.Priority,
		Text:     text,
		Tokens:   b.counter.CountString(text),
	}
}

// foldEntries collapses a group of records into one synthetic entry. The
// synthetic entry names every record it represents so the compression is
// auditable.
func (b *Builder) foldEntries(group []types.TraceRecord) types.FrameEntry {
	ids := make([]string, len(group))
	parts := make([]string, len(group))
	for i, r := range group {
		ids[i] = r.ID
		parts[i] = truncate(r.Summary, 40)
	}
	text := fmt.Sprintf("[folded x%d] %s", len(group), strings.Join(parts, "; "))
	return types.FrameEntry{
		RecordID:  group[0].ID,
		Priority:  types.PriorityLow,
		Text:      text,
		Tokens:    b.counter.CountString(text),
		Synthetic: true,
		FoldedIDs: ids,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// =============================================================================
// DEDUP AND ORDERING
// =============================================================================

// dedupPayload is the optional payload field naming the fact a record
// describes. Records sharing (user, task, kind, key) collapse to the most
// recent occurrence; without a key the summary text serves as the key.
type dedupPayload struct {
	DedupKey string `json:"dedup_key"`
}

func dedup(recs []types.TraceRecord) []types.TraceRecord {
	type factKey struct {
		taskID string
		kind   types.RecordKind
		key    string
	}

	newest := make(map[factKey]types.TraceRecord, len(recs))
	for _, r := range recs {
		key := r.Summary
		if len(r.Payload) > 0 {
			var p dedupPayload
			if json.Unmarshal(r.Payload, &p) == nil && p.DedupKey != "" {
				key = p.DedupKey
			}
		}
		k := factKey{taskID: r.TaskID, kind: r.Kind, key: key}
		prev, seen := newest[k]
		if !seen || r.Timestamp.After(prev.Timestamp) {
			newest[k] = r
		}
	}

	out := make([]types.TraceRecord, 0, len(newest))
	for _, r := range newest {
		out = append(out, r)
	}
	return out
}

// sortCandidates orders by (priority weight desc, timestamp desc, id asc).
// The id tiebreak makes frame construction deterministic for identical
// inputs.
func sortCandidates(recs []types.TraceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		wi, wj := recs[i].Priority.Weight(), recs[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
		return recs[i].ID < recs[j].ID
	})
}
