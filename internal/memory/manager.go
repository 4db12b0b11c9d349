// Package memory implements the tier-transition policy over the trace
// store: hot-to-warm consolidation, warm-to-cold archival, and cold-tier
// forgetting. The manager owns when records move; the store owns how.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tether/internal/config"
	"tether/internal/embedding"
	"tether/internal/logging"
	"tether/internal/store"
	"tether/internal/types"
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager drives consolidation, archival, and forgetting.
type Manager struct {
	store    *store.TraceStore
	cfg      config.MemoryConfig
	embedder embedding.Engine

	// summarizer, when set, condenses non-critical content during
	// consolidation. Failure falls back to structured aggregation.
	summarizer types.TextGenerator
}

// NewManager creates a memory manager. embedder and summarizer may be nil.
func NewManager(st *store.TraceStore, cfg config.MemoryConfig, embedder embedding.Engine, summarizer types.TextGenerator) *Manager {
	return &Manager{
		store:      st,
		cfg:        cfg,
		embedder:   embedder,
		summarizer: summarizer,
	}
}

// =============================================================================
// FLUSH TRIGGER
// =============================================================================

// FlushDue reports whether a user's hot tier needs consolidation: record
// count over capacity, or oldest record older than the age threshold.
func (m *Manager) FlushDue(userID string) (bool, error) {
	count, err := m.store.HotCount(userID)
	if err != nil {
		return false, fmt.Errorf("flush check count: %w", err)
	}
	if count > m.cfg.HotCapacity {
		logging.MemoryDebug("FlushDue(%s): count %d over capacity %d", userID, count, m.cfg.HotCapacity)
		return true, nil
	}
	if count == 0 {
		return false, nil
	}

	oldest, ok, err := m.store.OldestHot(userID)
	if err != nil {
		return false, fmt.Errorf("flush check age: %w", err)
	}
	if ok && time.Since(oldest) > m.cfg.HotMaxAge.Value() {
		logging.MemoryDebug("FlushDue(%s): oldest record age %s over threshold %s",
			userID, time.Since(oldest).Round(time.Second), m.cfg.HotMaxAge.Value())
		return true, nil
	}
	return false, nil
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

// Consolidate folds the K oldest hot records for a user into one warm
// summary record and removes the originals in the same transaction.
// Critical record summaries are carried verbatim, never paraphrased.
// Retries with exponential backoff; while it fails the hot tier runs over
// capacity but loses nothing.
func (m *Manager) Consolidate(ctx context.Context, userID string) error {
	timer := logging.StartTimer(logging.CategoryMemory, "Consolidate")
	defer timer.Stop()

	batch, err := m.store.SelectOldestHot(userID, m.cfg.ConsolidateBatch)
	if err != nil {
		return fmt.Errorf("select batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	warm := m.synthesize(ctx, userID, batch)

	backoff := m.cfg.RetryBackoff.Value()
	var lastErr error
	for attempt := 0; attempt <= m.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			logging.Memory("Consolidate(%s): retry %d/%d after %s: %v",
				userID, attempt, m.cfg.RetryMax, backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = m.store.WriteWarmRemoveHot(warm)
		if lastErr == nil {
			logging.Memory("Consolidated %d records for %s into %s", len(batch), userID, warm.ID)
			return nil
		}
	}
	return fmt.Errorf("consolidation exhausted retries: %w", lastErr)
}

// synthesize builds the warm summary record for a batch. The invariant:
// every fact the batch represented is either carried verbatim (critical)
// or represented in the aggregate summary, and RefIDs names exactly the
// records the summary replaces.
func (m *Manager) synthesize(ctx context.Context, userID string, batch []types.TraceRecord) types.TraceRecord {
	var critical, rest []types.TraceRecord
	for _, r := range batch {
		if r.Priority == types.PriorityCritical {
			critical = append(critical, r)
		} else {
			rest = append(rest, r)
		}
	}

	var sb strings.Builder
	for _, r := range critical {
		// Verbatim copy. The safety gate and circuit breaker may depend
		// on these facts later.
		sb.WriteString("[critical] ")
		sb.WriteString(r.Summary)
		sb.WriteString("\n")
	}
	if len(rest) > 0 {
		sb.WriteString(m.summarizeRest(ctx, rest))
	}

	refIDs := make([]string, len(batch))
	priority := types.PriorityAmbient
	sessionID := batch[0].SessionID
	for i, r := range batch {
		refIDs[i] = r.ID
		if r.Priority.Weight() > priority.Weight() {
			priority = r.Priority
		}
	}

	return types.TraceRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Kind:      types.KindConsolidation,
		Priority:  priority,
		Tier:      types.TierWarm,
		Summary:   strings.TrimRight(sb.String(), "\n"),
		RefIDs:    refIDs,
	}
}

// summarizeRest condenses non-critical records, preferring the text
// generator and falling back to structured aggregation.
func (m *Manager) summarizeRest(ctx context.Context, rest []types.TraceRecord) string {
	if m.summarizer != nil {
		var input strings.Builder
		for _, r := range rest {
			fmt.Fprintf(&input, "- %s %s: %s\n", r.Timestamp.Format(time.RFC3339), r.Kind, r.Summary)
		}
		prompt := "Condense the following interaction log into a short factual summary. " +
			"Keep every task reference and outcome.\n\n" + input.String()

		genCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out, err := m.summarizer.Generate(genCtx, prompt, 512)
		cancel()
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
		logging.MemoryDebug("summarizer unavailable, using structured aggregation: %v", err)
	}

	// Structured aggregation: count by kind, keep each summary line.
	counts := make(map[types.RecordKind]int)
	var lines []string
	for _, r := range rest {
		counts[r.Kind]++
		lines = append(lines, r.Summary)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d records (", len(rest))
	first := true
	for _, k := range []types.RecordKind{
		types.KindUtterance, types.KindToolOutput, types.KindStateUpdate,
		types.KindActionTaken, types.KindOutcome, types.KindSafetyOverride,
		types.KindConsolidation,
	} {
		if counts[k] == 0 {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d %s", counts[k], k)
		first = false
	}
	sb.WriteString("): ")
	sb.WriteString(strings.Join(lines, "; "))
	return sb.String()
}

// =============================================================================
// ARCHIVAL
// =============================================================================

// Archive moves warm records past the warm age threshold into the cold
// tier, embedding each when an engine is available. An embedding failure
// is non-fatal: the record archives without a vector and stays reachable
// by keyword search.
func (m *Manager) Archive(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Archive")
	defer timer.Stop()

	cutoff := time.Now().UTC().Add(-m.cfg.WarmMaxAge.Value())
	due, err := m.store.WarmOlderThan(cutoff, m.cfg.ConsolidateBatch*5)
	if err != nil {
		return 0, fmt.Errorf("archive select: %w", err)
	}

	archived := 0
	for _, rec := range due {
		select {
		case <-ctx.Done():
			return archived, ctx.Err()
		default:
		}

		var vec []float32
		if m.embedder != nil {
			embedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			vec, err = m.embedder.Embed(embedCtx, rec.Summary)
			cancel()
			if err != nil {
				logging.MemoryDebug("Archive: embedding failed for %s, archiving without vector: %v", rec.ID, err)
				vec = nil
			}
		}

		if err := m.store.MoveWarmToCold(rec, vec); err != nil {
			// Non-fatal: the record stays warm and is retried next pass.
			logging.Get(logging.CategoryMemory).Warn("Archive: cold write failed for %s: %v", rec.ID, err)
			continue
		}
		archived++
	}

	if archived > 0 {
		logging.Memory("Archived %d warm records to cold", archived)
	}
	return archived, nil
}

// =============================================================================
// FORGETTING
// =============================================================================

// Forget applies the cold-tier eviction policy. Critical records are
// preserved unconditionally.
func (m *Manager) Forget() (int, error) {
	return m.store.EvictCold(m.cfg.ColdTTL.Value(), m.cfg.ColdMaxRecords)
}

// =============================================================================
// MAINTENANCE PASS
// =============================================================================

// RunMaintenance performs one full pass: consolidate every user whose
// flush trigger fired, then archive, then forget. Used by the background
// worker and the consolidate CLI command.
func (m *Manager) RunMaintenance(ctx context.Context) error {
	users, err := m.store.HotUsers()
	if err != nil {
		return fmt.Errorf("maintenance users: %w", err)
	}

	for _, userID := range users {
		due, err := m.FlushDue(userID)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("maintenance flush check for %s: %v", userID, err)
			continue
		}
		if !due {
			continue
		}
		if err := m.Consolidate(ctx, userID); err != nil {
			// Deferred consolidation: the hot tier runs over capacity
			// until the next pass succeeds.
			logging.Get(logging.CategoryMemory).Warn("maintenance consolidation for %s: %v", userID, err)
		}
	}

	if _, err := m.Archive(ctx); err != nil && err != context.Canceled {
		logging.Get(logging.CategoryMemory).Warn("maintenance archive: %v", err)
	}
	if _, err := m.Forget(); err != nil {
		logging.Get(logging.CategoryMemory).Warn("maintenance forget: %v", err)
	}
	return nil
}
