package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tether/internal/logging"
	"tether/internal/types"
)

// =============================================================================
// APPEND (hot tier)
// =============================================================================

// Append writes a record to the hot tier. Durable before return; idempotent
// on id collision — a retried append of an id the store has ever seen (in
// any tier) is a silent no-op, never a duplicate and never an error.
func (ts *TraceStore) Append(rec types.TraceRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "Append")
	defer timer.Stop()

	if rec.ID == "" {
		return fmt.Errorf("trace record requires an id")
	}
	if rec.UserID == "" {
		return fmt.Errorf("trace record requires a user id")
	}
	if !rec.Priority.Valid() {
		return fmt.Errorf("trace record has unknown priority %q", rec.Priority)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	tx, err := ts.db.Begin()
	if err != nil {
		return fmt.Errorf("append begin: %w", err)
	}
	defer tx.Rollback()

	// trace_ids is the permanent id registry: consolidation removes rows
	// from trace_hot, so the hot table alone cannot answer "seen before".
	res, err := tx.Exec(`INSERT OR IGNORE INTO trace_ids (id) VALUES (?)`, rec.ID)
	if err != nil {
		return fmt.Errorf("append id registry: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Duplicate id: retry of an already-durable append.
		logging.StoreDebug("Append: duplicate id %s ignored", rec.ID)
		return tx.Commit()
	}

	payload := ""
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	_, err = tx.Exec(`
		INSERT INTO trace_hot (id, user_id, session_id, task_id, ts, kind, priority, summary, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, rec.TaskID, rec.Timestamp.UTC(),
		string(rec.Kind), string(rec.Priority), rec.Summary, payload,
	)
	if err != nil {
		return fmt.Errorf("append hot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append commit: %w", err)
	}

	logging.StoreDebug("Appended record %s (user=%s kind=%s priority=%s)",
		rec.ID, rec.UserID, rec.Kind, rec.Priority)
	return nil
}

// =============================================================================
// HOT TIER INSPECTION
// =============================================================================

// HotCount returns the number of hot-tier records for a user, or across all
// users when userID is empty.
func (ts *TraceStore) HotCount(userID string) (int, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var n int
	var err error
	if userID == "" {
		err = ts.db.QueryRow(`SELECT COUNT(*) FROM trace_hot`).Scan(&n)
	} else {
		err = ts.db.QueryRow(`SELECT COUNT(*) FROM trace_hot WHERE user_id = ?`, userID).Scan(&n)
	}
	return n, err
}

// OldestHot returns the timestamp of the oldest hot record for a user.
// ok is false when the hot tier is empty.
func (ts *TraceStore) OldestHot(userID string) (oldest time.Time, ok bool, err error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var t sql.NullTime
	err = ts.db.QueryRow(
		`SELECT MIN(ts) FROM trace_hot WHERE user_id = ?`, userID,
	).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

// SelectOldestHot returns the k oldest hot records for a user in FIFO
// order. Used by consolidation.
func (ts *TraceStore) SelectOldestHot(userID string, k int) ([]types.TraceRecord, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	rows, err := ts.db.Query(`
		SELECT id, user_id, session_id, task_id, ts, kind, priority, summary, payload
		FROM trace_hot
		WHERE user_id = ?
		ORDER BY ts ASC, id ASC
		LIMIT ?`, userID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows, types.TierHot)
}

// HotUsers returns the distinct user ids with hot-tier records.
func (ts *TraceStore) HotUsers() ([]string, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	rows, err := ts.db.Query(`SELECT DISTINCT user_id FROM trace_hot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// TIER TRANSITIONS
// =============================================================================

// WriteWarmRemoveHot commits one consolidation: the warm summary is written
// and the exact hot records it references are removed, atomically. If the
// transaction fails the hot records stay where they are — degraded toward
// an over-capacity hot tier, never toward loss.
func (ts *TraceStore) WriteWarmRemoveHot(warm types.TraceRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "WriteWarmRemoveHot")
	defer timer.Stop()

	if len(warm.RefIDs) == 0 {
		return fmt.Errorf("warm record %s has no ref ids", warm.ID)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	tx, err := ts.db.Begin()
	if err != nil {
		return fmt.Errorf("consolidate begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO trace_ids (id) VALUES (?)`, warm.ID); err != nil {
		return fmt.Errorf("consolidate id registry: %w", err)
	}

	refsJSON, _ := json.Marshal(warm.RefIDs)
	payload := ""
	if len(warm.Payload) > 0 {
		payload = string(warm.Payload)
	}

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO trace_warm (id, user_id, session_id, task_id, ts, kind, priority, summary, payload, ref_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		warm.ID, warm.UserID, warm.SessionID, warm.TaskID, warm.Timestamp.UTC(),
		string(warm.Kind), string(warm.Priority), warm.Summary, payload, string(refsJSON),
	)
	if err != nil {
		return fmt.Errorf("consolidate warm write: %w", err)
	}

	for _, id := range warm.RefIDs {
		if _, err := tx.Exec(`DELETE FROM trace_hot WHERE id = ?`, id); err != nil {
			return fmt.Errorf("consolidate hot delete %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("consolidate commit: %w", err)
	}

	logging.Store("Consolidated %d hot records into warm %s (user=%s)",
		len(warm.RefIDs), warm.ID, warm.UserID)
	return nil
}

// WarmOlderThan returns warm records with timestamps before the cutoff,
// oldest first. Used by archival.
func (ts *TraceStore) WarmOlderThan(cutoff time.Time, limit int) ([]types.TraceRecord, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := ts.db.Query(`
		SELECT id, user_id, session_id, task_id, ts, kind, priority, summary, payload, ref_ids
		FROM trace_warm
		WHERE ts < ?
		ORDER BY ts ASC
		LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWarmRecords(rows)
}

// MoveWarmToCold archives one warm record into the cold tier with an
// optional embedding. Atomic: the warm row is removed only after the cold
// write succeeds. A nil embedding is fine — the record remains reachable
// by keyword search.
func (ts *TraceStore) MoveWarmToCold(rec types.TraceRecord, embeddingVec []float32) error {
	timer := logging.StartTimer(logging.CategoryStore, "MoveWarmToCold")
	defer timer.Stop()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	tx, err := ts.db.Begin()
	if err != nil {
		return fmt.Errorf("archive begin: %w", err)
	}
	defer tx.Rollback()

	refsJSON, _ := json.Marshal(rec.RefIDs)
	payload := ""
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	var blob []byte
	if len(embeddingVec) > 0 {
		blob = encodeEmbedding(embeddingVec)
	}

	// Critical records are preserved: the forgetting policy must never
	// touch them.
	preserved := 0
	if rec.Priority == types.PriorityCritical {
		preserved = 1
	}

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO trace_cold
		(id, user_id, session_id, task_id, ts, kind, priority, summary, payload, ref_ids, embedding, preserved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, rec.TaskID, rec.Timestamp.UTC(),
		string(rec.Kind), string(rec.Priority), rec.Summary, payload, string(refsJSON), blob, preserved,
	)
	if err != nil {
		return fmt.Errorf("archive cold write: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM trace_warm WHERE id = ?`, rec.ID); err != nil {
		return fmt.Errorf("archive warm delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive commit: %w", err)
	}

	logging.StoreDebug("Archived warm record %s to cold (embedded=%v)", rec.ID, blob != nil)
	return nil
}

// =============================================================================
// QUERY (all tiers)
// =============================================================================

// QueryFilter selects trace records for frame assembly.
type QueryFilter struct {
	UserID string
	TaskID string // optional; task-scoped records plus task-less records match

	// Query is free text used for cold-tier relevance search.
	Query string
}

// Query returns records across all three tiers merged by priority then
// recency, honoring the result budget. The hot tier is always consulted
// first and included fully up to budget before warm and cold contribute.
func (ts *TraceStore) Query(filter QueryFilter, budget int) ([]types.TraceRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Query")
	defer timer.Stop()

	if budget <= 0 {
		return nil, fmt.Errorf("query budget must be positive, got %d", budget)
	}

	hot, err := ts.queryTier("trace_hot", filter, budget)
	if err != nil {
		return nil, fmt.Errorf("query hot: %w", err)
	}
	sortByPriorityRecency(hot)
	if len(hot) >= budget {
		return hot[:budget], nil
	}

	remaining := budget - len(hot)
	warm, err := ts.queryTier("trace_warm", filter, remaining)
	if err != nil {
		return nil, fmt.Errorf("query warm: %w", err)
	}
	sortByPriorityRecency(warm)
	if len(warm) > remaining {
		warm = warm[:remaining]
	}

	out := append(hot, warm...)
	remaining = budget - len(out)
	if remaining <= 0 {
		return out, nil
	}

	cold, err := ts.searchCold(filter, remaining)
	if err != nil {
		// Cold lookup failure is non-fatal: the frame just loses its
		// oldest context this cycle.
		logging.Get(logging.CategoryStore).Warn("Query: cold search failed: %v", err)
		return out, nil
	}
	return append(out, cold...), nil
}

// queryTier reads one row table with the filter applied.
func (ts *TraceStore) queryTier(table string, filter QueryFilter, limit int) ([]types.TraceRecord, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	q := fmt.Sprintf(`
		SELECT id, user_id, session_id, task_id, ts, kind, priority, summary, payload
		FROM %s
		WHERE user_id = ?`, table)
	args := []interface{}{filter.UserID}

	if filter.TaskID != "" {
		q += ` AND (task_id = ? OR task_id = '' OR task_id IS NULL)`
		args = append(args, filter.TaskID)
	}
	// Selection must mirror sortByPriorityRecency: a recency-only LIMIT
	// would let a full tier push old critical rows out of the candidate
	// set before the in-memory sort ever sees them.
	q += ` ORDER BY CASE priority
			WHEN 'critical' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 1
			ELSE 0
		END DESC, ts DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := ts.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tier := types.TierHot
	if table == "trace_warm" {
		tier = types.TierWarm
	}
	return scanRecords(rows, tier)
}

// sortByPriorityRecency orders records by (priority weight desc, timestamp
// desc, id asc). The id tiebreak keeps ordering stable for identical
// inputs — frame determinism depends on it.
func sortByPriorityRecency(recs []types.TraceRecord) {
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

// =============================================================================
// SCAN HELPERS
// =============================================================================

func scanRecords(rows *sql.Rows, tier types.Tier) ([]types.TraceRecord, error) {
	var recs []types.TraceRecord
	for rows.Next() {
		var r types.TraceRecord
		var taskID, payload sql.NullString
		var kind, priority string
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &taskID, &r.Timestamp,
			&kind, &priority, &r.Summary, &payload); err != nil {
			continue
		}
		r.Kind = types.RecordKind(kind)
		r.Priority = types.Priority(priority)
		r.Tier = tier
		if taskID.Valid {
			r.TaskID = taskID.String
		}
		if payload.Valid && payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func scanWarmRecords(rows *sql.Rows) ([]types.TraceRecord, error) {
	var recs []types.TraceRecord
	for rows.Next() {
		var r types.TraceRecord
		var taskID, payload, refs sql.NullString
		var kind, priority string
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &taskID, &r.Timestamp,
			&kind, &priority, &r.Summary, &payload, &refs); err != nil {
			continue
		}
		r.Kind = types.RecordKind(kind)
		r.Priority = types.Priority(priority)
		r.Tier = types.TierWarm
		if taskID.Valid {
			r.TaskID = taskID.String
		}
		if payload.Valid && payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		if refs.Valid && refs.String != "" {
			json.Unmarshal([]byte(refs.String), &r.RefIDs)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
