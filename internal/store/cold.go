package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"tether/internal/embedding"
	"tether/internal/logging"
	"tether/internal/types"
)

// =============================================================================
// COLD TIER SEARCH
// =============================================================================

// coldCandidate pairs a record with its relevance score during ranking.
type coldCandidate struct {
	rec   types.TraceRecord
	score float64
}

// searchCold retrieves up to limit cold records for the filter. With an
// embedding engine and a non-empty query it ranks by cosine similarity;
// otherwise it falls back to keyword matching, then plain recency.
func (ts *TraceStore) searchCold(filter QueryFilter, limit int) ([]types.TraceRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "searchCold")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	ts.mu.RLock()
	embedder := ts.embedder
	ts.mu.RUnlock()

	if filter.Query != "" && embedder != nil {
		recs, err := ts.semanticSearch(filter, limit, embedder)
		if err == nil {
			return recs, nil
		}
		logging.Get(logging.CategoryStore).Warn("semantic search failed, falling back to keywords: %v", err)
	}
	if filter.Query != "" {
		return ts.keywordSearch(filter, limit)
	}
	return ts.recentCold(filter, limit)
}

// semanticSearch embeds the query and ranks cold records by cosine
// similarity over their stored vectors. Records without embeddings are
// skipped here; keyword search still reaches them.
func (ts *TraceStore) semanticSearch(filter QueryFilter, limit int, embedder embedding.Engine) ([]types.TraceRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queryVec, err := embedder.Embed(ctx, filter.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ts.mu.RLock()
	rows, err := ts.db.Query(`
		SELECT id, user_id, session_id, task_id, ts, kind, priority, summary, payload, ref_ids, embedding
		FROM trace_cold
		WHERE user_id = ? AND embedding IS NOT NULL`, filter.UserID)
	if err != nil {
		ts.mu.RUnlock()
		return nil, err
	}

	var candidates []coldCandidate
	for rows.Next() {
		var r types.TraceRecord
		var taskID, payload, refs sql.NullString
		var kind, priority string
		var blob []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &taskID, &r.Timestamp,
			&kind, &priority, &r.Summary, &payload, &refs, &blob); err != nil {
			continue
		}
		vec := decodeEmbedding(blob)
		if len(vec) != len(queryVec) {
			continue
		}
		fillColdRecord(&r, taskID, payload, refs, kind, priority)
		candidates = append(candidates, coldCandidate{rec: r, score: embedding.CosineSimilarity(queryVec, vec)})
	}
	rows.Close()
	ts.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.ID < candidates[j].rec.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	recs := make([]types.TraceRecord, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		recs = append(recs, c.rec)
		ids = append(ids, c.rec.ID)
	}
	ts.touchCold(ids)
	return recs, nil
}

// keywordSearch matches cold summaries against the query terms with LIKE.
func (ts *TraceStore) keywordSearch(filter QueryFilter, limit int) ([]types.TraceRecord, error) {
	terms := strings.Fields(strings.ToLower(filter.Query))
	if len(terms) == 0 {
		return ts.recentCold(filter, limit)
	}

	q := `
		SELECT id, user_id, session_id, task_id, ts, kind, priority, summary, payload, ref_ids
		FROM trace_cold
		WHERE user_id = ?`
	args := []interface{}{filter.UserID}
	for _, t := range terms {
		q += ` AND LOWER(summary) LIKE ?`
		args = append(args, "%"+t+"%")
	}
	q += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	ts.mu.RLock()
	rows, err := ts.db.Query(q, args...)
	if err != nil {
		ts.mu.RUnlock()
		return nil, err
	}
	recs, err := scanColdRecords(rows)
	rows.Close()
	ts.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	ts.touchCold(ids)
	return recs, nil
}

// recentCold returns the newest cold records for a user with no relevance
// ranking.
func (ts *TraceStore) recentCold(filter QueryFilter, limit int) ([]types.TraceRecord, error) {
	ts.mu.RLock()
	rows, err := ts.db.Query(`
		SELECT id, user_id, session_id, task_id, ts, kind, priority, summary, payload, ref_ids
		FROM trace_cold
		WHERE user_id = ?
		ORDER BY ts DESC LIMIT ?`, filter.UserID, limit)
	if err != nil {
		ts.mu.RUnlock()
		return nil, err
	}
	recs, err := scanColdRecords(rows)
	rows.Close()
	ts.mu.RUnlock()
	return recs, err
}

// touchCold records an access against cold rows. Access recency feeds the
// eviction policy; a failed touch is not worth failing the read over.
func (ts *TraceStore) touchCold(ids []string) {
	if len(ids) == 0 {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, id := range ids {
		ts.db.Exec(`
			UPDATE trace_cold
			SET last_accessed = CURRENT_TIMESTAMP, access_count = access_count + 1
			WHERE id = ?`, id)
	}
}

// =============================================================================
// EVICTION
// =============================================================================

// EvictCold applies the forgetting policy: cold records past the TTL are
// removed, and if the tier still exceeds maxRecords the least-recently
// accessed rows go next. Preserved (critical) records are never evicted
// regardless of age or pressure. Returns the number of rows removed.
func (ts *TraceStore) EvictCold(ttl time.Duration, maxRecords int) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "EvictCold")
	defer timer.Stop()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	evicted := 0

	if ttl > 0 {
		cutoff := time.Now().UTC().Add(-ttl)
		res, err := ts.db.Exec(`
			DELETE FROM trace_cold WHERE preserved = 0 AND ts < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("evict expired: %w", err)
		}
		n, _ := res.RowsAffected()
		evicted += int(n)
	}

	if maxRecords > 0 {
		var count int
		if err := ts.db.QueryRow(`SELECT COUNT(*) FROM trace_cold`).Scan(&count); err != nil {
			return evicted, err
		}
		if excess := count - maxRecords; excess > 0 {
			res, err := ts.db.Exec(`
				DELETE FROM trace_cold WHERE id IN (
					SELECT id FROM trace_cold
					WHERE preserved = 0
					ORDER BY last_accessed ASC, access_count ASC
					LIMIT ?
				)`, excess)
			if err != nil {
				return evicted, fmt.Errorf("evict pressure: %w", err)
			}
			n, _ := res.RowsAffected()
			evicted += int(n)
		}
	}

	if evicted > 0 {
		logging.Store("Evicted %d cold records (ttl=%s cap=%d)", evicted, ttl, maxRecords)
	}
	return evicted, nil
}

// ColdCount returns the number of cold-tier records, optionally per user.
func (ts *TraceStore) ColdCount(userID string) (int, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var n int
	var err error
	if userID == "" {
		err = ts.db.QueryRow(`SELECT COUNT(*) FROM trace_cold`).Scan(&n)
	} else {
		err = ts.db.QueryRow(`SELECT COUNT(*) FROM trace_cold WHERE user_id = ?`, userID).Scan(&n)
	}
	return n, err
}

// WarmCount returns the number of warm-tier records, optionally per user.
func (ts *TraceStore) WarmCount(userID string) (int, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var n int
	var err error
	if userID == "" {
		err = ts.db.QueryRow(`SELECT COUNT(*) FROM trace_warm`).Scan(&n)
	} else {
		err = ts.db.QueryRow(`SELECT COUNT(*) FROM trace_warm WHERE user_id = ?`, userID).Scan(&n)
	}
	return n, err
}

// =============================================================================
// EMBEDDING ENCODING
// =============================================================================

// Embeddings are stored as little-endian float32 blobs: 4 bytes per
// dimension, no header. Dimension is implied by blob length.

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func scanColdRecords(rows *sql.Rows) ([]types.TraceRecord, error) {
	var recs []types.TraceRecord
	for rows.Next() {
		var r types.TraceRecord
		var taskID, payload, refs sql.NullString
		var kind, priority string
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &taskID, &r.Timestamp,
			&kind, &priority, &r.Summary, &payload, &refs); err != nil {
			continue
		}
		fillColdRecord(&r, taskID, payload, refs, kind, priority)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func fillColdRecord(r *types.TraceRecord, taskID, payload, refs sql.NullString, kind, priority string) {
	r.Kind = types.RecordKind(kind)
	r.Priority = types.Priority(priority)
	r.Tier = types.TierCold
	if taskID.Valid {
		r.TaskID = taskID.String
	}
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	if refs.Valid && refs.String != "" {
		json.Unmarshal([]byte(refs.String), &r.RefIDs)
	}
}
