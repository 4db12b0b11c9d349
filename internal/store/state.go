package store

import (
	"database/sql"
	"fmt"
	"time"

	"tether/internal/types"
)

// =============================================================================
// USER STATE PERSISTENCE
// =============================================================================

// SaveUserState upserts the per-user state snapshot.
func (ts *TraceStore) SaveUserState(s types.UserState) error {
	if s.UserID == "" {
		return fmt.Errorf("user state requires a user id")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	_, err := ts.db.Exec(`
		INSERT OR REPLACE INTO user_state (user_id, energy, mood, focus, cognitive_load, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.UserID, s.Energy, s.Mood, s.Focus, s.CognitiveLoad, s.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save user state: %w", err)
	}
	return nil
}

// LoadUserState returns the stored state for a user. A user never seen
// before gets a neutral default snapshot, not an error.
func (ts *TraceStore) LoadUserState(userID string) (types.UserState, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var s types.UserState
	err := ts.db.QueryRow(`
		SELECT user_id, energy, mood, focus, cognitive_load, last_updated
		FROM user_state WHERE user_id = ?`, userID,
	).Scan(&s.UserID, &s.Energy, &s.Mood, &s.Focus, &s.CognitiveLoad, &s.LastUpdated)

	if err == sql.ErrNoRows {
		return types.UserState{
			UserID:        userID,
			Energy:        0.5,
			Mood:          0.5,
			Focus:         0.5,
			CognitiveLoad: 0.5,
			LastUpdated:   time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return types.UserState{}, fmt.Errorf("load user state: %w", err)
	}
	return s, nil
}

// =============================================================================
// BREAKER STATE PERSISTENCE
// =============================================================================

// SaveBreakerState upserts the per-user circuit breaker snapshot. The
// breaker survives restarts; an OPEN breaker stays open.
func (ts *TraceStore) SaveBreakerState(b types.CircuitBreakerState) error {
	if b.UserID == "" {
		return fmt.Errorf("breaker state requires a user id")
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	_, err := ts.db.Exec(`
		INSERT OR REPLACE INTO breaker_state
		(user_id, status, consecutive_negative, window_start, opened_at, last_probe_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.UserID, string(b.Status), b.ConsecutiveNegative,
		nullableTime(b.WindowStart), nullableTime(b.OpenedAt), nullableTime(b.LastProbeAt),
	)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState returns the stored breaker snapshot for a user, or a
// fresh CLOSED breaker when none exists.
func (ts *TraceStore) LoadBreakerState(userID string) (types.CircuitBreakerState, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var b types.CircuitBreakerState
	var status string
	var windowStart, openedAt, lastProbeAt sql.NullTime
	err := ts.db.QueryRow(`
		SELECT user_id, status, consecutive_negative, window_start, opened_at, last_probe_at
		FROM breaker_state WHERE user_id = ?`, userID,
	).Scan(&b.UserID, &status, &b.ConsecutiveNegative, &windowStart, &openedAt, &lastProbeAt)

	if err == sql.ErrNoRows {
		return types.CircuitBreakerState{
			UserID: userID,
			Status: types.BreakerClosed,
		}, nil
	}
	if err != nil {
		return types.CircuitBreakerState{}, fmt.Errorf("load breaker state: %w", err)
	}

	b.Status = types.BreakerStatus(status)
	if windowStart.Valid {
		b.WindowStart = windowStart.Time
	}
	if openedAt.Valid {
		b.OpenedAt = openedAt.Time
	}
	if lastProbeAt.Valid {
		b.LastProbeAt = lastProbeAt.Time
	}
	return b, nil
}

// BreakerStates returns every stored breaker snapshot, tripped users first.
func (ts *TraceStore) BreakerStates() ([]types.CircuitBreakerState, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	rows, err := ts.db.Query(`
		SELECT user_id, status, consecutive_negative, window_start, opened_at, last_probe_at
		FROM breaker_state
		ORDER BY status != 'CLOSED' DESC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list breaker states: %w", err)
	}
	defer rows.Close()

	var out []types.CircuitBreakerState
	for rows.Next() {
		var b types.CircuitBreakerState
		var status string
		var windowStart, openedAt, lastProbeAt sql.NullTime
		if err := rows.Scan(&b.UserID, &status, &b.ConsecutiveNegative,
			&windowStart, &openedAt, &lastProbeAt); err != nil {
			return nil, fmt.Errorf("scan breaker state: %w", err)
		}
		b.Status = types.BreakerStatus(status)
		if windowStart.Valid {
			b.WindowStart = windowStart.Time
		}
		if openedAt.Valid {
			b.OpenedAt = openedAt.Time
		}
		if lastProbeAt.Valid {
			b.LastProbeAt = lastProbeAt.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// =============================================================================
// STATS
// =============================================================================

// Stats is a point-in-time view of store occupancy, surfaced by the
// stats CLI command.
type Stats struct {
	HotRecords  int `json:"hot_records"`
	WarmRecords int `json:"warm_records"`
	ColdRecords int `json:"cold_records"`
	Preserved   int `json:"preserved_records"`
	Users       int `json:"users"`
}

// Stats reports record counts across all tiers.
func (ts *TraceStore) Stats() (Stats, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var s Stats
	queries := []struct {
		q    string
		dest *int
	}{
		{`SELECT COUNT(*) FROM trace_hot`, &s.HotRecords},
		{`SELECT COUNT(*) FROM trace_warm`, &s.WarmRecords},
		{`SELECT COUNT(*) FROM trace_cold`, &s.ColdRecords},
		{`SELECT COUNT(*) FROM trace_cold WHERE preserved = 1`, &s.Preserved},
		{`SELECT COUNT(DISTINCT user_id) FROM (
			SELECT user_id FROM trace_hot
			UNION SELECT user_id FROM trace_warm
			UNION SELECT user_id FROM trace_cold)`, &s.Users},
	}
	for _, q := range queries {
		if err := ts.db.QueryRow(q.q).Scan(q.dest); err != nil {
			return s, err
		}
	}
	return s, nil
}
