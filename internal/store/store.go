// Package store persists trace records across the three retention tiers
// using SQLite. The hot and warm tiers are row tables queried by id and
// recency; the cold tier additionally carries an embedding BLOB and is
// queried by approximate relevance.
//
// Storage tiers:
//   - hot:  recent records, bounded count, consulted first by every query
//   - warm: consolidation summaries referencing the hot ids they replaced
//   - cold: archived summaries with embeddings, access tracking, eviction
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"tether/internal/embedding"
	"tether/internal/logging"
)

// TraceStore owns the SQLite database backing all three tiers plus the
// per-user state tables. Thread-safe with a read-write mutex; the database
// runs in WAL mode with a single writer connection.
type TraceStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	// Optional embedding engine for cold-tier semantic search. When nil,
	// cold queries fall back to keyword matching.
	embedder embedding.Engine
}

// Open initializes the SQLite database at the given path, creating the
// directory and schema as needed.
func Open(path string) (*TraceStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening trace store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	ts := &TraceStore{db: db, dbPath: path}
	if err := ts.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logging.Store("Trace store ready")
	return ts, nil
}

// SetEmbeddingEngine configures the engine used to vectorize records on
// archival. Optional; must be set before the first Archive call that should
// produce embeddings.
func (ts *TraceStore) SetEmbeddingEngine(engine embedding.Engine) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.embedder = engine
}

// ensureSchema creates all tables and indexes if they do not exist.
func (ts *TraceStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trace_ids (
		id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS trace_hot (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		task_id TEXT,
		ts DATETIME NOT NULL,
		kind TEXT NOT NULL,
		priority TEXT NOT NULL,
		summary TEXT NOT NULL,
		payload TEXT
	);

	CREATE TABLE IF NOT EXISTS trace_warm (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		task_id TEXT,
		ts DATETIME NOT NULL,
		kind TEXT NOT NULL,
		priority TEXT NOT NULL,
		summary TEXT NOT NULL,
		payload TEXT,
		ref_ids TEXT
	);

	CREATE TABLE IF NOT EXISTS trace_cold (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		task_id TEXT,
		ts DATETIME NOT NULL,
		kind TEXT NOT NULL,
		priority TEXT NOT NULL,
		summary TEXT NOT NULL,
		payload TEXT,
		ref_ids TEXT,
		embedding BLOB,
		preserved INTEGER NOT NULL DEFAULT 0,
		archived_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP,
		access_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS user_state (
		user_id TEXT PRIMARY KEY,
		energy REAL NOT NULL,
		mood REAL NOT NULL,
		focus REAL NOT NULL,
		cognitive_load REAL NOT NULL,
		last_updated DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS breaker_state (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		consecutive_negative INTEGER NOT NULL,
		window_start DATETIME,
		opened_at DATETIME,
		last_probe_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_hot_user ON trace_hot(user_id);
	CREATE INDEX IF NOT EXISTS idx_hot_ts ON trace_hot(ts);
	CREATE INDEX IF NOT EXISTS idx_hot_priority ON trace_hot(priority);
	CREATE INDEX IF NOT EXISTS idx_warm_user ON trace_warm(user_id);
	CREATE INDEX IF NOT EXISTS idx_warm_ts ON trace_warm(ts);
	CREATE INDEX IF NOT EXISTS idx_cold_user ON trace_cold(user_id);
	CREATE INDEX IF NOT EXISTS idx_cold_accessed ON trace_cold(last_accessed);
	CREATE INDEX IF NOT EXISTS idx_cold_preserved ON trace_cold(preserved);
	`

	_, err := ts.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (ts *TraceStore) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.db.Close()
}
