// Package queue implements the durable, SQLite-backed job queue (spec.md
// §4.3): atomic claim, heartbeat-based zombie detection, dead-letter
// overflow, per-parser circuit breaking, and the approvals gate. A single
// *Queue owns exclusive write authority over catalog.db; the control plane
// is its only writer (spec.md §5 "Shared-resource policy").
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"casparianflow/internal/config"
	"casparianflow/internal/logging"
)

// Queue is the durable job queue, backed by a single exclusive-writer
// SQLite connection (spec.md §4.3, §5).
type Queue struct {
	db  *sql.DB
	cfg *config.QueueConfig
}

// Open opens (creating if absent) the catalog database at cfg.DatabasePath
// under homeDir, applies the WAL/busy-timeout tuning the control plane
// needs for its single-writer/many-reader access pattern, and runs the
// schema migration.
func Open(homeDir string, cfg *config.QueueConfig) (*Queue, error) {
	path := cfg.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(homeDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}

	// A single writer: catalog.db has exclusive write authority in the
	// control plane (spec.md §5). One connection keeps writes serialized
	// without relying on SQLite's own locking to arbitrate between
	// goroutines in this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.QueueDebug("pragma failed (%s): %v", pragma, err)
		}
	}

	q := &Queue{db: db, cfg: cfg}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}

	logging.Queue("catalog opened at %s", path)
	return q, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS cf_jobs (
	job_id            INTEGER PRIMARY KEY AUTOINCREMENT,
	priority          INTEGER NOT NULL DEFAULT 1,
	state             TEXT NOT NULL,
	source_hash       TEXT NOT NULL,
	artifact_hash     TEXT NOT NULL,
	env_hash          TEXT NOT NULL,
	parser_name       TEXT NOT NULL,
	input_path        TEXT NOT NULL,
	output_target_key TEXT NOT NULL,
	sinks_json        TEXT NOT NULL,
	contracts_json    TEXT NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	worker_id         TEXT,
	claim_token       TEXT,
	claimed_at        INTEGER,
	last_heartbeat_ts INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	next_retry_at     INTEGER,
	last_error_kind   TEXT,
	last_error_text   TEXT
);

CREATE INDEX IF NOT EXISTS idx_cf_jobs_claim ON cf_jobs(state, priority DESC, job_id ASC);
CREATE INDEX IF NOT EXISTS idx_cf_jobs_materialization ON cf_jobs(output_target_key, source_hash, artifact_hash);

CREATE TABLE IF NOT EXISTS cf_dead_letter (
	job_id            INTEGER PRIMARY KEY,
	priority          INTEGER NOT NULL,
	source_hash       TEXT NOT NULL,
	artifact_hash     TEXT NOT NULL,
	parser_name       TEXT NOT NULL,
	input_path        TEXT NOT NULL,
	retry_count       INTEGER NOT NULL,
	last_error_kind   TEXT,
	last_error_text   TEXT,
	moved_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cf_parser_health (
	parser_name            TEXT PRIMARY KEY,
	consecutive_failures    INTEGER NOT NULL DEFAULT 0,
	paused                  INTEGER NOT NULL DEFAULT 0,
	paused_at               INTEGER,
	last_failure_at         INTEGER,
	last_success_at         INTEGER
);

CREATE TABLE IF NOT EXISTS cf_materializations (
	materialization_key TEXT PRIMARY KEY,
	job_id              INTEGER NOT NULL,
	output_target_key   TEXT NOT NULL,
	source_hash         TEXT NOT NULL,
	artifact_hash       TEXT NOT NULL,
	rows_clean          INTEGER NOT NULL DEFAULT 0,
	rows_quarantined    INTEGER NOT NULL DEFAULT 0,
	promoted_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cf_approvals (
	job_id      INTEGER PRIMARY KEY,
	reason      TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	decided_at  INTEGER,
	approved    INTEGER
);

CREATE TABLE IF NOT EXISTS cf_error_catalog (
	fingerprint       TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	sample_context    TEXT NOT NULL DEFAULT '',
	sample_message    TEXT NOT NULL DEFAULT '',
	first_seen        INTEGER NOT NULL,
	last_seen         INTEGER NOT NULL,
	occurrence_count  INTEGER NOT NULL DEFAULT 1
);
`

func (q *Queue) migrate() error {
	_, err := q.db.Exec(schema)
	return err
}
