// Package catalog implements the read-facing side of the Materialization
// Catalog and error catalog (spec.md §4.9, §7): idempotent-rerun lookups by
// output_target_key, and grouped error-fingerprint inspection for
// operators. cf_materializations and cf_error_catalog rows are written
// exclusively by internal/queue (spec.md §5: "Job queue / catalog DB:
// exclusive write authority in the control plane"); this package opens its
// own read-only SQLite handle onto the same catalog.db file, matching
// spec.md §5's "all read-only clients use a read-only handle" rather than
// sharing the control plane's single writer connection.
package catalog

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"casparianflow/internal/errkind"
	"casparianflow/internal/queue"
)

// Catalog is a read-only view onto catalog.db, optionally paired with a
// writer Queue for the one write path this package exposes (RecordError,
// which just delegates to the queue).
type Catalog struct {
	ro *sql.DB
	q  *queue.Queue
}

// Open opens a read-only connection to the catalog database at dbPath
// (typically the same path a queue.Queue in the same process has open for
// writing). q may be nil for a pure query client; RecordError then returns
// an error rather than silently dropping the fingerprint.
func Open(dbPath string, q *queue.Queue) (*Catalog, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path %s: %w", dbPath, err)
	}
	ro, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", abs))
	if err != nil {
		return nil, fmt.Errorf("open read-only catalog handle: %w", err)
	}
	if err := ro.Ping(); err != nil {
		ro.Close()
		return nil, fmt.Errorf("ping read-only catalog handle: %w", err)
	}
	return &Catalog{ro: ro, q: q}, nil
}

// Close releases the read-only handle.
func (c *Catalog) Close() error {
	return c.ro.Close()
}

// MaterializationsFor returns every materialization recorded for
// outputTargetKey, the idempotent-rerun lookup spec.md §4.9 describes
// (delegated to the writer when one is attached, since this read is cheap
// and the writer already owns the authoritative connection; falls back to
// the read-only handle for a query-only client with no attached Queue).
func (c *Catalog) MaterializationsFor(outputTargetKey string) ([]queue.MaterializationRow, error) {
	if c.q != nil {
		return c.q.MaterializationsFor(outputTargetKey)
	}
	rows, err := c.ro.Query(`
		SELECT materialization_key, job_id, output_target_key, source_hash,
			artifact_hash, rows_clean, rows_quarantined, promoted_at
		FROM cf_materializations WHERE output_target_key = ? ORDER BY promoted_at DESC`, outputTargetKey)
	if err != nil {
		return nil, fmt.Errorf("materializations_for %s: %w", outputTargetKey, err)
	}
	defer rows.Close()

	var out []queue.MaterializationRow
	for rows.Next() {
		var m queue.MaterializationRow
		if err := rows.Scan(&m.MaterializationKey, &m.JobID, &m.OutputTargetKey, &m.SourceHash,
			&m.ArtifactHash, &m.RowsClean, &m.RowsQuarantined, &m.PromotedAt); err != nil {
			return nil, fmt.Errorf("scan materialization row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordError groups one occurrence of err under its fingerprint (spec.md
// §7). Requires an attached writer Queue; a query-only Catalog has none.
func (c *Catalog) RecordError(e *errkind.CoreError) error {
	if c.q == nil {
		return fmt.Errorf("record error catalog entry: no writer attached to this catalog handle")
	}
	return c.q.RecordErrorCatalog(e.Fingerprint(), string(e.Kind), "", e.Error())
}

// Errors returns every fingerprinted error group, most recently seen first
// (spec.md §7's "repeated occurrences are grouped for operator inspection").
func (c *Catalog) Errors() ([]queue.ErrorCatalogRow, error) {
	if c.q != nil {
		return c.q.ListErrorCatalog()
	}
	rows, err := c.ro.Query(`
		SELECT fingerprint, kind, sample_context, sample_message, first_seen, last_seen, occurrence_count
		FROM cf_error_catalog ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list error catalog: %w", err)
	}
	defer rows.Close()

	var out []queue.ErrorCatalogRow
	for rows.Next() {
		var r queue.ErrorCatalogRow
		if err := rows.Scan(&r.Fingerprint, &r.Kind, &r.SampleContext, &r.SampleMessage,
			&r.FirstSeen, &r.LastSeen, &r.OccurrenceCount); err != nil {
			return nil, fmt.Errorf("scan error catalog row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Row is one result row from Query, column name to its driver-decoded
// value (string, int64, float64, []byte, or nil).
type Row map[string]interface{}

// Query runs an arbitrary read-only SQL statement against the catalog
// (spec.md §6 frontend interface: "query(sql, read-only)"). The read-only
// connection mode itself is what enforces the "read-only" contract: SQLite
// rejects any write against a mode=ro handle at the OS file-lock level, so
// this does not need to parse or allow-list the statement.
func (c *Catalog) Query(sqlText string, args ...interface{}) ([]Row, error) {
	rows, err := c.ro.Query(sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
