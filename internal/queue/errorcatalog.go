package queue

import (
	"fmt"

	"casparianflow/internal/logging"
)

// ErrorCatalogRow is a row of cf_error_catalog: one group of errors sharing
// a fingerprint (spec.md §7).
type ErrorCatalogRow struct {
	Fingerprint     string
	Kind            string
	SampleContext   string
	SampleMessage   string
	FirstSeen       int64
	LastSeen        int64
	OccurrenceCount int64
}

// RecordErrorCatalog upserts one occurrence of a fingerprinted error into
// cf_error_catalog, grouping repeated occurrences for operator inspection
// (spec.md §7). The queue is the only writer; internal/catalog calls this
// rather than touching the table itself.
func (q *Queue) RecordErrorCatalog(fingerprint, kind, sampleContext, sampleMessage string) error {
	_, err := q.db.Exec(`
		INSERT INTO cf_error_catalog (
			fingerprint, kind, sample_context, sample_message, first_seen, last_seen, occurrence_count
		) VALUES (?, ?, ?, ?, unixepoch(), unixepoch(), 1)
		ON CONFLICT(fingerprint) DO UPDATE SET
			last_seen = unixepoch(),
			occurrence_count = occurrence_count + 1`,
		fingerprint, kind, sampleContext, sampleMessage)
	if err != nil {
		return fmt.Errorf("record error catalog entry %s: %w", fingerprint, err)
	}
	logging.QueueDebug("error catalog: recorded occurrence of %s (%s)", fingerprint, kind)
	return nil
}

// ListErrorCatalog returns every fingerprinted error group, most recently
// seen first (spec.md §7, surfaced via internal/catalog for operator
// inspection).
func (q *Queue) ListErrorCatalog() ([]ErrorCatalogRow, error) {
	rows, err := q.db.Query(`
		SELECT fingerprint, kind, sample_context, sample_message, first_seen, last_seen, occurrence_count
		FROM cf_error_catalog ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list error catalog: %w", err)
	}
	defer rows.Close()

	var out []ErrorCatalogRow
	for rows.Next() {
		var r ErrorCatalogRow
		if err := rows.Scan(&r.Fingerprint, &r.Kind, &r.SampleContext, &r.SampleMessage,
			&r.FirstSeen, &r.LastSeen, &r.OccurrenceCount); err != nil {
			return nil, fmt.Errorf("scan error catalog row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
