// Package sink implements the staged-write/atomic-promote output
// abstraction of spec.md §4.6: every output passes through open, a run of
// write_batch/write_quarantine calls, and a single finish (promote) or
// abort, with lineage columns injected immediately before any write.
package sink

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"casparianflow/internal/protocol"
	"casparianflow/internal/validator"
)

// Lineage carries the five reserved columns injected into every output row
// (spec.md §6, bit-exact column names).
type Lineage struct {
	SourceHash    string
	ParserVersion string
	ArtifactHash  string
	JobID         int64
	ProcessedAt   time.Time
}

// row renders the lineage columns as a key/value set, timestamped in UTC
// microseconds per spec.md §6.
func (l Lineage) row() map[string]interface{} {
	return map[string]interface{}{
		protocol.ColSourceHash:    l.SourceHash,
		protocol.ColParserVersion: l.ParserVersion,
		protocol.ColArtifactHash:  l.ArtifactHash,
		protocol.ColJobID:         l.JobID,
		protocol.ColProcessedAt:   l.ProcessedAt.UTC().UnixMicro(),
	}
}

// Sink is one output's staged-write/atomic-promote destination (spec.md
// §4.6). A Sink instance is exclusive to one job's one output.
type Sink interface {
	// WriteBatch writes the rows at cleanIndices from rec, injecting
	// lineage immediately before the write. rec must not already carry any
	// reserved-namespace column (checked here, not by the caller).
	WriteBatch(rec arrow.Record, cleanIndices []int64, lineage Lineage) error

	// WriteQuarantine writes quarantined rows alongside their violation
	// context and lineage.
	WriteQuarantine(rows []validator.QuarantineRow, lineage Lineage) error

	// Finish atomically promotes staged output into place. Called once,
	// only on a job's successful, below-threshold completion.
	Finish() error

	// Abort discards staged output. Safe to call without a prior Finish;
	// idempotent.
	Abort() error
}

// rejectReservedColumns enforces spec.md §4.6's "a batch is rejected if it
// already carries reserved-namespace columns from the parser" — checked
// once per batch against the record's schema, not per row.
func rejectReservedColumns(rec arrow.Record) error {
	for _, f := range rec.Schema().Fields() {
		if strings.HasPrefix(f.Name, protocol.ReservedLineagePrefix) {
			return fmt.Errorf("parser output column %q uses reserved lineage prefix %q", f.Name, protocol.ReservedLineagePrefix)
		}
	}
	return nil
}

// cellValue extracts row's value from arr as a native Go value suitable for
// JSON/Parquet encoding, preserving typed values where the array is typed
// and falling back to the array's string representation otherwise (mirrors
// the guest's safe-convert fallback the validator also tolerates).
func cellValue(arr arrow.Array, row int) interface{} {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case interface{ Value(int) int64 }:
		return a.Value(row)
	case interface{ Value(int) float64 }:
		return a.Value(row)
	case interface{ Value(int) bool }:
		return a.Value(row)
	case interface{ Value(int) string }:
		return a.Value(row)
	default:
		return arr.ValueStr(row)
	}
}

// recordRowToMap extracts one row of rec into a plain map, keyed by column
// name, ready for lineage injection and serialization.
func recordRowToMap(rec arrow.Record, row int) map[string]interface{} {
	schema := rec.Schema()
	out := make(map[string]interface{}, rec.NumCols())
	for i := 0; i < int(rec.NumCols()); i++ {
		out[schema.Field(i).Name] = cellValue(rec.Column(i), int(row))
	}
	return out
}
