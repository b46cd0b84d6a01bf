package sink

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "modernc.org/sqlite"

	"casparianflow/internal/protocol"
	"casparianflow/internal/validator"
)

func buildTestRecord(t *testing.T, ids []int64, names []string) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()

	idBuilder := array.NewInt64Builder(pool)
	defer idBuilder.Release()
	idBuilder.AppendValues(ids, nil)
	idArr := idBuilder.NewArray()
	defer idArr.Release()

	nameBuilder := array.NewStringBuilder(pool)
	defer nameBuilder.Release()
	nameBuilder.AppendValues(names, nil)
	nameArr := nameBuilder.NewArray()
	defer nameArr.Release()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)

	return array.NewRecord(schema, []arrow.Array{idArr, nameArr}, int64(len(ids)))
}

func testLineage() Lineage {
	return Lineage{
		SourceHash:    "H_a",
		ParserVersion: "1.0.0",
		ArtifactHash:  "A_demo",
		JobID:         42,
		ProcessedAt:   time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC),
	}
}

func testContract() protocol.SchemaContract {
	return protocol.SchemaContract{
		OutputName: "events",
		Mode:       protocol.ModeStrict,
		Columns: []protocol.Column{
			{Name: "id", LogicalType: protocol.TypeInt64},
			{Name: "name", LogicalType: protocol.TypeString},
		},
	}
}

func TestParquetSinkPromotesOnFinish(t *testing.T) {
	stagingRoot := t.TempDir()
	promotedRoot := t.TempDir()

	s, err := NewParquetSink(42, testContract(), protocol.SinkError, stagingRoot, promotedRoot, 1000)
	if err != nil {
		t.Fatalf("NewParquetSink: %v", err)
	}

	rec := buildTestRecord(t, []int64{1, 2, 3}, []string{"a", "b", "c"})
	defer rec.Release()

	if err := s.WriteBatch(rec, []int64{0, 1, 2}, testLineage()); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	target := filepath.Join(promotedRoot, "events", "events.parquet")
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("expected promoted file at %s: %v", target, err)
	}
	if info.Size() == 0 {
		t.Error("promoted parquet file is empty")
	}

	if _, err := os.Stat(filepath.Join(stagingRoot, "42", "events")); !os.IsNotExist(err) {
		t.Error("expected staging directory to be removed after promote")
	}
}

func TestParquetSinkErrorModeFailsIfTargetExists(t *testing.T) {
	stagingRoot := t.TempDir()
	promotedRoot := t.TempDir()

	if err := os.MkdirAll(filepath.Join(promotedRoot, "events"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(promotedRoot, "events", "events.parquet"), []byte("existing"), 0644); err != nil {
		t.Fatalf("write existing file: %v", err)
	}

	s, err := NewParquetSink(1, testContract(), protocol.SinkError, stagingRoot, promotedRoot, 1000)
	if err != nil {
		t.Fatalf("NewParquetSink: %v", err)
	}
	rec := buildTestRecord(t, []int64{1}, []string{"a"})
	defer rec.Release()
	if err := s.WriteBatch(rec, []int64{0}, testLineage()); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	if err := s.Finish(); err == nil {
		t.Fatal("expected Finish to fail under Error sink mode when the target already exists")
	}
}

func TestParquetSinkAbortRemovesStaging(t *testing.T) {
	stagingRoot := t.TempDir()
	promotedRoot := t.TempDir()

	s, err := NewParquetSink(7, testContract(), protocol.SinkError, stagingRoot, promotedRoot, 1000)
	if err != nil {
		t.Fatalf("NewParquetSink: %v", err)
	}
	rec := buildTestRecord(t, []int64{1}, []string{"a"})
	defer rec.Release()
	if err := s.WriteBatch(rec, []int64{0}, testLineage()); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := os.Stat(filepath.Join(stagingRoot, "7", "events")); !os.IsNotExist(err) {
		t.Error("expected staging directory to be removed after abort")
	}
	if _, err := os.Stat(filepath.Join(promotedRoot, "events", "events.parquet")); !os.IsNotExist(err) {
		t.Error("expected no promoted file after abort")
	}
}

func TestWriteBatchRejectsReservedLineageColumn(t *testing.T) {
	stagingRoot := t.TempDir()
	promotedRoot := t.TempDir()

	s, err := NewParquetSink(1, testContract(), protocol.SinkError, stagingRoot, promotedRoot, 1000)
	if err != nil {
		t.Fatalf("NewParquetSink: %v", err)
	}
	defer s.Abort()

	pool := memory.NewGoAllocator()
	idBuilder := array.NewInt64Builder(pool)
	idBuilder.AppendValues([]int64{1}, nil)
	idArr := idBuilder.NewArray()
	schema := arrow.NewSchema([]arrow.Field{{Name: protocol.ColSourceHash, Type: arrow.PrimitiveTypes.Int64}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{idArr}, 1)
	defer rec.Release()

	if err := s.WriteBatch(rec, []int64{0}, testLineage()); err == nil {
		t.Fatal("expected WriteBatch to reject a batch carrying a reserved lineage column")
	}
}

func TestSQLiteSinkCommitsOnFinish(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	s, err := NewSQLiteSink(99, testContract(), protocol.SinkAppend, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}

	rec := buildTestRecord(t, []int64{1, 2}, []string{"x", "y"})
	defer rec.Release()
	if err := s.WriteBatch(rec, []int64{0, 1}, testLineage()); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	qrows := []validator.QuarantineRow{
		{RowIndex: 2, RowJSON: `{"id":3}`, Violation: validator.ViolationContext{Kind: validator.ViolationNullNotAllowed, Column: "name", SuggestedFix: "make_nullable"}},
	}
	if err := s.WriteQuarantine(qrows, testLineage()); err != nil {
		t.Fatalf("WriteQuarantine: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "events"`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Errorf("events row count = %d, want 2", count)
	}

	var qcount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "events_quarantine"`).Scan(&qcount); err != nil {
		t.Fatalf("count events_quarantine: %v", err)
	}
	if qcount != 1 {
		t.Errorf("events_quarantine row count = %d, want 1", qcount)
	}

	var sourceHash string
	if err := db.QueryRow(`SELECT "_cf_source_hash" FROM "events" LIMIT 1`).Scan(&sourceHash); err != nil {
		t.Fatalf("select lineage column: %v", err)
	}
	if sourceHash != "H_a" {
		t.Errorf("_cf_source_hash = %q, want H_a", sourceHash)
	}
}

func TestSQLiteSinkAbortRollsBack(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	s, err := NewSQLiteSink(1, testContract(), protocol.SinkAppend, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	rec := buildTestRecord(t, []int64{1}, []string{"a"})
	defer rec.Release()
	if err := s.WriteBatch(rec, []int64{0}, testLineage()); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "events"`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Errorf("events row count = %d, want 0 after abort", count)
	}
}
