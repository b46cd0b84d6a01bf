package catalog

import (
	"path/filepath"
	"testing"

	"casparianflow/internal/config"
	"casparianflow/internal/errkind"
	"casparianflow/internal/protocol"
	"casparianflow/internal/queue"
)

func newTestQueue(t *testing.T) (*queue.Queue, string) {
	t.Helper()
	cfg := config.DefaultQueueConfig()
	cfg.DatabasePath = "catalog.db"
	home := t.TempDir()
	q, err := queue.Open(home, &cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, filepath.Join(home, "catalog.db")
}

func testContract() protocol.SchemaContract {
	return protocol.SchemaContract{
		OutputName: "events",
		Mode:       protocol.ModeStrict,
		Columns:    []protocol.Column{{Name: "id", LogicalType: protocol.TypeInt64}},
	}
}

func TestMaterializationsForReadsWriterRows(t *testing.T) {
	q, dbPath := newTestQueue(t)

	jobID, err := q.Enqueue(queue.EnqueueSpec{
		Priority:     queue.PriorityNormal,
		SourceHash:   "source-1",
		ArtifactHash: "artifact-1",
		EnvHash:      "env-1",
		ParserName:   "testparser",
		InputPath:    "/tmp/input.csv",
		Sinks:        []protocol.SinkSpec{{OutputName: "events", SinkURI: "parquet://", Mode: protocol.SinkAppend}},
		Contracts:    map[string]protocol.SchemaContract{"events": testContract()},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := q.Complete(queue.Receipt{
		JobID:        jobID,
		SourceHash:   job.SourceHash,
		ArtifactHash: job.ArtifactHash,
		Outputs:      []protocol.OutputReceipt{{OutputName: "events", RowsClean: 5}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	c, err := Open(dbPath, q)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer c.Close()

	mats, err := c.MaterializationsFor(job.OutputTargetKey)
	if err != nil {
		t.Fatalf("MaterializationsFor: %v", err)
	}
	if len(mats) != 1 || mats[0].RowsClean != 5 {
		t.Errorf("mats = %+v, want one row with RowsClean=5", mats)
	}
}

func TestRecordAndListErrors(t *testing.T) {
	q, dbPath := newTestQueue(t)

	ce := errkind.New(errkind.TimeoutRead, nil, map[string]string{"stage": "string"})

	c, err := Open(dbPath, q)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer c.Close()

	if err := c.RecordError(ce); err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if err := c.RecordError(ce); err != nil {
		t.Fatalf("RecordError (second occurrence): %v", err)
	}

	errs, err := c.Errors()
	if err != nil {
		t.Fatalf("Errors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %d groups, want 1", len(errs))
	}
	if errs[0].OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", errs[0].OccurrenceCount)
	}
	if errs[0].Fingerprint != ce.Fingerprint() {
		t.Errorf("Fingerprint = %s, want %s", errs[0].Fingerprint, ce.Fingerprint())
	}
}

func TestQueryReadOnlyHandleRejectsWrites(t *testing.T) {
	q, dbPath := newTestQueue(t)
	_ = q

	c, err := Open(dbPath, q)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer c.Close()

	if _, err := c.Query(`DELETE FROM cf_jobs`); err == nil {
		t.Error("expected the read-only handle to reject a write statement")
	}
}

func TestQueryReturnsRows(t *testing.T) {
	q, dbPath := newTestQueue(t)

	if _, err := q.Enqueue(queue.EnqueueSpec{
		Priority:     queue.PriorityNormal,
		SourceHash:   "source-2",
		ArtifactHash: "artifact-2",
		EnvHash:      "env-2",
		ParserName:   "testparser",
		InputPath:    "/tmp/input.csv",
		Sinks:        []protocol.SinkSpec{{OutputName: "events", SinkURI: "parquet://", Mode: protocol.SinkAppend}},
		Contracts:    map[string]protocol.SchemaContract{"events": testContract()},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c, err := Open(dbPath, q)
	if err != nil {
		t.Fatalf("Open catalog: %v", err)
	}
	defer c.Close()

	rows, err := c.Query(`SELECT parser_name FROM cf_jobs WHERE source_hash = ?`, "source-2")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0]["parser_name"] != "testparser" {
		t.Errorf("rows = %+v, want one row with parser_name=testparser", rows)
	}
}
