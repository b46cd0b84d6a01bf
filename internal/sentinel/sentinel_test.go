package sentinel

import (
	"os"
	"path/filepath"
	"testing"

	"casparianflow/internal/config"
	"casparianflow/internal/protocol"
	"casparianflow/internal/queue"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	cfg := config.DefaultQueueConfig()
	cfg.DatabasePath = "catalog.db"
	q, err := queue.Open(t.TempDir(), &cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testContract() protocol.SchemaContract {
	return protocol.SchemaContract{
		OutputName: "events",
		Mode:       protocol.ModeStrict,
		Columns: []protocol.Column{
			{Name: "id", LogicalType: protocol.TypeInt64},
		},
	}
}

func enqueueTestJob(t *testing.T, q *queue.Queue, sourceHash string) int64 {
	t.Helper()
	jobID, err := q.Enqueue(queue.EnqueueSpec{
		Priority:     queue.PriorityNormal,
		SourceHash:   sourceHash,
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
	return jobID
}

func TestTranslateOutcomeConcludeCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	jobID := enqueueTestJob(t, q, "source-1")
	job, err := q.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	s := New(q, nil, &config.SentinelConfig{}, nil, nil)
	s.translateConclude("worker-1", job, &protocol.ConcludePayload{
		JobID:        jobID,
		SourceHash:   job.SourceHash,
		ArtifactHash: job.ArtifactHash,
		Outputs:      []protocol.OutputReceipt{{OutputName: "events", RowsClean: 10, RowsQuarantined: 0}},
	})

	got, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != queue.StateCompleted {
		t.Errorf("State = %s, want %s", got.State, queue.StateCompleted)
	}

	mats, err := q.MaterializationsFor(got.OutputTargetKey)
	if err != nil {
		t.Fatalf("MaterializationsFor: %v", err)
	}
	if len(mats) != 1 {
		t.Fatalf("materializations = %d, want 1", len(mats))
	}
}

func TestTranslateOutcomeErrRetryableRequeues(t *testing.T) {
	q := newTestQueue(t)
	jobID := enqueueTestJob(t, q, "source-2")
	job, err := q.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	s := New(q, nil, &config.SentinelConfig{}, nil, nil)
	s.translateErr("worker-1", job, &protocol.ErrPayload{
		JobID:     jobID,
		Kind:      "TIMEOUT_READ",
		Retryable: true,
		Message:   "guest read timed out",
	})

	got, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != queue.StateQueued {
		t.Errorf("State = %s, want %s (requeued after transient failure)", got.State, queue.StateQueued)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
}

func TestTranslateOutcomeErrPermanentDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	jobID := enqueueTestJob(t, q, "source-3")
	job, err := q.ClaimNext("worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	s := New(q, nil, &config.SentinelConfig{}, nil, nil)
	s.translateErr("worker-1", job, &protocol.ErrPayload{
		JobID:     jobID,
		Kind:      "INVALID_DATA",
		Retryable: false,
		Message:   "quarantine policy violated",
	})

	got, err := q.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != queue.StateFailedPermanent {
		t.Errorf("State = %s, want %s", got.State, queue.StateFailedPermanent)
	}

	dead, err := q.ListDeadLetter()
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letter rows = %d, want 1", len(dead))
	}
}

func TestClaimForCapabilitiesWildcardMatchesAnyParser(t *testing.T) {
	q := newTestQueue(t)
	enqueueTestJob(t, q, "source-4")

	s := New(q, nil, &config.SentinelConfig{}, nil, nil)
	w := &remoteWorker{workerID: "remote-1", capabilities: []string{"*"}, maxJobs: 1}

	job, err := s.claimForCapabilities(w)
	if err != nil {
		t.Fatalf("claimForCapabilities: %v", err)
	}
	if job.ParserName != "testparser" {
		t.Errorf("ParserName = %s, want testparser", job.ParserName)
	}
}

func TestClaimForCapabilitiesNamedMatchesDeclaredParser(t *testing.T) {
	q := newTestQueue(t)
	enqueueTestJob(t, q, "source-5")

	s := New(q, nil, &config.SentinelConfig{}, nil, nil)
	w := &remoteWorker{workerID: "remote-1", capabilities: []string{"otherparser", "testparser"}, maxJobs: 1}

	job, err := s.claimForCapabilities(w)
	if err != nil {
		t.Fatalf("claimForCapabilities: %v", err)
	}
	if job.ParserName != "testparser" {
		t.Errorf("ParserName = %s, want testparser", job.ParserName)
	}
}

func TestClaimForCapabilitiesNoMatchReturnsNoJobAvailable(t *testing.T) {
	q := newTestQueue(t)
	enqueueTestJob(t, q, "source-6")

	s := New(q, nil, &config.SentinelConfig{}, nil, nil)
	w := &remoteWorker{workerID: "remote-1", capabilities: []string{"unrelatedparser"}, maxJobs: 1}

	_, err := s.claimForCapabilities(w)
	if err != queue.ErrNoJobAvailable {
		t.Errorf("err = %v, want ErrNoJobAvailable", err)
	}
}

func TestApplyTopicDefaultsFillsMissingSinks(t *testing.T) {
	s := &Sentinel{topics: map[string][]protocol.SinkSpec{
		"testparser": {{OutputName: "events", SinkURI: "parquet://", Mode: protocol.SinkAppend}},
	}}
	job := &queue.Job{ParserName: "testparser"}
	s.applyTopicDefaults(job)
	if len(job.Sinks) != 1 {
		t.Fatalf("Sinks = %d, want 1", len(job.Sinks))
	}

	// A job that already declares sinks is left untouched.
	job2 := &queue.Job{ParserName: "testparser", Sinks: []protocol.SinkSpec{{OutputName: "custom"}}}
	s.applyTopicDefaults(job2)
	if len(job2.Sinks) != 1 || job2.Sinks[0].OutputName != "custom" {
		t.Errorf("applyTopicDefaults overwrote an already-declared sink list: %+v", job2.Sinks)
	}
}

func TestLoadTopicMapMissingFileReturnsNil(t *testing.T) {
	topics, err := LoadTopicMap(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadTopicMap: %v", err)
	}
	if topics != nil {
		t.Errorf("topics = %+v, want nil for a missing file", topics)
	}
}

func TestLoadTopicMapParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.yaml")
	content := `
topics:
  testparser:
    - output_name: events
      sink_uri: "parquet://"
      mode: append
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write topics file: %v", err)
	}

	topics, err := LoadTopicMap(path)
	if err != nil {
		t.Fatalf("LoadTopicMap: %v", err)
	}
	sinks, ok := topics["testparser"]
	if !ok || len(sinks) != 1 {
		t.Fatalf("topics[testparser] = %+v, want one sink", sinks)
	}
	if sinks[0].OutputName != "events" || sinks[0].Mode != protocol.SinkAppend {
		t.Errorf("unexpected sink: %+v", sinks[0])
	}
}
