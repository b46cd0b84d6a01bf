package executor

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"casparianflow/internal/artifactstore"
	"casparianflow/internal/bridge"
	"casparianflow/internal/build"
	"casparianflow/internal/config"
	"casparianflow/internal/protocol"
	"casparianflow/internal/queue"
	"casparianflow/internal/validator"
)

// buildRecordBatch encodes one Arrow IPC stream with an int64 "id" column
// and a string "name" column, tagged with an output_name metadata key so
// resolveOutputName can route it without relying on the single-output
// fallback.
func buildRecordBatch(t *testing.T, outputName string, ids []int64, names []string) []byte {
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

	md := arrow.NewMetadata([]string{outputNameMetadataKey}, []string{outputName})
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, &md)

	rec := array.NewRecord(schema, []arrow.Array{idArr, nameArr}, int64(len(ids)))
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(rec); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes()
}

// fakeBridge implements bridgeRunner without spawning any subprocess; runFn
// is invoked by Run so a test can push record batches through the
// executor's handlers and return a canned bridge.Result.
type fakeBridge struct {
	runFn func(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error)
}

func (f *fakeBridge) Run(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error) {
	return f.runFn(ctx, spec, h)
}
func (f *fakeBridge) Cancel()       {}
func (f *fakeBridge) Close() error  { return nil }

// testExecutor wires an Executor against a temporary artifact-store home
// (with the job's env already "prepared" so PrepareEnv short-circuits
// without invoking a real external builder) and a fake bridge whose Run
// behavior the caller supplies.
func testExecutor(t *testing.T, archiveBytes []byte, envHash string, runFn func(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error)) *Executor {
	t.Helper()
	home := t.TempDir()

	artifactHash := protocol.ArtifactHash(archiveBytes)
	storeCfg := &config.ArtifactStoreConfig{}
	store := artifactstore.New(home, storeCfg)
	if err := store.Store(artifactHash, archiveBytes, "", artifactstore.Metadata{
		Name: "testparser", Version: "1.0.0", Entrypoint: "main:run",
	}); err != nil {
		t.Fatalf("store artifact: %v", err)
	}

	envDir := build.DeriveEnvCacheDir(home, envHash)
	if err := os.MkdirAll(filepath.Join(envDir, "bin"), 0755); err != nil {
		t.Fatalf("pre-create env dir: %v", err)
	}

	sinkCfg := &config.SinkConfig{
		StagingDir:          filepath.Join(home, "staging"),
		PromotedDir:         filepath.Join(home, "promoted"),
		ParquetRowGroupSize: 1000,
	}
	bridgeCfg := &config.BridgeConfig{
		ConnectTimeout:  "5s",
		ReadTimeout:     "5s",
		InterpreterName: "python3",
		WorkDir:         filepath.Join(home, "work"),
	}

	v := validator.New(&config.ValidatorConfig{QuarantineThreshold: 0.5, MaxQuarantineRows: 10000})
	e := New(store, v, sinkCfg, bridgeCfg)
	e.newBridge = func(pipeDir string) (bridgeRunner, error) {
		return &fakeBridge{runFn: runFn}, nil
	}
	return e
}

// emptyZipArchive returns a minimal, valid (empty) zip archive's bytes, used
// as the parser bundle in tests that never actually need its contents since
// the fake bridge never execs a real interpreter.
func emptyZipArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := zw.Close(); err != nil {
		t.Fatalf("close empty zip: %v", err)
	}
	return buf.Bytes()
}

func testJob(t *testing.T, inputPath, artifactHash, envHash string) *queue.Job {
	t.Helper()
	return &queue.Job{
		JobID:        1,
		ParserName:   "testparser",
		InputPath:    inputPath,
		ArtifactHash: artifactHash,
		EnvHash:      envHash,
		Sinks: []protocol.SinkSpec{
			{OutputName: "users", SinkURI: "parquet://", Mode: protocol.SinkAppend},
		},
		Contracts: map[string]protocol.SchemaContract{
			"users": {
				OutputName: "users",
				Mode:       protocol.ModeAllowExtra,
				Columns: []protocol.Column{
					{Name: "id", LogicalType: protocol.TypeInt64, Nullable: false},
					{Name: "name", LogicalType: protocol.TypeString, Nullable: false},
				},
			},
		},
	}
}

func writeTestInput(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write test input: %v", err)
	}
	return path
}

func TestRunJobConcludesOnCleanBatch(t *testing.T) {
	archiveBytes := emptyZipArchive(t)
	artifactHash := protocol.ArtifactHash(archiveBytes)
	envHash := "env-clean"
	inputPath := writeTestInput(t, "id,name\n1,alice\n2,bob\n")

	e := testExecutor(t, archiveBytes, envHash, func(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error) {
		payload := buildRecordBatch(t, "users", []int64{1, 2}, []string{"alice", "bob"})
		if err := h.OnRecordBatch(payload); err != nil {
			t.Fatalf("OnRecordBatch: %v", err)
		}
		return bridge.Result{}, nil
	})

	job := testJob(t, inputPath, artifactHash, envHash)
	outcome := e.RunJob(context.Background(), job)

	if outcome.Err != nil {
		t.Fatalf("expected Conclude, got Err: %+v", outcome.Err)
	}
	if outcome.Conclude == nil {
		t.Fatal("expected a non-nil Conclude payload")
	}
	if len(outcome.Conclude.Outputs) != 1 {
		t.Fatalf("Outputs = %d, want 1", len(outcome.Conclude.Outputs))
	}
	out := outcome.Conclude.Outputs[0]
	if out.OutputName != "users" || out.RowsClean != 2 || out.RowsQuarantined != 0 {
		t.Errorf("unexpected output receipt: %+v", out)
	}
}

func TestRunJobFailsWhenQuarantineExceedsThreshold(t *testing.T) {
	archiveBytes := emptyZipArchive(t)
	artifactHash := protocol.ArtifactHash(archiveBytes)
	envHash := "env-quarantine"
	inputPath := writeTestInput(t, "id,name\n1,alice\n")

	e := testExecutor(t, archiveBytes, envHash, func(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error) {
		// A record batch whose "name" value is the empty string, which does
		// not parse as the int64 declared below: 1 of 1 rows quarantined,
		// exceeding the 0.5 threshold entirely.
		payload := buildRecordBatch(t, "users", []int64{1}, []string{""})
		if err := h.OnRecordBatch(payload); err != nil {
			t.Fatalf("OnRecordBatch: %v", err)
		}
		return bridge.Result{}, nil
	})

	job := testJob(t, inputPath, artifactHash, envHash)
	// Force a guaranteed quarantine (format_mismatch) by declaring "name"
	// as an int64 column against a string array holding a non-numeric value.
	job.Contracts["users"] = protocol.SchemaContract{
		OutputName: "users",
		Mode:       protocol.ModeAllowExtra,
		Columns: []protocol.Column{
			{Name: "id", LogicalType: protocol.TypeInt64, Nullable: false},
			{Name: "name", LogicalType: protocol.TypeInt64, Nullable: false},
		},
	}

	outcome := e.RunJob(context.Background(), job)

	if outcome.Conclude != nil {
		t.Fatalf("expected Err, got Conclude: %+v", outcome.Conclude)
	}
	if outcome.Err == nil {
		t.Fatal("expected a non-nil Err payload")
	}
	if outcome.Err.Kind != "INVALID_DATA" {
		t.Errorf("Kind = %q, want INVALID_DATA", outcome.Err.Kind)
	}
}

func TestRunJobClassifiesBridgeErrorFrame(t *testing.T) {
	archiveBytes := emptyZipArchive(t)
	artifactHash := protocol.ArtifactHash(archiveBytes)
	envHash := "env-error"
	inputPath := writeTestInput(t, "id,name\n1,alice\n")

	e := testExecutor(t, archiveBytes, envHash, func(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error) {
		return bridge.Result{ErrorText: "boom: parser blew up"}, nil
	})

	job := testJob(t, inputPath, artifactHash, envHash)
	outcome := e.RunJob(context.Background(), job)

	if outcome.Conclude != nil {
		t.Fatalf("expected Err, got Conclude: %+v", outcome.Conclude)
	}
	if outcome.Err == nil {
		t.Fatal("expected a non-nil Err payload")
	}
	if outcome.Err.Message == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestIsWithinRejectsPathTraversal(t *testing.T) {
	root := "/tmp/extract-root"
	cases := []struct {
		target string
		want   bool
	}{
		{filepath.Join(root, "ok.txt"), true},
		{filepath.Join(root, "nested", "ok.txt"), true},
		{filepath.Join(root, "..", "escaped.txt"), false},
		{filepath.Join(root, "..", "..", "etc", "passwd"), false},
	}
	for _, c := range cases {
		if got := isWithin(root, c.target); got != c.want {
			t.Errorf("isWithin(%q, %q) = %v, want %v", root, c.target, got, c.want)
		}
	}
}
