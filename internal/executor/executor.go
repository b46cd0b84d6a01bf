// Package executor implements the per-job worker sequence (spec.md §4.7):
// compute source_hash, fetch the artifact and prepare its environment, open
// sinks, run the bridge with validation wired into the record-batch
// handler, apply the quarantine threshold policy, and produce either a
// Conclude or an Err outcome. The executor never touches the job queue
// directly — it is pure worker-side logic; a caller (the sentinel's local
// worker pool, or a remote worker speaking the control wire) is responsible
// for turning an Outcome into queue.Complete/FailTransient/FailPermanent.
package executor

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"casparianflow/internal/artifactstore"
	"casparianflow/internal/bridge"
	"casparianflow/internal/config"
	"casparianflow/internal/errkind"
	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
	"casparianflow/internal/queue"
	"casparianflow/internal/sink"
	"casparianflow/internal/validator"
)

// outputNameMetadataKey is the Arrow schema metadata key the guest shim sets
// on every record batch's IPC stream to say which declared output it
// targets (an Open Question spec.md §4.4/§4.5 leaves implicit for
// multi-output parsers; resolved here rather than left unhandled).
const outputNameMetadataKey = "output_name"

// bridgeRunner is the subset of *bridge.Bridge the executor depends on,
// so tests can inject a fake guest without spawning a subprocess.
type bridgeRunner interface {
	Run(ctx context.Context, spec bridge.JobSpec, h bridge.Handlers) (bridge.Result, error)
	Cancel()
	Close() error
}

// Outcome is the terminal result of one RunJob call: exactly one of
// Conclude or Err is set (spec.md §4.7 steps 6-8).
type Outcome struct {
	Conclude *protocol.ConcludePayload
	Err      *protocol.ErrPayload
}

// Executor runs single jobs to completion (spec.md §4.7).
type Executor struct {
	store     *artifactstore.Store
	validator *validator.Validator
	sinkCfg   *config.SinkConfig
	bridgeCfg *config.BridgeConfig

	newBridge func(pipeDir string) (bridgeRunner, error)
}

// New returns an Executor wired to store, validator, and the sink/bridge
// configuration.
func New(store *artifactstore.Store, v *validator.Validator, sinkCfg *config.SinkConfig, bridgeCfg *config.BridgeConfig) *Executor {
	return &Executor{
		store:     store,
		validator: v,
		sinkCfg:   sinkCfg,
		bridgeCfg: bridgeCfg,
		newBridge: func(pipeDir string) (bridgeRunner, error) { return bridge.New(pipeDir) },
	}
}

type outputCounts struct {
	clean      int64
	quarantine int64
}

// RunJob executes the full spec.md §4.7 sequence for one job.
func (e *Executor) RunJob(ctx context.Context, job *queue.Job) Outcome {
	logging.Executor("job %d: starting (parser=%s artifact=%s)", job.JobID, job.ParserName, job.ArtifactHash)

	sourceHash, err := computeSourceHash(job.InputPath)
	if err != nil {
		return errOutcome(job, errkind.New(errkind.FileNotFound, err, map[string]string{"input_path": "string"}))
	}
	if job.SourceHash != "" && job.SourceHash != sourceHash {
		return errOutcome(job, errkind.New(errkind.InvalidData, fmt.Errorf("source_hash mismatch: declared %s, computed %s", job.SourceHash, sourceHash), nil))
	}

	archiveBytes, err := e.store.Fetch(job.ArtifactHash)
	if err != nil {
		return errOutcome(job, errkind.New(errkind.FileNotFound, err, map[string]string{"artifact_hash": "string"}))
	}
	metadata, err := e.store.FetchMetadata(job.ArtifactHash)
	if err != nil {
		return errOutcome(job, errkind.New(errkind.FileNotFound, err, map[string]string{"artifact_hash": "string"}))
	}

	envHandle, err := e.store.PrepareEnv(ctx, job.ArtifactHash, job.EnvHash, archiveBytes)
	if err != nil {
		return errOutcome(job, errkind.New(errkind.EnvBuildFailed, err, map[string]string{"env_hash": "string"}))
	}

	workDir := e.bridgeCfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	jobDir := filepath.Join(workDir, strconv.FormatInt(job.JobID, 10))
	archiveDir := filepath.Join(jobDir, "archive")
	if err := extractZip(archiveBytes, archiveDir); err != nil {
		return errOutcome(job, errkind.New(errkind.InvalidData, err, map[string]string{"artifact_hash": "string"}))
	}
	defer os.RemoveAll(jobDir)

	shimPath := e.bridgeCfg.ShimScriptPath
	if shimPath == "" {
		shimPath = filepath.Join(jobDir, "_shim.py")
		if err := os.WriteFile(shimPath, bridge.DefaultShimScript(), 0644); err != nil {
			return errOutcome(job, errkind.New(errkind.UnknownError, err, nil))
		}
	}

	registry := sink.NewRegistry(e.sinkCfg)
	if err := registry.Open(job.JobID, job.Sinks, job.Contracts); err != nil {
		return errOutcome(job, errkind.New(errkind.UnknownError, err, map[string]string{"job_id": "int64"}))
	}

	counts := map[string]*outputCounts{}
	lineage := sink.Lineage{
		SourceHash:    sourceHash,
		ParserVersion: metadata.Version,
		ArtifactHash:  job.ArtifactHash,
		JobID:         job.JobID,
	}

	b, err := e.newBridge(filepath.Join(jobDir, "pipe"))
	if err != nil {
		registry.Abort()
		return errOutcome(job, errkind.New(errkind.UnknownError, err, nil))
	}
	defer b.Close()

	handlers := bridge.Handlers{
		OnRecordBatch: func(payload []byte) error {
			return e.handleRecordBatch(payload, job, registry, lineage, counts)
		},
		OnLog: func(level uint8, message string) {
			logging.ExecutorDebug("job %d: guest log level=%d: %s", job.JobID, level, message)
		},
	}

	spec := bridge.JobSpec{
		JobID:           job.JobID,
		InputPath:       job.InputPath,
		InterpreterPath: filepath.Join(envHandle.Path, "bin", e.bridgeCfg.InterpreterName),
		ShimScriptPath:  shimPath,
		ArchiveDir:      archiveDir,
		Entrypoint:      metadata.Entrypoint,
		ConnectTimeout:  e.bridgeCfg.GetConnectTimeout(),
		ReadTimeout:     e.bridgeCfg.GetReadTimeout(),
		Inherit:         e.bridgeCfg.Inherit,
		LogFilePath:     e.bridgeCfg.LogFilePath(job.JobID, time.Now()),
	}

	result, err := b.Run(ctx, spec, handlers)
	if err != nil {
		registry.Abort()
		return errOutcome(job, asCoreError(err))
	}
	if result.Aborted {
		registry.Abort()
		return errOutcome(job, errkind.New(errkind.Aborted, fmt.Errorf("job %d canceled", job.JobID), nil))
	}
	if result.ErrorText != "" {
		registry.Abort()
		kind := errkind.InvalidData
		if result.Transient {
			kind = errkind.MemoryError
		}
		return errOutcome(job, errkind.New(kind, fmt.Errorf("guest reported error: %s", result.ErrorText), nil))
	}

	var totalRows, quarantinedRows int64
	for _, c := range counts {
		totalRows += c.clean + c.quarantine
		quarantinedRows += c.quarantine
	}
	if failJob, reason := validator.Decide(e.validatorCfg(), totalRows, quarantinedRows); failJob {
		registry.Abort()
		return errOutcome(job, errkind.New(errkind.InvalidData, fmt.Errorf("quarantine policy violated: %s", reason), nil))
	}

	if err := registry.Finish(); err != nil {
		return errOutcome(job, errkind.New(errkind.UnknownError, err, nil))
	}

	outputs := make([]protocol.OutputReceipt, 0, len(counts))
	for name, c := range counts {
		outputs = append(outputs, protocol.OutputReceipt{OutputName: name, RowsClean: c.clean, RowsQuarantined: c.quarantine})
	}

	logging.Executor("job %d: concluded, %d outputs", job.JobID, len(outputs))
	return Outcome{Conclude: &protocol.ConcludePayload{
		JobID:        job.JobID,
		SourceHash:   sourceHash,
		ArtifactHash: job.ArtifactHash,
		Outputs:      outputs,
		CompletedAt:  time.Now().UTC(),
	}}
}

// validatorCfg recovers the *config.ValidatorConfig the Executor's
// validator was constructed with, for the threshold Decide call; the
// Validator keeps its own copy private, so Decide is always called with the
// same config the executor was built with rather than re-deriving it.
func (e *Executor) validatorCfg() *config.ValidatorConfig {
	return e.validator.Config()
}

// handleRecordBatch decodes one bridge record-batch payload (itself a
// self-describing Arrow IPC stream, spec.md §4.1), validates and splits
// each decoded record against the output it targets, and writes clean and
// quarantine rows to that output's sink.
func (e *Executor) handleRecordBatch(payload []byte, job *queue.Job, registry *sink.Registry, lineage sink.Lineage, counts map[string]*outputCounts) error {
	reader, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("open arrow ipc stream: %w", err)
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()

		outputName, err := resolveOutputName(rec, job.Contracts)
		if err != nil {
			return err
		}
		contract := job.Contracts[outputName]

		split, err := e.validator.ValidateRecord(contract, rec)
		if err != nil {
			return fmt.Errorf("validate output %s: %w", outputName, err)
		}

		s, ok := registry.Get(outputName)
		if !ok {
			return fmt.Errorf("no sink open for output %q", outputName)
		}

		lineage.ProcessedAt = time.Now().UTC()
		if len(split.CleanIndices) > 0 {
			if err := s.WriteBatch(rec, split.CleanIndices, lineage); err != nil {
				return fmt.Errorf("write batch for output %s: %w", outputName, err)
			}
		}
		if len(split.Quarantine) > 0 && e.validatorCfg().QuarantinePersist {
			if err := s.WriteQuarantine(split.Quarantine, lineage); err != nil {
				return fmt.Errorf("write quarantine for output %s: %w", outputName, err)
			}
		}

		c, ok := counts[outputName]
		if !ok {
			c = &outputCounts{}
			counts[outputName] = c
		}
		c.clean += int64(len(split.CleanIndices))
		c.quarantine += int64(len(split.Quarantine))
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read arrow ipc stream: %w", err)
	}
	return nil
}

// resolveOutputName reads the guest-set "output_name" Arrow schema metadata
// key, falling back to the job's sole declared output when there is exactly
// one (the common single-output parser case). Which output a batch targets
// is left implicit by spec.md §4.4/§4.5 for the multi-output case; this is
// the resolved Open Question (see DESIGN.md).
func resolveOutputName(rec arrow.Record, contracts map[string]protocol.SchemaContract) (string, error) {
	meta := rec.Schema().Metadata()
	if idx := meta.FindKey(outputNameMetadataKey); idx >= 0 {
		name := meta.Values()[idx]
		if _, declared := contracts[name]; !declared {
			return "", fmt.Errorf("record batch names output %q, which has no declared contract", name)
		}
		return name, nil
	}
	if len(contracts) == 1 {
		for name := range contracts {
			return name, nil
		}
	}
	return "", fmt.Errorf("cannot resolve target output: batch carries no %q metadata and job declares %d outputs", outputNameMetadataKey, len(contracts))
}

func computeSourceHash(inputPath string) (string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()
	return protocol.SourceHash(f)
}

// extractZip extracts a zip archive's contents into destDir, rejecting any
// member path that would escape destDir (a malicious or malformed archive
// must not write outside its extraction root).
func extractZip(archiveBytes []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return fmt.Errorf("open parser archive: %w", err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(destDir, f.Name)
		if !isWithin(destDir, target) {
			return fmt.Errorf("archive member %q escapes extraction root", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open archive member %q: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return fmt.Errorf("create extracted file %q: %w", f.Name, err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return fmt.Errorf("extract archive member %q: %w", f.Name, copyErr)
		}
	}
	return nil
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func asCoreError(err error) *errkind.CoreError {
	var ce *errkind.CoreError
	if ok := extractCoreError(err, &ce); ok {
		return ce
	}
	return errkind.New(errkind.UnknownError, err, nil)
}

func extractCoreError(err error, target **errkind.CoreError) bool {
	for err != nil {
		if ce, ok := err.(*errkind.CoreError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func errOutcome(job *queue.Job, ce *errkind.CoreError) Outcome {
	logging.ExecutorWarn("job %d: failed kind=%s retryable=%v: %v", job.JobID, ce.Kind, ce.Retryable(), ce.Cause)
	return Outcome{Err: &protocol.ErrPayload{
		JobID:       job.JobID,
		Kind:        string(ce.Kind),
		Retryable:   ce.Retryable(),
		Fingerprint: ce.Fingerprint(),
		Message:     ce.Error(),
	}}
}
