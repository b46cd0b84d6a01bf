// Package logging provides the control-plane audit trail: one structured
// JSON line per control-wire event (Identify, Dispatch, Conclude, Err,
// Deploy), sufficient to reconstruct a dispatch timeline during an incident
// review without replaying the whole catalog database.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	auditMu     sync.Mutex
	auditCore   *zap.Logger
	auditLogger *AuditLogger
)

// AuditLogger emits one structured event per control-wire message. A zero
// value is usable; WithWorker/WithJob narrow the fields attached to every
// subsequent call.
type AuditLogger struct {
	workerID string
	jobID    string
}

// InitAudit opens the audit log file for the current day under logsDir. A
// no-op in production mode (debug_mode=false), matching the category logger.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditCore != nil {
		return nil
	}

	if logsDir == "" {
		return fmt.Errorf("logging not initialized")
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	auditPath := filepath.Join(logsDir, "audit.log")

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(cfg)

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(file), zap.NewAtomicLevelAt(zapcore.InfoLevel))
	auditCore = zap.New(core)

	return nil
}

// CloseAudit flushes and releases the audit log.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditCore != nil {
		_ = auditCore.Sync()
		auditCore = nil
	}
}

// Audit returns the global, unscoped audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithWorker scopes an audit logger to a worker_id.
func AuditWithWorker(workerID string) *AuditLogger {
	return &AuditLogger{workerID: workerID}
}

// AuditWithJob scopes an audit logger to a job_id.
func AuditWithJob(jobID string) *AuditLogger {
	return &AuditLogger{jobID: jobID}
}

func (a *AuditLogger) fields(extra ...zap.Field) []zap.Field {
	f := make([]zap.Field, 0, len(extra)+2)
	if a.workerID != "" {
		f = append(f, zap.String("worker_id", a.workerID))
	}
	if a.jobID != "" {
		f = append(f, zap.String("job_id", a.jobID))
	}
	return append(f, extra...)
}

func (a *AuditLogger) write(event string, extra ...zap.Field) {
	auditMu.Lock()
	core := auditCore
	auditMu.Unlock()

	if core == nil {
		return
	}
	core.Info(event, a.fields(extra...)...)
}

// Identify logs a worker's handshake with the sentinel, carrying its
// declared capacity.
func (a *AuditLogger) Identify(workerID string, maxConcurrentJobs int) {
	a.write("identify",
		zap.String("worker_id", workerID),
		zap.Int("max_concurrent_jobs", maxConcurrentJobs),
	)
}

// Dispatch logs a job being handed from the sentinel to a worker.
func (a *AuditLogger) Dispatch(jobID, workerID, parserName string, priority int) {
	a.write("dispatch",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.String("parser", parserName),
		zap.Int("priority", priority),
	)
}

// Conclude logs a job's terminal success: its materialization key and
// elapsed wall time.
func (a *AuditLogger) Conclude(jobID, materializationKey string, durationMs int64, rowsClean, rowsQuarantined int64) {
	a.write("conclude",
		zap.String("job_id", jobID),
		zap.String("materialization_key", materializationKey),
		zap.Int64("duration_ms", durationMs),
		zap.Int64("rows_clean", rowsClean),
		zap.Int64("rows_quarantined", rowsQuarantined),
	)
}

// Err logs a job's terminal or transient failure, including its error
// fingerprint for cf_error_catalog correlation.
func (a *AuditLogger) Err(jobID string, kind string, retryable bool, fingerprint string, message string) {
	a.write("err",
		zap.String("job_id", jobID),
		zap.String("kind", kind),
		zap.Bool("retryable", retryable),
		zap.String("fingerprint", fingerprint),
		zap.String("message", message),
	)
}

// Deploy logs a parser artifact deployment: its content address and the
// schema contract it was registered against.
func (a *AuditLogger) Deploy(artifactHash, parserName, schemaHash string) {
	a.write("deploy",
		zap.String("artifact_hash", artifactHash),
		zap.String("parser", parserName),
		zap.String("schema_hash", schemaHash),
	)
}

// Elapsed is a small helper for turning a start time into a duration-ms
// field, used by callers that measure dispatch-to-conclude latency.
func Elapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
