// Package sentinel implements the control plane (spec.md §4.8): a
// single logical authority over dispatch that translates executor outcomes
// into durable job-queue state transitions, runs the periodic
// requeue_stale sweep, and (via controlwire.go) speaks the control wire to
// out-of-process workers. The in-process local worker pool built here is
// the primary consumer of internal/executor; the control wire exists for
// workers that cannot share this process's memory space.
package sentinel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"casparianflow/internal/artifactstore"
	"casparianflow/internal/config"
	"casparianflow/internal/executor"
	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
	"casparianflow/internal/queue"
)

// Sentinel owns the claim/dispatch/conclude lifecycle for one queue
// database. It never writes to the queue except through the translation
// functions below, keeping a single narrow surface between "the executor
// finished" and "the queue's durable state changed."
type Sentinel struct {
	q     *queue.Queue
	ex    *executor.Executor
	cfg   *config.SentinelConfig
	store *artifactstore.Store

	// topics is the parser_name -> default sink list loaded once at
	// startup (spec.md §4.8: "not queried per-dispatch"); a nil or missing
	// entry means the job must carry its own Sinks.
	topics map[string][]protocol.SinkSpec

	wg       sync.WaitGroup
	listener *controlWireListener
}

// New returns a Sentinel driving q's jobs through ex, using cfg for pool
// sizing and sweep cadence, and topics as the startup topic-config map
// (may be nil). store handles OpDeploy frames arriving on the control wire;
// a nil store means a connected worker cannot deploy new artifacts through
// this sentinel.
func New(q *queue.Queue, ex *executor.Executor, cfg *config.SentinelConfig, store *artifactstore.Store, topics map[string][]protocol.SinkSpec) *Sentinel {
	return &Sentinel{q: q, ex: ex, cfg: cfg, store: store, topics: topics}
}

// Run starts the local worker pool (cfg.MaxConcurrentJobs goroutines) and
// the requeue_stale ticker, and blocks until ctx is canceled. If
// cfg.ControlSocket is set, it also accepts remote worker connections.
func (s *Sentinel) Run(ctx context.Context) error {
	n := s.cfg.MaxConcurrentJobs
	if n <= 0 {
		n = 4
	}
	logging.Sentinel("starting local worker pool size=%d cleanup_interval=%s worker_timeout=%s",
		n, s.cfg.GetCleanupInterval(), s.cfg.GetWorkerTimeout())

	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("local-%d", i)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.localWorkerLoop(ctx, workerID)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(ctx)
	}()

	if s.cfg.ControlSocket != "" {
		l, err := listenControlWire(s.cfg.ControlSocket)
		if err != nil {
			return fmt.Errorf("listen control socket %s: %w", s.cfg.ControlSocket, err)
		}
		s.listener = l
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, l)
		}()
	}

	<-ctx.Done()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// localWorkerLoop repeatedly claims and runs jobs in-process until ctx is
// canceled, backing off briefly when the queue has nothing claimable
// (spec.md §4.7/§4.8: a worker with local capacity is always a wildcard
// capability match).
func (s *Sentinel) localWorkerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.q.ClaimNext(workerID)
		if err == queue.ErrNoJobAvailable {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			logging.SentinelError("worker %s: claim failed: %v", workerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		s.applyTopicDefaults(job)
		logging.AuditWithWorker(workerID).Dispatch(fmt.Sprintf("%d", job.JobID), workerID, job.ParserName, int(job.Priority))

		outcome := s.ex.RunJob(ctx, job)
		s.translateOutcome(workerID, job, outcome)
	}
}

// applyTopicDefaults fills job.Sinks from the startup topic-config map when
// the job itself declared none (spec.md §4.8's topic lookup).
func (s *Sentinel) applyTopicDefaults(job *queue.Job) {
	if len(job.Sinks) > 0 || s.topics == nil {
		return
	}
	if sinks, ok := s.topics[job.ParserName]; ok {
		job.Sinks = sinks
	}
}

// translateOutcome is the sole bridge between an executor.Outcome and
// durable queue state: exactly one of Complete, FailTransient, or
// FailPermanent runs per call, matching Outcome's Conclude-xor-Err
// invariant.
func (s *Sentinel) translateOutcome(workerID string, job *queue.Job, outcome executor.Outcome) {
	if outcome.Conclude != nil {
		s.translateConclude(workerID, job, outcome.Conclude)
		return
	}
	s.translateErr(workerID, job, outcome.Err)
}

func (s *Sentinel) translateConclude(workerID string, job *queue.Job, c *protocol.ConcludePayload) {
	receipt := queue.Receipt{
		JobID:        c.JobID,
		SourceHash:   c.SourceHash,
		ArtifactHash: c.ArtifactHash,
		Outputs:      c.Outputs,
		CompletedAt:  c.CompletedAt,
	}
	if err := s.q.Complete(receipt); err != nil {
		logging.SentinelError("job %d: failed to record completion: %v", job.JobID, err)
		return
	}
	for _, out := range c.Outputs {
		key, err := materializationKeyFor(job, out)
		if err != nil {
			continue
		}
		logging.AuditWithWorker(workerID).Conclude(fmt.Sprintf("%d", job.JobID), key, 0, out.RowsClean, out.RowsQuarantined)
	}
}

func (s *Sentinel) translateErr(workerID string, job *queue.Job, e *protocol.ErrPayload) {
	logging.AuditWithWorker(workerID).Err(fmt.Sprintf("%d", job.JobID), e.Kind, e.Retryable, e.Fingerprint, e.Message)

	if e.Fingerprint != "" {
		if err := s.q.RecordErrorCatalog(e.Fingerprint, e.Kind, "", e.Message); err != nil {
			logging.SentinelError("job %d: failed to record error catalog entry: %v", job.JobID, err)
		}
	}

	var err error
	if e.Retryable {
		err = s.q.FailTransient(job.JobID, e.Kind, e.Message)
	} else {
		err = s.q.FailPermanent(job.JobID, e.Kind, e.Message)
	}
	if err != nil {
		logging.SentinelError("job %d: failed to record %s failure: %v", job.JobID, e.Kind, err)
	}
}

// materializationKeyFor recomputes the same materialization_key
// queue.Complete derives internally, purely for audit correlation; the
// queue remains the single writer of record for cf_materializations.
func materializationKeyFor(job *queue.Job, out protocol.OutputReceipt) (string, error) {
	var sinkSpec protocol.SinkSpec
	found := false
	for _, sp := range job.Sinks {
		if sp.OutputName == out.OutputName {
			sinkSpec = sp
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("no sink declared for output %q", out.OutputName)
	}
	contract, ok := job.Contracts[out.OutputName]
	if !ok {
		return "", fmt.Errorf("no contract declared for output %q", out.OutputName)
	}
	schemaHash, err := contract.SchemaHash()
	if err != nil {
		return "", err
	}
	outputTargetKey := protocol.OutputTargetKey(sinkSpec.SinkURI, "", out.OutputName, schemaHash, sinkSpec.Mode)
	return protocol.MaterializationKey(outputTargetKey, job.SourceHash, job.ArtifactHash), nil
}

// cleanupLoop runs requeue_stale on cfg.CleanupInterval until ctx is
// canceled (spec.md §4.8: CLEANUP_INTERVAL_SECS, default 10s).
func (s *Sentinel) cleanupLoop(ctx context.Context) {
	interval := s.cfg.GetCleanupInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := int64(s.cfg.GetWorkerTimeout() / time.Second)
			n, err := s.q.RequeueStale(threshold)
			if err != nil {
				logging.SentinelError("requeue_stale sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logging.Sentinel("requeue_stale sweep reaped %d job(s)", n)
			}
		}
	}
}
