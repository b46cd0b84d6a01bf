package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"casparianflow/internal/artifactstore"
	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
	"casparianflow/internal/queue"
)

// controlWireListener accepts connections from out-of-process workers on a
// unix domain socket (spec.md §4.8's control wire; the socket carries
// length-prefixed protocol.ControlFrame messages, a framing separate from
// the bridge wire the guest writes over its named pipe — net.Listen is the
// stdlib's own abstraction over the same kernel socket machinery a
// third-party transport library would otherwise wrap).
type controlWireListener struct {
	net.Listener
}

func listenControlWire(path string) (*controlWireListener, error) {
	_ = os.Remove(path) // stale socket file from a previous run
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &controlWireListener{l}, nil
}

func (s *Sentinel) acceptLoop(ctx context.Context, l *controlWireListener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logging.SentinelError("control wire accept failed: %v", err)
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// remoteWorker tracks one connected worker's declared identity and
// in-flight job count, so the dispatcher never exceeds its declared
// MaxConcurrentJobs.
type remoteWorker struct {
	workerID     string
	capabilities []string
	maxJobs      int
	inFlight     int32
}

func (w *remoteWorker) capableOf(parserName string) bool {
	for _, c := range w.capabilities {
		if c == "*" || c == parserName {
			return true
		}
	}
	return false
}

// handleConn runs one worker connection end to end: Identify handshake,
// then a dispatch loop and a frame-read loop running concurrently until the
// connection closes or ctx is canceled (spec.md §4.8).
func (s *Sentinel) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	frame, err := protocol.ReadControlFrame(conn)
	if err != nil {
		logging.SentinelError("control wire: read identify frame: %v", err)
		return
	}
	if frame.Op != protocol.OpIdentify {
		logging.SentinelError("control wire: expected Identify, got %s", frame.Op)
		return
	}
	var ident protocol.IdentifyPayload
	if err := json.Unmarshal(frame.Payload, &ident); err != nil {
		logging.SentinelError("control wire: parse identify payload: %v", err)
		return
	}

	w := &remoteWorker{workerID: ident.WorkerID, capabilities: ident.Capabilities, maxJobs: ident.MaxConcurrentJobs}
	logging.Audit().Identify(w.workerID, w.maxJobs)
	logging.Sentinel("worker %s connected, capabilities=%v max_jobs=%d", w.workerID, w.capabilities, w.maxJobs)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(connCtx, conn, w)
	}()

	s.dispatchLoop(connCtx, conn, w)
	<-done
}

// dispatchLoop polls for a claimable job matching w's capabilities every
// tick while w has spare capacity, writing an OpDispatch frame for each.
func (s *Sentinel) dispatchLoop(ctx context.Context, conn net.Conn, w *remoteWorker) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.maxJobs > 0 && int(atomic.LoadInt32(&w.inFlight)) >= w.maxJobs {
				continue
			}
			job, err := s.claimForCapabilities(w)
			if err == queue.ErrNoJobAvailable {
				continue
			}
			if err != nil {
				logging.SentinelError("worker %s: capability claim failed: %v", w.workerID, err)
				continue
			}

			s.applyTopicDefaults(job)
			payload, err := json.Marshal(protocol.DispatchPayload{
				JobID:        job.JobID,
				Priority:     int(job.Priority),
				InputPath:    job.InputPath,
				ArtifactHash: job.ArtifactHash,
				EnvHash:      job.EnvHash,
				ParserName:   job.ParserName,
				Contracts:    job.Contracts,
				Sinks:        job.Sinks,
				ClaimToken:   job.ClaimToken,
			})
			if err != nil {
				logging.SentinelError("job %d: marshal dispatch payload: %v", job.JobID, err)
				continue
			}
			if err := protocol.WriteControlFrame(conn, protocol.ControlFrame{Op: protocol.OpDispatch, Payload: payload}); err != nil {
				logging.SentinelError("job %d: write dispatch frame: %v", job.JobID, err)
				continue
			}
			atomic.AddInt32(&w.inFlight, 1)
			logging.AuditWithWorker(w.workerID).Dispatch(fmt.Sprintf("%d", job.JobID), w.workerID, job.ParserName, int(job.Priority))
		}
	}
}

// claimForCapabilities finds a queued job matching one of w's declared
// capabilities and atomically claims it, preferring the wildcard fast path
// (global priority order) when w declares "*" (spec.md §4.8: "dispatcher
// matches worker capabilities ... to job parser names").
func (s *Sentinel) claimForCapabilities(w *remoteWorker) (*queue.Job, error) {
	if w.capableOf("*") {
		return s.q.ClaimNext(w.workerID)
	}

	for _, parserName := range w.capabilities {
		candidates, err := s.q.ListJobs(queue.JobFilter{State: queue.StateQueued, ParserName: parserName, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}
		job, err := s.q.ClaimSpecific(candidates[0].JobID, w.workerID)
		if err == queue.ErrNoJobAvailable {
			continue // another dispatcher won the race; try the next capability
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, queue.ErrNoJobAvailable
}

// readLoop reads Heartbeat/Conclude/Err/Deploy frames from a worker
// connection until it closes or ctx is canceled.
func (s *Sentinel) readLoop(ctx context.Context, conn net.Conn, w *remoteWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := protocol.ReadControlFrame(conn)
		if err != nil {
			logging.Sentinel("worker %s: connection closed: %v", w.workerID, err)
			return
		}

		switch frame.Op {
		case protocol.OpHeartbeat:
			var hb protocol.HeartbeatPayload
			if err := json.Unmarshal(frame.Payload, &hb); err != nil {
				logging.SentinelError("worker %s: parse heartbeat: %v", w.workerID, err)
				continue
			}
			if err := s.q.Heartbeat(hb.JobID, hb.ClaimToken); err != nil {
				logging.SentinelWarn("worker %s: heartbeat for job %d rejected: %v", w.workerID, hb.JobID, err)
			}

		case protocol.OpConclude:
			var c protocol.ConcludePayload
			if err := json.Unmarshal(frame.Payload, &c); err != nil {
				logging.SentinelError("worker %s: parse conclude: %v", w.workerID, err)
				continue
			}
			s.finishRemoteJob(w, c.JobID, func(job *queue.Job) {
				s.translateConclude(w.workerID, job, &c)
			})

		case protocol.OpErr:
			var e protocol.ErrPayload
			if err := json.Unmarshal(frame.Payload, &e); err != nil {
				logging.SentinelError("worker %s: parse err frame: %v", w.workerID, err)
				continue
			}
			s.finishRemoteJob(w, e.JobID, func(job *queue.Job) {
				s.translateErr(w.workerID, job, &e)
			})

		case protocol.OpDeploy:
			var d protocol.DeployPayload
			if err := json.Unmarshal(frame.Payload, &d); err != nil {
				logging.SentinelError("worker %s: parse deploy payload: %v", w.workerID, err)
				continue
			}
			s.handleDeploy(w, d)

		default:
			logging.SentinelWarn("worker %s: unexpected opcode %s on control wire", w.workerID, frame.Op)
		}
	}
}

// handleDeploy stores a newly declared parser artifact (spec.md §4.2, §4.8).
// SignatureVerified is the caller's own attestation, already checked before
// the bytes reached this wire; the sentinel does not re-verify it, only
// refuses to store an artifact that declares itself unverified.
func (s *Sentinel) handleDeploy(w *remoteWorker, d protocol.DeployPayload) {
	if s.store == nil {
		logging.SentinelWarn("worker %s: deploy of %s rejected: no artifact store configured", w.workerID, d.ArtifactHash)
		return
	}
	if !d.SignatureVerified {
		logging.SentinelWarn("worker %s: deploy of %s rejected: signature not verified", w.workerID, d.ArtifactHash)
		return
	}

	topics := make([]string, len(d.Topics))
	copy(topics, d.Topics)

	err := s.store.Store(d.ArtifactHash, d.ArchiveBytes, d.LockfileHash, artifactstore.Metadata{
		Name:       d.Name,
		Version:    d.Version,
		Entrypoint: d.Entrypoint,
		Topics:     topics,
	})
	if err != nil {
		logging.SentinelError("worker %s: deploy of %s failed: %v", w.workerID, d.ArtifactHash, err)
		return
	}

	var schemaHash string
	for _, contract := range d.Outputs {
		if h, err := contract.SchemaHash(); err == nil {
			schemaHash = h
			break
		}
	}
	logging.Audit().Deploy(d.ArtifactHash, d.Name, schemaHash)
	logging.Sentinel("worker %s: deployed artifact %s (%s v%s)", w.workerID, d.ArtifactHash, d.Name, d.Version)
}

// finishRemoteJob reloads job_id's current row (carrying the Sinks and
// Contracts recorded at enqueue time, which translateConclude/translateErr
// need) before running fn and decrementing the worker's in-flight count.
func (s *Sentinel) finishRemoteJob(w *remoteWorker, jobID int64, fn func(job *queue.Job)) {
	defer atomic.AddInt32(&w.inFlight, -1)

	job, err := s.q.GetJob(jobID)
	if err != nil {
		logging.SentinelError("worker %s: load job %d for conclusion: %v", w.workerID, jobID, err)
		return
	}
	fn(job)
}
