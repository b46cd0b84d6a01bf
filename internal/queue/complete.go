package queue

import (
	"database/sql"
	"fmt"
	"time"

	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
)

// Complete records a Conclude receipt: inserts the materialization row for
// each output and marks the job Completed (or CompletedWithWarnings if any
// output quarantined rows), resetting the parser's consecutive-failure
// counter (spec.md §4.8, §4.9).
func (q *Queue) Complete(receipt Receipt) error {
	job, err := q.GetJob(receipt.JobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", receipt.JobID, err)
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin complete transaction: %w", err)
	}
	defer tx.Rollback()

	anyQuarantined := false
	for _, out := range receipt.Outputs {
		if out.RowsQuarantined > 0 {
			anyQuarantined = true
		}

		sink, ok := findSink(job.Sinks, out.OutputName)
		if !ok {
			return fmt.Errorf("receipt names unknown output %q for job %d", out.OutputName, receipt.JobID)
		}
		contract, ok := job.Contracts[out.OutputName]
		if !ok {
			return fmt.Errorf("no contract for output %q on job %d", out.OutputName, receipt.JobID)
		}
		schemaHash, err := contract.SchemaHash()
		if err != nil {
			return fmt.Errorf("schema hash for output %q: %w", out.OutputName, err)
		}
		outputTargetKey := protocol.OutputTargetKey(sink.SinkURI, "", out.OutputName, schemaHash, sink.Mode)
		materializationKey := protocol.MaterializationKey(outputTargetKey, receipt.SourceHash, receipt.ArtifactHash)

		_, err = tx.Exec(`
			INSERT INTO cf_materializations (
				materialization_key, job_id, output_target_key, source_hash,
				artifact_hash, rows_clean, rows_quarantined, promoted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, unixepoch())
			ON CONFLICT(materialization_key) DO NOTHING`,
			materializationKey, receipt.JobID, outputTargetKey, receipt.SourceHash,
			receipt.ArtifactHash, out.RowsClean, out.RowsQuarantined)
		if err != nil {
			return fmt.Errorf("insert materialization for %q: %w", out.OutputName, err)
		}
	}

	finalState := StateCompleted
	if anyQuarantined {
		finalState = StateCompletedWarnings
	}

	if _, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, updated_at = unixepoch() WHERE job_id = ?`,
		string(finalState), receipt.JobID); err != nil {
		return fmt.Errorf("mark job %d %s: %w", receipt.JobID, finalState, err)
	}

	if err := recordParserSuccessTx(tx, job.ParserName); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}

	logging.Queue("job %d concluded as %s (%d outputs)", receipt.JobID, finalState, len(receipt.Outputs))
	return nil
}

func findSink(sinks []protocol.SinkSpec, outputName string) (protocol.SinkSpec, bool) {
	for _, s := range sinks {
		if s.OutputName == outputName {
			return s, true
		}
	}
	return protocol.SinkSpec{}, false
}

// FailPermanent marks job_id FailedPermanent and counts it toward the
// parser's circuit breaker (spec.md §4.3, §4.8).
func (q *Queue) FailPermanent(jobID int64, errKind, errText string) error {
	job, err := q.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin fail_permanent transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, last_error_kind = ?, last_error_text = ?, updated_at = unixepoch()
		WHERE job_id = ?`, string(StateFailedPermanent), errKind, errText, jobID); err != nil {
		return fmt.Errorf("mark job %d failed permanent: %w", jobID, err)
	}

	paused, err := recordParserFailureTx(tx, job.ParserName, q.cfg.ConsecutiveParserFailures())
	if err != nil {
		return err
	}

	if err := q.moveToDeadLetterTx(tx, job, errKind, errText); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail_permanent: %w", err)
	}

	logging.QueueWarn("job %d failed permanently (%s): %s", jobID, errKind, errText)
	if paused {
		logging.QueueWarn("parser %s paused after consecutive permanent failures", job.ParserName)
	}
	return nil
}

// FailTransient increments retry_count and returns job_id to Queued, or
// moves it to cf_dead_letter if retry_count exceeds MaxRetryCount
// (spec.md §4.3).
func (q *Queue) FailTransient(jobID int64, errKind, errText string) error {
	job, err := q.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}

	newRetryCount := job.RetryCount + 1

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin fail_transient transaction: %w", err)
	}
	defer tx.Rollback()

	if newRetryCount > q.cfg.MaxRetryCount {
		if _, err := tx.Exec(`
			UPDATE cf_jobs SET state = ?, retry_count = ?, last_error_kind = ?, last_error_text = ?, updated_at = unixepoch()
			WHERE job_id = ?`, string(StateFailedPermanent), newRetryCount, errKind, errText, jobID); err != nil {
			return fmt.Errorf("exhaust retries for job %d: %w", jobID, err)
		}
		if err := q.moveToDeadLetterTx(tx, job, errKind, errText); err != nil {
			return err
		}
		logging.QueueWarn("job %d exceeded max retries (%d), moved to dead letter", jobID, q.cfg.MaxRetryCount)
	} else {
		delaySeconds := int64(retryDelay(q.cfg, newRetryCount) / time.Second)
		if _, err := tx.Exec(`
			UPDATE cf_jobs SET state = ?, retry_count = ?, worker_id = NULL, claim_token = NULL,
				claimed_at = NULL, last_heartbeat_ts = NULL, next_retry_at = unixepoch() + ?,
				last_error_kind = ?, last_error_text = ?, updated_at = unixepoch()
			WHERE job_id = ?`, string(StateQueued), newRetryCount, delaySeconds, errKind, errText, jobID); err != nil {
			return fmt.Errorf("requeue job %d after transient failure: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail_transient: %w", err)
	}
	return nil
}

// Reject returns job_id to Queued without consuming retry budget
// (spec.md §4.3: capacity-based rejects are free).
func (q *Queue) Reject(jobID int64) error {
	_, err := q.db.Exec(`
		UPDATE cf_jobs SET state = ?, worker_id = NULL, claim_token = NULL,
			claimed_at = NULL, last_heartbeat_ts = NULL, updated_at = unixepoch()
		WHERE job_id = ?`, string(StateQueued), jobID)
	if err != nil {
		return fmt.Errorf("reject job %d: %w", jobID, err)
	}
	logging.Queue("job %d rejected (capacity), returned to queue without retry cost", jobID)
	return nil
}

// Abort marks job_id Aborted; idempotent (spec.md §5 cancellation
// semantics).
func (q *Queue) Abort(jobID int64) error {
	_, err := q.db.Exec(`
		UPDATE cf_jobs SET state = ?, updated_at = unixepoch()
		WHERE job_id = ? AND state NOT IN (?, ?, ?, ?)`,
		string(StateAborted), jobID,
		string(StateCompleted), string(StateCompletedWarnings), string(StateFailedPermanent), string(StateAborted))
	if err != nil {
		return fmt.Errorf("abort job %d: %w", jobID, err)
	}
	return nil
}

func (q *Queue) moveToDeadLetterTx(tx *sql.Tx, job *Job, errKind, errText string) error {
	_, err := tx.Exec(`
		INSERT INTO cf_dead_letter (
			job_id, priority, source_hash, artifact_hash, parser_name, input_path,
			retry_count, last_error_kind, last_error_text, moved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
		ON CONFLICT(job_id) DO NOTHING`,
		job.JobID, int(job.Priority), job.SourceHash, job.ArtifactHash, job.ParserName, job.InputPath,
		job.RetryCount, errKind, errText)
	if err != nil {
		return fmt.Errorf("insert dead letter row for job %d: %w", job.JobID, err)
	}
	return nil
}

func recordParserSuccessTx(tx *sql.Tx, parserName string) error {
	_, err := tx.Exec(`
		INSERT INTO cf_parser_health (parser_name, consecutive_failures, paused, last_success_at)
		VALUES (?, 0, 0, unixepoch())
		ON CONFLICT(parser_name) DO UPDATE SET consecutive_failures = 0, last_success_at = unixepoch()`,
		parserName)
	if err != nil {
		return fmt.Errorf("record parser success for %s: %w", parserName, err)
	}
	return nil
}

// recordParserFailureTx increments the consecutive-failure counter and
// pauses the parser once it reaches threshold (spec.md §4.3 circuit
// breaker). Returns whether this call caused the pause.
func recordParserFailureTx(tx *sql.Tx, parserName string, threshold int) (bool, error) {
	_, err := tx.Exec(`
		INSERT INTO cf_parser_health (parser_name, consecutive_failures, paused, last_failure_at)
		VALUES (?, 1, 0, unixepoch())
		ON CONFLICT(parser_name) DO UPDATE SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = unixepoch()`,
		parserName)
	if err != nil {
		return false, fmt.Errorf("record parser failure for %s: %w", parserName, err)
	}

	var consecutive int
	if err := tx.QueryRow(`SELECT consecutive_failures FROM cf_parser_health WHERE parser_name = ?`, parserName).Scan(&consecutive); err != nil {
		return false, fmt.Errorf("read parser health for %s: %w", parserName, err)
	}

	if consecutive < threshold {
		return false, nil
	}

	if _, err := tx.Exec(`UPDATE cf_parser_health SET paused = 1, paused_at = unixepoch() WHERE parser_name = ?`, parserName); err != nil {
		return false, fmt.Errorf("pause parser %s: %w", parserName, err)
	}
	return true, nil
}

// ResumeParser clears a circuit-broken parser's pause and resets its
// failure counter (spec.md §4.3 "claim_next excludes paused parsers until
// explicit resume").
func (q *Queue) ResumeParser(parserName string) error {
	_, err := q.db.Exec(`
		UPDATE cf_parser_health SET paused = 0, consecutive_failures = 0, paused_at = NULL
		WHERE parser_name = ?`, parserName)
	if err != nil {
		return fmt.Errorf("resume parser %s: %w", parserName, err)
	}
	logging.Queue("parser %s resumed", parserName)
	return nil
}

// RequeueStale requeues any Claimed|Running job whose heartbeat is older
// than threshold, incrementing retry_count only on transient causes
// (spec.md §4.3: zombie reaping does not itself decide transient vs.
// permanent — a stale worker is treated as a transient failure, since the
// worker may simply have crashed).
func (q *Queue) RequeueStale(thresholdSeconds int64) (int, error) {
	rows, err := q.db.Query(`
		SELECT job_id FROM cf_jobs
		WHERE state IN (?, ?) AND last_heartbeat_ts < unixepoch() - ?`,
		string(StateClaimed), string(StateRunning), thresholdSeconds)
	if err != nil {
		return 0, fmt.Errorf("select stale jobs: %w", err)
	}

	var staleIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale job id: %w", err)
		}
		staleIDs = append(staleIDs, id)
	}
	rows.Close()

	for _, id := range staleIDs {
		if err := q.FailTransient(id, "stale_heartbeat", "worker heartbeat exceeded stale threshold"); err != nil {
			return 0, fmt.Errorf("requeue stale job %d: %w", id, err)
		}
	}

	if len(staleIDs) > 0 {
		logging.QueueWarn("requeued %d stale job(s)", len(staleIDs))
	}
	return len(staleIDs), nil
}
