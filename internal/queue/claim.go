package queue

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"casparianflow/internal/logging"
)

// ErrNoJobAvailable is returned by ClaimNext when no queued job matches.
var ErrNoJobAvailable = errors.New("no job available")

// ErrClaimTokenMismatch is returned by Heartbeat when the caller's token no
// longer matches the job's current claim (the job was reaped as stale).
var ErrClaimTokenMismatch = errors.New("claim token mismatch: job was reaped")

// ClaimNext atomically claims the highest-priority queued job whose parser
// is not paused, tie-breaking on job_id ascending (spec.md §4.3). Two
// concurrent callers never receive the same job: the SELECT and the
// state-guarded UPDATE run in one transaction on the queue's single
// connection, which makes the read-then-write atomic.
func (q *Queue) ClaimNext(workerID string) (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var jobID int64
	err = tx.QueryRow(`
		SELECT job_id FROM cf_jobs
		WHERE state = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= unixepoch())
		  AND parser_name NOT IN (SELECT parser_name FROM cf_parser_health WHERE paused = 1)
		ORDER BY priority DESC, job_id ASC
		LIMIT 1`, string(StateQueued)).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	claimToken := uuid.New().String()
	res, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, worker_id = ?, claim_token = ?,
			claimed_at = unixepoch(), last_heartbeat_ts = unixepoch(), updated_at = unixepoch()
		WHERE job_id = ? AND state = ?`,
		string(StateClaimed), workerID, claimToken, jobID, string(StateQueued))
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("read claim result: %w", err)
	}
	if affected == 0 {
		// Another transaction claimed it between our SELECT and UPDATE.
		return nil, ErrNoJobAvailable
	}

	job, err := q.getJobTx(tx, jobID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	logging.Queue("worker %s claimed job %d (parser=%s priority=%d)", workerID, jobID, job.ParserName, job.Priority)
	return job, nil
}

// ClaimSpecific atomically claims job_id for workerID if, and only if, it is
// still Queued (spec.md §4.8's dispatcher: having matched a queued job to a
// connected worker's declared capabilities outside this transaction, the
// dispatcher still needs an atomic claim in case another path claimed the
// same job first).
func (q *Queue) ClaimSpecific(jobID int64, workerID string) (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	claimToken := uuid.New().String()
	res, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, worker_id = ?, claim_token = ?,
			claimed_at = unixepoch(), last_heartbeat_ts = unixepoch(), updated_at = unixepoch()
		WHERE job_id = ? AND state = ?`,
		string(StateClaimed), workerID, claimToken, jobID, string(StateQueued))
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("read claim result: %w", err)
	}
	if affected == 0 {
		return nil, ErrNoJobAvailable
	}

	job, err := q.getJobTx(tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	logging.Queue("worker %s claimed job %d via capability dispatch (parser=%s priority=%d)", workerID, jobID, job.ParserName, job.Priority)
	return job, nil
}

// Heartbeat renews a worker's claim on job_id, advancing it to Running on
// the first heartbeat after claim. Rejects a stale token (spec.md §4.3).
func (q *Queue) Heartbeat(jobID int64, claimToken string) error {
	res, err := q.db.Exec(`
		UPDATE cf_jobs SET state = ?, last_heartbeat_ts = unixepoch(), updated_at = unixepoch()
		WHERE job_id = ? AND claim_token = ? AND state IN (?, ?)`,
		string(StateRunning), jobID, claimToken, string(StateClaimed), string(StateRunning))
	if err != nil {
		return fmt.Errorf("heartbeat job %d: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read heartbeat result: %w", err)
	}
	if affected == 0 {
		return ErrClaimTokenMismatch
	}
	return nil
}

// getJobTx loads a job row within an existing transaction.
func (q *Queue) getJobTx(tx *sql.Tx, jobID int64) (*Job, error) {
	return scanJob(tx.QueryRow(`
		SELECT job_id, priority, state, source_hash, artifact_hash, env_hash,
			parser_name, input_path, output_target_key, sinks_json, contracts_json,
			retry_count, worker_id, claim_token,
			claimed_at, last_heartbeat_ts, created_at, updated_at,
			last_error_kind, last_error_text
		FROM cf_jobs WHERE job_id = ?`, jobID))
}

// GetJob loads a single job by id.
func (q *Queue) GetJob(jobID int64) (*Job, error) {
	return scanJob(q.db.QueryRow(`
		SELECT job_id, priority, state, source_hash, artifact_hash, env_hash,
			parser_name, input_path, output_target_key, sinks_json, contracts_json,
			retry_count, worker_id, claim_token,
			claimed_at, last_heartbeat_ts, created_at, updated_at,
			last_error_kind, last_error_text
		FROM cf_jobs WHERE job_id = ?`, jobID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var priority int
	var state string
	var sinksJSON, contractsJSON string
	var workerID, claimToken, lastErrorKind, lastErrorText sql.NullString
	var claimedAt, lastHeartbeatTS sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&j.JobID, &priority, &state, &j.SourceHash, &j.ArtifactHash, &j.EnvHash,
		&j.ParserName, &j.InputPath, &j.OutputTargetKey, &sinksJSON, &contractsJSON,
		&j.RetryCount, &workerID, &claimToken,
		&claimedAt, &lastHeartbeatTS, &createdAt, &updatedAt,
		&lastErrorKind, &lastErrorText,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	j.Priority = Priority(priority)
	j.State = State(state)
	j.WorkerID = workerID.String
	j.ClaimToken = claimToken.String
	j.LastErrorKind = lastErrorKind.String
	j.LastErrorText = lastErrorText.String
	j.CreatedAt = unixToTime(createdAt)
	j.UpdatedAt = unixToTime(updatedAt)
	if claimedAt.Valid {
		t := unixToTime(claimedAt.Int64)
		j.ClaimedAt = &t
	}
	if lastHeartbeatTS.Valid {
		t := unixToTime(lastHeartbeatTS.Int64)
		j.LastHeartbeatTS = &t
	}

	j.Sinks, err = unmarshalSinks(sinksJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal sinks for job %d: %w", j.JobID, err)
	}
	j.Contracts, err = unmarshalContracts(contractsJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal contracts for job %d: %w", j.JobID, err)
	}

	return &j, nil
}
