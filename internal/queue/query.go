package queue

import (
	"fmt"
)

// JobFilter narrows ListJobs by optional fields; zero values mean
// "unfiltered" for that field.
type JobFilter struct {
	State      State
	ParserName string
	Limit      int
}

// ListJobs returns jobs matching filter, most recently created first
// (spec.md §6 list_jobs(filter)).
func (q *Queue) ListJobs(filter JobFilter) ([]*Job, error) {
	query := `
		SELECT job_id, priority, state, source_hash, artifact_hash, env_hash,
			parser_name, input_path, output_target_key, sinks_json, contracts_json,
			retry_count, worker_id, claim_token,
			claimed_at, last_heartbeat_ts, created_at, updated_at,
			last_error_kind, last_error_text
		FROM cf_jobs WHERE 1=1`
	var args []interface{}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.ParserName != "" {
		query += " AND parser_name = ?"
		args = append(args, filter.ParserName)
	}
	query += " ORDER BY job_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Status returns job_id's current state and metadata (spec.md §6
// status(job_id)).
func (q *Queue) Status(jobID int64) (*Job, error) {
	return q.GetJob(jobID)
}

// Cancel requests that job_id be aborted (spec.md §6 cancel(job_id));
// alias of Abort with the control-API's naming.
func (q *Queue) Cancel(jobID int64) error {
	return q.Abort(jobID)
}

// MaterializationRow is a row of cf_materializations.
type MaterializationRow struct {
	MaterializationKey string
	JobID              int64
	OutputTargetKey    string
	SourceHash         string
	ArtifactHash       string
	RowsClean          int64
	RowsQuarantined    int64
	PromotedAt         int64
}

// MaterializationsFor returns every materialization recorded for
// outputTargetKey (spec.md §6 materializations_for(output_target_key)).
func (q *Queue) MaterializationsFor(outputTargetKey string) ([]MaterializationRow, error) {
	rows, err := q.db.Query(`
		SELECT materialization_key, job_id, output_target_key, source_hash,
			artifact_hash, rows_clean, rows_quarantined, promoted_at
		FROM cf_materializations WHERE output_target_key = ? ORDER BY promoted_at DESC`, outputTargetKey)
	if err != nil {
		return nil, fmt.Errorf("materializations_for %s: %w", outputTargetKey, err)
	}
	defer rows.Close()

	var out []MaterializationRow
	for rows.Next() {
		var m MaterializationRow
		if err := rows.Scan(&m.MaterializationKey, &m.JobID, &m.OutputTargetKey, &m.SourceHash,
			&m.ArtifactHash, &m.RowsClean, &m.RowsQuarantined, &m.PromotedAt); err != nil {
			return nil, fmt.Errorf("scan materialization row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeadLetterRow is a row of cf_dead_letter.
type DeadLetterRow struct {
	JobID         int64
	Priority      Priority
	SourceHash    string
	ArtifactHash  string
	ParserName    string
	InputPath     string
	RetryCount    int
	LastErrorKind string
	LastErrorText string
	MovedAt       int64
}

// ListDeadLetter returns every job that exhausted its retry budget or
// failed permanently (supplemented control-API surface, SPEC_FULL.md
// §11.3 item 4).
func (q *Queue) ListDeadLetter() ([]DeadLetterRow, error) {
	rows, err := q.db.Query(`
		SELECT job_id, priority, source_hash, artifact_hash, parser_name, input_path,
			retry_count, last_error_kind, last_error_text, moved_at
		FROM cf_dead_letter ORDER BY moved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRow
	for rows.Next() {
		var d DeadLetterRow
		var priority int
		if err := rows.Scan(&d.JobID, &priority, &d.SourceHash, &d.ArtifactHash, &d.ParserName,
			&d.InputPath, &d.RetryCount, &d.LastErrorKind, &d.LastErrorText, &d.MovedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		d.Priority = Priority(priority)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RequeueDeadLetter resets job_id's retry_count and returns it to Queued,
// removing it from cf_dead_letter (supplemented operation for operator
// recovery once a root cause is fixed).
func (q *Queue) RequeueDeadLetter(jobID int64) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin requeue_dead_letter transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM cf_dead_letter WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("remove dead letter row for job %d: %w", jobID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("job %d is not in the dead letter table", jobID)
	}

	if _, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, retry_count = 0, next_retry_at = NULL, updated_at = unixepoch()
		WHERE job_id = ?`, string(StateQueued), jobID); err != nil {
		return fmt.Errorf("requeue job %d: %w", jobID, err)
	}

	return tx.Commit()
}

// ParserHealthRow is a row of cf_parser_health.
type ParserHealthRow struct {
	ParserName          string
	ConsecutiveFailures int
	Paused              bool
}

// ParserHealth returns the circuit-breaker state of every parser that has
// recorded at least one success or failure (supplemented control-API
// surface, SPEC_FULL.md §11.3 item 7).
func (q *Queue) ParserHealth() ([]ParserHealthRow, error) {
	rows, err := q.db.Query(`
		SELECT parser_name, consecutive_failures, paused FROM cf_parser_health ORDER BY parser_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("parser health: %w", err)
	}
	defer rows.Close()

	var out []ParserHealthRow
	for rows.Next() {
		var p ParserHealthRow
		var paused int
		if err := rows.Scan(&p.ParserName, &p.ConsecutiveFailures, &paused); err != nil {
			return nil, fmt.Errorf("scan parser health row: %w", err)
		}
		p.Paused = paused != 0
		out = append(out, p)
	}
	return out, rows.Err()
}
