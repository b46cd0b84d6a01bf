package queue

import (
	"errors"
	"fmt"

	"casparianflow/internal/logging"
)

// ErrApprovalNotFound is returned when a decision is requested for a job
// with no pending approval row.
var ErrApprovalNotFound = errors.New("no pending approval for job")

// RequireApproval moves job_id from Queued to AwaitingApproval, recording
// reason (SPEC_FULL.md §11.3 item 5: a contract requiring approval, e.g.
// an unsigned deployed artifact, gates claim_next until a human decides).
func (q *Queue) RequireApproval(jobID int64, reason string) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin require_approval transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, updated_at = unixepoch() WHERE job_id = ? AND state = ?`,
		string(StateAwaitingApproval), jobID, string(StateQueued)); err != nil {
		return fmt.Errorf("mark job %d awaiting approval: %w", jobID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO cf_approvals (job_id, reason, requested_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(job_id) DO UPDATE SET reason = excluded.reason, requested_at = unixepoch(), decided_at = NULL, approved = NULL`,
		jobID, reason); err != nil {
		return fmt.Errorf("insert approval request for job %d: %w", jobID, err)
	}

	return tx.Commit()
}

// ApprovalRequest is a row of cf_approvals.
type ApprovalRequest struct {
	JobID       int64
	Reason      string
	RequestedAt int64
	Decided     bool
	Approved    bool
}

// ApprovalsList returns all pending (undecided) approval requests.
func (q *Queue) ApprovalsList() ([]ApprovalRequest, error) {
	rows, err := q.db.Query(`
		SELECT job_id, reason, requested_at FROM cf_approvals WHERE decided_at IS NULL ORDER BY requested_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		var r ApprovalRequest
		if err := rows.Scan(&r.JobID, &r.Reason, &r.RequestedAt); err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApprovalsDecide approves or rejects a pending approval. Approving moves
// the job back to Queued (now claimable); rejecting moves it to
// FailedPermanent without consuming retry budget.
func (q *Queue) ApprovalsDecide(jobID int64, approve bool) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin approvals_decide transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE cf_approvals SET decided_at = unixepoch(), approved = ?
		WHERE job_id = ? AND decided_at IS NULL`, approve, jobID)
	if err != nil {
		return fmt.Errorf("record approval decision for job %d: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read approval decision result: %w", err)
	}
	if affected == 0 {
		return ErrApprovalNotFound
	}

	nextState := StateQueued
	if !approve {
		nextState = StateFailedPermanent
	}
	if _, err := tx.Exec(`
		UPDATE cf_jobs SET state = ?, updated_at = unixepoch() WHERE job_id = ? AND state = ?`,
		string(nextState), jobID, string(StateAwaitingApproval)); err != nil {
		return fmt.Errorf("transition job %d after approval decision: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approvals_decide: %w", err)
	}

	logging.Queue("job %d approval decided: approved=%v", jobID, approve)
	return nil
}
