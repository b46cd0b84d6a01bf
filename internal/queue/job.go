package queue

import (
	"encoding/json"
	"time"

	"casparianflow/internal/protocol"
)

// State is a job's position in the state machine (spec.md §3):
// Queued -> Claimed -> Running -> {Completed | Failed(Transient) |
// Failed(Permanent) | Rejected | Aborted}.
type State string

const (
	StateQueued            State = "Queued"
	StateClaimed           State = "Claimed"
	StateRunning            State = "Running"
	StateCompleted          State = "Completed"
	StateCompletedWarnings  State = "CompletedWithWarnings"
	StateFailedTransient    State = "FailedTransient"
	StateFailedPermanent    State = "FailedPermanent"
	StateRejected           State = "Rejected"
	StateAborted            State = "Aborted"
	StateAwaitingApproval   State = "AwaitingApproval"
)

// Terminal reports whether state has no outgoing transition (spec.md §3,
// §8 property: "terminal states never transition again").
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWarnings, StateFailedPermanent, StateAborted:
		return true
	default:
		return false
	}
}

// Priority is the job scheduling priority (spec.md §4.3 "priority desc,
// job_id asc" claim ordering). Higher values are claimed first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// EnqueueSpec is the caller-supplied description of work to enqueue
// (spec.md §4.3 enqueue(spec)).
type EnqueueSpec struct {
	Priority     Priority
	SourceHash   string
	ArtifactHash string
	EnvHash      string
	ParserName   string
	InputPath    string
	Sinks        []protocol.SinkSpec
	Contracts    map[string]protocol.SchemaContract
}

// Job is a row of cf_jobs, the unit the control plane dispatches and the
// executor runs (spec.md §3 Job).
type Job struct {
	JobID           int64
	Priority        Priority
	State           State
	SourceHash      string
	ArtifactHash    string
	EnvHash         string
	ParserName      string
	InputPath       string
	OutputTargetKey string
	Sinks           []protocol.SinkSpec
	Contracts       map[string]protocol.SchemaContract
	RetryCount      int
	WorkerID        string
	ClaimToken      string
	ClaimedAt       *time.Time
	LastHeartbeatTS *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastErrorKind   string
	LastErrorText   string
}

// Receipt is the per-output summary a worker reports on Conclude (spec.md
// §4.9).
type Receipt struct {
	JobID        int64
	SourceHash   string
	ArtifactHash string
	Outputs      []protocol.OutputReceipt
	CompletedAt  time.Time
}

func marshalSinks(sinks []protocol.SinkSpec) (string, error) {
	b, err := json.Marshal(sinks)
	return string(b), err
}

func unmarshalSinks(s string) ([]protocol.SinkSpec, error) {
	var sinks []protocol.SinkSpec
	if s == "" {
		return sinks, nil
	}
	err := json.Unmarshal([]byte(s), &sinks)
	return sinks, err
}

func marshalContracts(contracts map[string]protocol.SchemaContract) (string, error) {
	b, err := json.Marshal(contracts)
	return string(b), err
}

func unmarshalContracts(s string) (map[string]protocol.SchemaContract, error) {
	contracts := map[string]protocol.SchemaContract{}
	if s == "" {
		return contracts, nil
	}
	err := json.Unmarshal([]byte(s), &contracts)
	return contracts, err
}
