package pipeline

import (
	"fmt"
	"time"
)

// TaskID names a node of the run graph.
type TaskID string

const (
	TaskPreflight TaskID = "preflight"
	TaskMarket    TaskID = "ingestion.market"
	TaskTrending  TaskID = "ingestion.trending"
	TaskGlobal    TaskID = "ingestion.global"
	TaskQuality   TaskID = "ingestion.quality_check"
	TaskBranch    TaskID = "branch"
	TaskTransform TaskID = "transformation.transform"
	TaskValidate  TaskID = "transformation.validate"
)

// Graph lists the tasks of a run in execution order. The three ingestion
// tasks run concurrently.
var Graph = []TaskID{
	TaskPreflight,
	TaskMarket, TaskTrending, TaskGlobal,
	TaskQuality,
	TaskBranch,
	TaskTransform, TaskValidate,
}

type TaskState string

const (
	StatePending         TaskState = "pending"
	StateRunning         TaskState = "running"
	StateSucceeded       TaskState = "succeeded"
	StateFailedRetrying  TaskState = "failed_retrying"
	StateFailedExhausted TaskState = "failed_exhausted"
	StateSkipped         TaskState = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailedExhausted || s == StateSkipped
}

var transitions = map[TaskState][]TaskState{
	StatePending:        {StateRunning, StateSkipped},
	StateRunning:        {StateSucceeded, StateFailedRetrying, StateFailedExhausted},
	StateFailedRetrying: {StateRunning, StateFailedExhausted},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a transition the state machine forbids.
type TransitionError struct {
	Task     TaskID
	From, To TaskState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.Task, e.From, e.To)
}

// TaskRecord is the observable state of one task within a run.
type TaskRecord struct {
	ID         TaskID    `json:"id"`
	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (r *TaskRecord) transition(to TaskState, now time.Time) error {
	if !CanTransition(r.State, to) {
		return &TransitionError{Task: r.ID, From: r.State, To: to}
	}
	if to == StateRunning {
		r.Attempts++
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
	}
	if to.Terminal() {
		r.FinishedAt = now
	}
	r.State = to
	return nil
}
