package models

import "fmt"

// ValidationError reports a malformed memory record, work item, or worker
// profile. Validation always happens before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NoCandidateError is returned when the matcher is given an empty candidate
// set. It is always surfaced to the caller, never swallowed.
type NoCandidateError struct {
	WorkItemID string
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no candidate workers for work item %s", e.WorkItemID)
}

// StepFailure wraps an error raised by a checkpointed execution step. The
// checkpoint is left at the last good state; retry is caller-initiated.
type StepFailure struct {
	WorkflowID string
	StepIndex  int
	StepName   string
	Err        error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("workflow %s step %d (%s) failed: %v", e.WorkflowID, e.StepIndex, e.StepName, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// DependencyBlocked marks a plan subtask that was failed without execution
// because one of its dependencies failed.
type DependencyBlocked struct {
	SubtaskID string
	BlockedBy string
}

func (e *DependencyBlocked) Error() string {
	return fmt.Sprintf("subtask %s blocked by failed dependency %s", e.SubtaskID, e.BlockedBy)
}

// PlanFailure is the plan-level partial failure: it lists which branches
// succeeded and which failed so the caller can decide what to do next.
type PlanFailure struct {
	PlanID    string
	Succeeded []string
	Failed    []string
}

func (e *PlanFailure) Error() string {
	return fmt.Sprintf("plan %s partially failed: %d subtasks done, %d failed",
		e.PlanID, len(e.Succeeded), len(e.Failed))
}
