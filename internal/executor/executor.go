// Package executor runs multi-step workflows with durable checkpoints. A
// crash or failure at step N resumes from step N on the next call; completed
// steps never re-run for the same workflow id.
package executor

import (
	"context"
	"time"

	"github.com/jordanhubbard/weft/internal/keylock"
	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/internal/telemetry"
	"github.com/jordanhubbard/weft/pkg/models"
)

// CheckpointStore is the durable side of the executor. Satisfied by
// *database.Database.
type CheckpointStore interface {
	GetCheckpoint(workflowID string) (*models.WorkflowCheckpoint, error)
	SaveCheckpoint(cp *models.WorkflowCheckpoint) error
}

// Step is one unit of a workflow. Run receives a copy of the accumulated
// state and returns updates to merge into it. Steps must be idempotent or
// tolerate exactly-once-per-checkpoint semantics: a step re-runs only when
// the process died between the step and its checkpoint write.
type Step struct {
	Name string
	Run  func(ctx context.Context, state map[string]string) (map[string]string, error)
}

// Executor drives workflows step by step, checkpointing strictly after each
// step. Concurrent Execute calls for the same workflow id serialize; distinct
// ids run fully parallel.
type Executor struct {
	store CheckpointStore
	m     *metrics.Metrics
	locks *keylock.KeyLock
}

// New creates an executor.
func New(store CheckpointStore) *Executor {
	return &Executor{
		store: store,
		m:     metrics.NewMetrics(),
		locks: keylock.New(),
	}
}

// Execute runs the workflow's remaining steps. A fresh workflow starts at
// step 0; a previously failed one resumes at the step that failed. A step
// error surfaces as *StepFailure and leaves the checkpoint at the last good
// state. A completed workflow returns immediately without re-running
// anything.
func (e *Executor) Execute(ctx context.Context, workflowID string, steps []Step) (*models.WorkflowCheckpoint, error) {
	if workflowID == "" {
		return nil, &models.ValidationError{Field: "workflow_id", Reason: "workflow_id is required"}
	}
	if len(steps) == 0 {
		return nil, &models.ValidationError{Field: "steps", Reason: "workflow has no steps"}
	}

	e.locks.Lock(workflowID)
	defer e.locks.Unlock(workflowID)

	cp, err := e.store.GetCheckpoint(workflowID)
	if err != nil {
		return nil, err
	}
	switch {
	case cp == nil:
		cp = models.NewWorkflowCheckpoint(workflowID)
		e.m.WorkflowsStarted.Inc()
	case cp.Completed:
		return cp, nil
	default:
		e.m.WorkflowsResumed.Inc()
	}

	for i := cp.StepIndex; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return cp, err
		}

		step := steps[i]
		started := time.Now()
		updates, err := step.Run(ctx, cp.CloneState())
		e.m.StepDuration.Observe(time.Since(started).Seconds())
		telemetry.StepExecutionTime.Record(ctx, float64(time.Since(started).Microseconds())/1000.0)
		if err != nil {
			e.m.StepsExecuted.WithLabelValues("failure").Inc()
			return cp, &models.StepFailure{
				WorkflowID: workflowID,
				StepIndex:  i,
				StepName:   step.Name,
				Err:        err,
			}
		}
		e.m.StepsExecuted.WithLabelValues("success").Inc()

		for k, v := range updates {
			cp.State[k] = v
		}
		cp.StepIndex = i + 1
		cp.Completed = i == len(steps)-1

		// The checkpoint write is the commit point for the step. If it
		// fails, the step counts as not done and will re-run on retry.
		if err := e.store.SaveCheckpoint(cp); err != nil {
			return cp, err
		}
	}

	e.m.WorkflowsCompleted.Inc()
	return cp, nil
}

// Checkpoint returns the current checkpoint for a workflow, or nil when the
// workflow has never run.
func (e *Executor) Checkpoint(workflowID string) (*models.WorkflowCheckpoint, error) {
	return e.store.GetCheckpoint(workflowID)
}
