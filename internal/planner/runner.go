package planner

import (
	"context"
	"log"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/pkg/models"
)

// SubtaskRunner executes one subtask on its assigned worker.
type SubtaskRunner interface {
	RunSubtask(ctx context.Context, plan *models.CoordinationPlan, st models.Subtask, workerID string) error
}

// SubtaskRunnerFunc adapts a function to SubtaskRunner.
type SubtaskRunnerFunc func(ctx context.Context, plan *models.CoordinationPlan, st models.Subtask, workerID string) error

func (f SubtaskRunnerFunc) RunSubtask(ctx context.Context, plan *models.CoordinationPlan, st models.Subtask, workerID string) error {
	return f(ctx, plan, st, workerID)
}

// Runner drives a coordination plan to completion in dependency order.
// A subtask is dispatched the moment its last dependency reports done, so
// independent branches never wait on each other; a failure fails its
// transitive dependents without touching siblings, and a partially failed
// plan still completes every branch it can.
type Runner struct {
	runner SubtaskRunner
	store  PlanStore
	m      *metrics.Metrics
}

// NewRunner creates a plan runner. store may be nil for in-memory execution.
func NewRunner(runner SubtaskRunner, store PlanStore) *Runner {
	return &Runner{runner: runner, store: store, m: metrics.NewMetrics()}
}

// Run executes the plan. It returns nil when every subtask finishes done,
// a *PlanFailure when any subtask failed or was blocked, and the subtask
// errors keyed by id either way.
func (r *Runner) Run(ctx context.Context, plan *models.CoordinationPlan) (map[string]error, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	subtasks := make(map[string]models.Subtask, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		subtasks[st.ID] = st
	}

	// Completions flow back over a channel sized for the whole plan, so a
	// goroutine can always deliver its result even if Run bails early.
	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, len(plan.Subtasks))

	subtaskErrs := make(map[string]error)
	var g errgroup.Group
	inFlight := 0

	// dispatch starts every currently eligible subtask. All plan and
	// subtaskErrs mutation stays on this goroutine; workers only send.
	dispatch := func() error {
		for _, id := range eligible(plan) {
			if err := plan.Transition(id, models.SubtaskRunning); err != nil {
				return err
			}
			st := subtasks[id]
			worker := plan.Assignments[id]
			inFlight++
			g.Go(func() error {
				results <- outcome{id: st.ID, err: r.runner.RunSubtask(ctx, plan, st, worker)}
				return nil
			})
		}
		return nil
	}

	if err := dispatch(); err != nil {
		return subtaskErrs, err
	}
	for inFlight > 0 {
		res := <-results
		inFlight--
		subtaskErrs[res.id] = res.err

		status := models.SubtaskDone
		if res.err != nil {
			status = models.SubtaskFailed
		}
		if err := plan.Transition(res.id, status); err != nil {
			return subtaskErrs, err
		}
		r.m.SubtasksTotal.WithLabelValues(string(status)).Inc()

		if status == models.SubtaskFailed {
			r.blockDependents(plan, res.id, subtaskErrs)
		} else if err := dispatch(); err != nil {
			return subtaskErrs, err
		}

		if r.store != nil {
			if err := r.store.UpsertPlan(plan); err != nil {
				log.Printf("[Planner] Failed to persist plan %s progress: %v", plan.PlanID, err)
			}
		}
	}
	if err := g.Wait(); err != nil {
		return subtaskErrs, err
	}

	succeeded, failed := partition(plan)
	if len(failed) > 0 {
		r.m.PlanFailures.Inc()
		return subtaskErrs, &models.PlanFailure{PlanID: plan.PlanID, Succeeded: succeeded, Failed: failed}
	}
	return subtaskErrs, nil
}

// blockDependents fails every pending transitive dependent of a failed
// subtask so the plan can never stall waiting on them.
func (r *Runner) blockDependents(plan *models.CoordinationPlan, failedID string, subtaskErrs map[string]error) {
	for _, dep := range plan.Dependents(failedID) {
		if plan.Status[dep] != models.SubtaskPending {
			continue
		}
		if err := plan.Transition(dep, models.SubtaskFailed); err != nil {
			log.Printf("[Planner] Failed to block subtask %s: %v", dep, err)
			continue
		}
		if subtaskErrs[dep] == nil {
			subtaskErrs[dep] = &models.DependencyBlocked{SubtaskID: dep, BlockedBy: failedID}
		}
		r.m.SubtasksTotal.WithLabelValues(string(models.SubtaskFailed)).Inc()
	}
}

// eligible returns pending subtasks whose dependencies are all done, in
// declaration order.
func eligible(plan *models.CoordinationPlan) []string {
	var out []string
	for _, st := range plan.Subtasks {
		if plan.Status[st.ID] != models.SubtaskPending {
			continue
		}
		ready := true
		for _, dep := range st.DependsOn {
			if plan.Status[dep] != models.SubtaskDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, st.ID)
		}
	}
	return out
}

func partition(plan *models.CoordinationPlan) (succeeded, failed []string) {
	for id, status := range plan.Status {
		switch status {
		case models.SubtaskDone:
			succeeded = append(succeeded, id)
		case models.SubtaskFailed:
			failed = append(failed, id)
		}
	}
	sort.Strings(succeeded)
	sort.Strings(failed)
	return succeeded, failed
}
