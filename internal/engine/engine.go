// Package engine is the coordination core: it routes submitted work items to
// a single matched worker or a multi-worker plan, runs their workflows on the
// checkpointed executor, and folds reported outcomes back into worker memory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/weft/internal/executor"
	"github.com/jordanhubbard/weft/internal/match"
	"github.com/jordanhubbard/weft/internal/memory"
	"github.com/jordanhubbard/weft/internal/messagebus"
	"github.com/jordanhubbard/weft/internal/planner"
	"github.com/jordanhubbard/weft/internal/retrieval"
	"github.com/jordanhubbard/weft/internal/telemetry"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

// StepProvider turns an assigned unit of work into executable workflow
// steps. The default provider emits a single synthetic step; real deployments
// plug in their own.
type StepProvider interface {
	Steps(item *models.WorkItem, workerID string) []executor.Step
}

// StepProviderFunc adapts a function to StepProvider.
type StepProviderFunc func(item *models.WorkItem, workerID string) []executor.Step

func (f StepProviderFunc) Steps(item *models.WorkItem, workerID string) []executor.Step {
	return f(item, workerID)
}

// Engine wires the memory store, retriever, matcher, planner, and executor
// behind one façade. All external mutation goes through it.
type Engine struct {
	cfg       *config.Config
	memory    *memory.Store
	retriever *retrieval.Retriever
	directory *match.Directory
	matcher   *match.Matcher
	planner   *planner.Planner
	runner    *planner.Runner
	executor  *executor.Executor
	bus       messagebus.EventBus
	steps     StepProvider
	now       func() time.Time
}

// Options carries the collaborators the engine composes.
type Options struct {
	Config    *config.Config
	Memory    *memory.Store
	Retriever *retrieval.Retriever
	Directory *match.Directory
	Matcher   *match.Matcher
	Planner   *planner.Planner
	Executor  *executor.Executor
	Bus       messagebus.EventBus
	Steps     StepProvider
}

// New assembles an engine. A nil bus becomes a nop; a nil step provider
// falls back to a single pass-through step per assignment.
func New(opts Options) *Engine {
	e := &Engine{
		cfg:       opts.Config,
		memory:    opts.Memory,
		retriever: opts.Retriever,
		directory: opts.Directory,
		matcher:   opts.Matcher,
		planner:   opts.Planner,
		executor:  opts.Executor,
		bus:       opts.Bus,
		steps:     opts.Steps,
		now:       time.Now,
	}
	if e.bus == nil {
		e.bus = messagebus.NopBus{}
	}
	if e.steps == nil {
		e.steps = defaultStepProvider()
	}
	e.runner = planner.NewRunner(planner.SubtaskRunnerFunc(e.runSubtask), nil)
	return e
}

// SubmitWorkItem routes an item: complex items are decomposed into a plan,
// everything else is matched to a single worker. The returned assignment
// carries exactly one of worker id or plan id.
func (e *Engine) SubmitWorkItem(ctx context.Context, item *models.WorkItem) (*models.Assignment, error) {
	if item == nil {
		return nil, &models.ValidationError{Field: "work_item", Reason: "work item is nil"}
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if item.Status == "" {
		item.Status = models.WorkItemStatusOpen
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = e.now()
	}

	e.publish(ctx, messagebus.Event{Type: messagebus.EventItemSubmitted, WorkItemID: item.ID})
	telemetry.ItemsSubmitted.Add(ctx, 1)

	if e.planner.NeedsPlan(item) {
		plan, err := e.planner.Plan(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("failed to plan work item %s: %w", item.ID, err)
		}
		item.Status = models.WorkItemStatusMatched
		e.publish(ctx, messagebus.Event{
			Type: messagebus.EventPlanCreated, WorkItemID: item.ID, PlanID: plan.PlanID,
		})
		telemetry.PlansCreated.Add(ctx, 1)
		return &models.Assignment{WorkItemID: item.ID, PlanID: plan.PlanID}, nil
	}

	assignment, err := e.matcher.Match(ctx, item)
	if err != nil {
		return nil, err
	}
	item.Status = models.WorkItemStatusMatched
	e.publish(ctx, messagebus.Event{
		Type: messagebus.EventItemMatched, WorkItemID: item.ID, WorkerID: assignment.WorkerID,
	})
	telemetry.ItemsMatched.Add(ctx, 1)
	return assignment, nil
}

// RunAssignment executes a directly matched item as a checkpointed workflow.
// Calling it again after a step failure resumes from the failed step.
func (e *Engine) RunAssignment(ctx context.Context, item *models.WorkItem, workerID string) (*models.WorkflowCheckpoint, error) {
	if item == nil {
		return nil, &models.ValidationError{Field: "work_item", Reason: "work item is nil"}
	}
	workflowID := models.WorkflowID(workerID, item.ID)
	item.Status = models.WorkItemStatusInProgress
	return e.executor.Execute(ctx, workflowID, e.steps.Steps(item, workerID))
}

// RunPlan drives a coordination plan to completion. Independent branches
// keep running past a failure; a partial failure surfaces as *PlanFailure
// with the per-branch breakdown.
func (e *Engine) RunPlan(ctx context.Context, plan *models.CoordinationPlan) (map[string]error, error) {
	subtaskErrs, err := e.runner.Run(ctx, plan)

	var pf *models.PlanFailure
	switch {
	case err == nil:
		e.publish(ctx, messagebus.Event{
			Type: messagebus.EventPlanCompleted, PlanID: plan.PlanID, WorkItemID: plan.WorkItemID,
		})
	case errors.As(err, &pf):
		e.publish(ctx, messagebus.Event{
			Type: messagebus.EventPlanFailed, PlanID: plan.PlanID, WorkItemID: plan.WorkItemID,
			Detail: pf.Error(),
		})
	}
	return subtaskErrs, err
}

// runSubtask executes one plan subtask as its own checkpointed workflow so a
// re-run of a partially failed plan skips the branches that finished.
func (e *Engine) runSubtask(ctx context.Context, plan *models.CoordinationPlan, st models.Subtask, workerID string) error {
	item := &models.WorkItem{
		ID:     st.ID,
		Title:  st.Description,
		Status: models.WorkItemStatusInProgress,
	}
	_, err := e.executor.Execute(ctx, models.WorkflowID(workerID, st.ID), e.steps.Steps(item, workerID))
	return err
}

// ReportOutcome is the single path from execution results into worker
// memory. It validates, derives the deterministic record id, and stores the
// record; duplicate reports overwrite rather than accumulate.
func (e *Engine) ReportOutcome(ctx context.Context, item *models.WorkItem, outcome *models.Outcome) (*models.MemoryRecord, error) {
	if outcome == nil {
		return nil, &models.ValidationError{Field: "outcome", Reason: "outcome is nil"}
	}
	if outcome.WorkerID == "" {
		return nil, &models.ValidationError{Field: "worker_id", Reason: "worker_id is required"}
	}
	if item == nil {
		return nil, &models.ValidationError{Field: "work_item", Reason: "work item is nil"}
	}

	outcomeText := outcome.Summary
	if outcomeText == "" {
		if outcome.Success {
			outcomeText = "completed"
		} else {
			outcomeText = "failed"
		}
	}

	// The record timestamp is anchored to the item so a duplicate report
	// derives the same id and overwrites instead of accumulating.
	if item.CreatedAt.IsZero() {
		item.CreatedAt = e.now()
	}

	// The action field summarizes what was actually executed. When the item
	// ran as a checkpointed workflow the step count comes from its checkpoint;
	// items reported without an execution fall back to the item body.
	action := item.Body
	if e.executor != nil {
		if cp, err := e.executor.Checkpoint(models.WorkflowID(outcome.WorkerID, item.ID)); err == nil && cp != nil && cp.StepIndex > 0 {
			action = fmt.Sprintf("executed %d workflow steps", cp.StepIndex)
		}
	}

	record := models.NewMemoryRecord(outcome.WorkerID, item.Title, action, outcomeText, outcome.Success, item.CreatedAt)
	record.Lesson = outcome.Lesson
	record.Tags = append(append([]string{}, item.Topics...), outcome.Tags...)

	if err := e.memory.Store(ctx, record); err != nil {
		return nil, err
	}
	item.Status = models.WorkItemStatusClosed
	item.UpdatedAt = e.now()

	e.publish(ctx, messagebus.Event{
		Type: messagebus.EventOutcome, WorkItemID: item.ID, WorkerID: outcome.WorkerID,
		Detail: outcomeText,
	})
	return record, nil
}

// Memories exposes retrieval for a worker over the engine façade.
func (e *Engine) Memories(ctx context.Context, workerID, query string, limit int) []*models.MemoryRecord {
	if limit <= 0 {
		limit = e.cfg.Retrieval.DefaultLimit
	}
	telemetry.MemoriesRetrieved.Add(ctx, 1)
	return e.retriever.Retrieve(ctx, workerID, query, retrieval.DefaultOptions(limit))
}

// RegisterWorker adds or replaces a worker profile.
func (e *Engine) RegisterWorker(p *models.WorkerProfile) error {
	return e.directory.Register(p)
}

// Workers lists registered worker profiles.
func (e *Engine) Workers(ctx context.Context) ([]*models.WorkerProfile, error) {
	return e.directory.ListWorkers(ctx)
}

// MemoryStats returns the per-worker memory summary.
func (e *Engine) MemoryStats(ctx context.Context, workerID string) (*models.MemoryStats, error) {
	return e.memory.Stats(ctx, workerID)
}

// Prune removes expired ephemeral memories once.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	n, err := e.memory.Prune(ctx)
	if err == nil && n > 0 {
		e.publish(ctx, messagebus.Event{
			Type: messagebus.EventMemoryPruned, Detail: fmt.Sprintf("%d records", n),
		})
	}
	return n, err
}

// StartPruneLoop prunes expired memories on the configured interval until
// the context is cancelled.
func (e *Engine) StartPruneLoop(ctx context.Context) {
	interval := e.cfg.Memory.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := e.Prune(ctx); err != nil {
					log.Printf("[Engine] Prune failed: %v", err)
				} else if n > 0 {
					log.Printf("[Engine] Pruned %d expired memories", n)
				}
			}
		}
	}()
}

// SetMatcherWeights applies reloaded matcher configuration.
func (e *Engine) SetMatcherWeights(cfg config.MatcherConfig) {
	e.matcher.SetWeights(cfg)
}

func (e *Engine) publish(ctx context.Context, event messagebus.Event) {
	if err := e.bus.Publish(ctx, event); err != nil {
		log.Printf("[Engine] Failed to publish %s event: %v", event.Type, err)
	}
}

// defaultStepProvider emits one step that records the assignment in workflow
// state. It stands in until the caller supplies real execution steps.
func defaultStepProvider() StepProvider {
	return StepProviderFunc(func(item *models.WorkItem, workerID string) []executor.Step {
		return []executor.Step{{
			Name: "record-assignment",
			Run: func(ctx context.Context, state map[string]string) (map[string]string, error) {
				return map[string]string{
					"work_item_id": item.ID,
					"worker_id":    workerID,
				}, nil
			},
		}}
	})
}
