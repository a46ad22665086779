// Package planner decomposes complex work items into dependency-ordered
// coordination plans and drives their execution. Simple items never reach
// this package; the engine routes them straight to the matcher.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

// Assigner resolves one subtask to a worker. Satisfied by *match.Matcher.
type Assigner interface {
	Match(ctx context.Context, item *models.WorkItem) (*models.Assignment, error)
}

// PlanStore persists coordination plans. Satisfied by *database.Database.
type PlanStore interface {
	UpsertPlan(p *models.CoordinationPlan) error
	GetPlan(planID string) (*models.CoordinationPlan, error)
}

// Planner builds coordination plans for work items that cross the complexity
// thresholds.
type Planner struct {
	assigner Assigner
	store    PlanStore
	cfg      config.PlannerConfig
	m        *metrics.Metrics
	now      func() time.Time
}

// New creates a planner.
func New(assigner Assigner, store PlanStore, cfg config.PlannerConfig) *Planner {
	return &Planner{
		assigner: assigner,
		store:    store,
		cfg:      cfg,
		m:        metrics.NewMetrics(),
		now:      time.Now,
	}
}

// NeedsPlan reports whether an item should be decomposed rather than matched
// directly. Any single signal is enough.
func (p *Planner) NeedsPlan(item *models.WorkItem) bool {
	if item.Complex {
		return true
	}
	if len(item.Body) > p.cfg.BodyLengthThreshold {
		return true
	}
	return len(item.Topics) >= p.cfg.TopicThreshold
}

// Plan decomposes the item into a linear chain of phase subtasks, assigns
// each to a worker, and persists the result. The item's own phase list, when
// present, overrides the configured canonical phases.
func (p *Planner) Plan(ctx context.Context, item *models.WorkItem) (*models.CoordinationPlan, error) {
	if item == nil {
		return nil, &models.ValidationError{Field: "work_item", Reason: "work item is nil"}
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	phases := item.Phases
	if len(phases) == 0 {
		phases = p.cfg.Phases
	}

	now := p.now()
	plan := &models.CoordinationPlan{
		PlanID:      "plan-" + uuid.New().String()[:8],
		WorkItemID:  item.ID,
		Assignments: make(map[string]string, len(phases)),
		Status:      make(map[string]models.SubtaskStatus, len(phases)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for i, phase := range phases {
		st := models.Subtask{
			ID:          fmt.Sprintf("%s-%s", item.ID, phase),
			Phase:       phase,
			Description: fmt.Sprintf("%s: %s", phase, item.Title),
		}
		if i > 0 {
			st.DependsOn = []string{plan.Subtasks[i-1].ID}
		}
		plan.Subtasks = append(plan.Subtasks, st)
		plan.Status[st.ID] = models.SubtaskPending
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	// Each subtask is matched independently so different phases can land on
	// different specialists.
	for _, st := range plan.Subtasks {
		assignment, err := p.assigner.Match(ctx, subtaskItem(item, st))
		if err != nil {
			return nil, fmt.Errorf("failed to assign subtask %s: %w", st.ID, err)
		}
		plan.Assignments[st.ID] = assignment.WorkerID
	}

	if err := p.store.UpsertPlan(plan); err != nil {
		return nil, fmt.Errorf("failed to persist plan %s: %w", plan.PlanID, err)
	}

	p.m.PlansCreated.Inc()
	p.m.SubtasksTotal.WithLabelValues(string(models.SubtaskPending)).Add(float64(len(plan.Subtasks)))
	return plan, nil
}

// subtaskItem is the synthetic work item handed to the matcher for one phase.
func subtaskItem(parent *models.WorkItem, st models.Subtask) *models.WorkItem {
	return &models.WorkItem{
		ID:       st.ID,
		Title:    st.Description,
		Body:     parent.Body,
		Topics:   append([]string{strings.ToLower(st.Phase)}, parent.Topics...),
		Priority: parent.Priority,
		Status:   models.WorkItemStatusOpen,
	}
}
