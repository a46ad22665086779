package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

type stubAssigner struct {
	worker string
}

func (s *stubAssigner) Match(ctx context.Context, item *models.WorkItem) (*models.Assignment, error) {
	return &models.Assignment{WorkItemID: item.ID, WorkerID: s.worker, Score: 0.5}, nil
}

type memPlanStore struct {
	mu    sync.Mutex
	plans map[string]*models.CoordinationPlan
	saves int
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{plans: make(map[string]*models.CoordinationPlan)}
}

func (s *memPlanStore) UpsertPlan(p *models.CoordinationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.PlanID] = p
	s.saves++
	return nil
}

func (s *memPlanStore) GetPlan(planID string) (*models.CoordinationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[planID], nil
}

func testPlanner(t *testing.T) (*Planner, *memPlanStore) {
	t.Helper()
	store := newMemPlanStore()
	return New(&stubAssigner{worker: "w1"}, store, config.DefaultConfig().Planner), store
}

func TestNeedsPlan(t *testing.T) {
	p, _ := testPlanner(t)
	tests := []struct {
		name string
		item models.WorkItem
		want bool
	}{
		{"simple", models.WorkItem{ID: "i", Title: "t", Body: "short"}, false},
		{"explicit flag", models.WorkItem{ID: "i", Title: "t", Complex: true}, true},
		{"long body", models.WorkItem{ID: "i", Title: "t", Body: strings.Repeat("x", 2001)}, true},
		{"many topics", models.WorkItem{ID: "i", Title: "t", Topics: []string{"a", "b", "c", "d"}}, true},
		{"three topics", models.WorkItem{ID: "i", Title: "t", Topics: []string{"a", "b", "c"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.NeedsPlan(&tt.item); got != tt.want {
				t.Errorf("NeedsPlan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanBuildsLinearChain(t *testing.T) {
	p, store := testPlanner(t)
	item := &models.WorkItem{ID: "item-1", Title: "rebuild billing", Topics: []string{"billing"}, Complex: true}

	plan, err := p.Plan(context.Background(), item)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Subtasks) != 5 {
		t.Fatalf("expected 5 canonical phases, got %d", len(plan.Subtasks))
	}
	if len(plan.Subtasks[0].DependsOn) != 0 {
		t.Errorf("first subtask must have no dependencies")
	}
	for i := 1; i < len(plan.Subtasks); i++ {
		deps := plan.Subtasks[i].DependsOn
		if len(deps) != 1 || deps[0] != plan.Subtasks[i-1].ID {
			t.Errorf("subtask %d not chained to its predecessor: %v", i, deps)
		}
	}
	for _, st := range plan.Subtasks {
		if plan.Status[st.ID] != models.SubtaskPending {
			t.Errorf("subtask %s not pending", st.ID)
		}
		if plan.Assignments[st.ID] == "" {
			t.Errorf("subtask %s has no assignment", st.ID)
		}
	}

	stored, err := store.GetPlan(plan.PlanID)
	if err != nil || stored == nil {
		t.Fatalf("plan was not persisted: %v", err)
	}
}

func TestPlanAlwaysAcyclic(t *testing.T) {
	p, _ := testPlanner(t)
	item := &models.WorkItem{
		ID: "item-2", Title: "migrate schema", Complex: true,
		Phases: []string{"snapshot", "migrate", "verify"},
	}

	plan, err := p.Plan(context.Background(), item)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	order, err := plan.TopologicalOrder()
	if err != nil {
		t.Fatalf("plan is cyclic: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("expected 3 ordered subtasks, got %d", len(order))
	}
	if plan.Subtasks[0].Phase != "snapshot" {
		t.Errorf("item phases ignored, got %q", plan.Subtasks[0].Phase)
	}
}

func chainPlan(ids ...string) *models.CoordinationPlan {
	p := &models.CoordinationPlan{
		PlanID:      "plan-test",
		WorkItemID:  "item-1",
		Assignments: make(map[string]string),
		Status:      make(map[string]models.SubtaskStatus),
		CreatedAt:   time.Now(),
	}
	for i, id := range ids {
		st := models.Subtask{ID: id, Phase: id, Description: id}
		if i > 0 {
			st.DependsOn = []string{ids[i-1]}
		}
		p.Subtasks = append(p.Subtasks, st)
		p.Status[id] = models.SubtaskPending
		p.Assignments[id] = "w1"
	}
	return p
}

func TestRunnerExecutesInDependencyOrder(t *testing.T) {
	plan := chainPlan("a", "b", "c")

	var mu sync.Mutex
	var order []string
	runner := NewRunner(SubtaskRunnerFunc(func(ctx context.Context, p *models.CoordinationPlan, st models.Subtask, worker string) error {
		mu.Lock()
		order = append(order, st.ID)
		mu.Unlock()
		return nil
	}), nil)

	errs, err := runner.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("wrong execution order: %v", order)
	}
	for id, e := range errs {
		if e != nil {
			t.Errorf("unexpected error for %s: %v", id, e)
		}
	}
	for _, st := range plan.Subtasks {
		if plan.Status[st.ID] != models.SubtaskDone {
			t.Errorf("subtask %s not done: %s", st.ID, plan.Status[st.ID])
		}
	}
}

func TestRunnerDispatchesAsDependenciesComplete(t *testing.T) {
	// "a" and "b" start together; "c" depends only on "b". "a" refuses to
	// finish until "c" has started, so the plan only completes if "c" is
	// dispatched the moment "b" reports done instead of waiting out "a".
	plan := &models.CoordinationPlan{
		PlanID:     "plan-stagger",
		WorkItemID: "item-1",
		Subtasks: []models.Subtask{
			{ID: "a", Phase: "a"},
			{ID: "b", Phase: "b"},
			{ID: "c", Phase: "c", DependsOn: []string{"b"}},
		},
		Assignments: map[string]string{"a": "w1", "b": "w1", "c": "w1"},
		Status: map[string]models.SubtaskStatus{
			"a": models.SubtaskPending, "b": models.SubtaskPending, "c": models.SubtaskPending,
		},
		CreatedAt: time.Now(),
	}

	cStarted := make(chan struct{})
	runner := NewRunner(SubtaskRunnerFunc(func(ctx context.Context, p *models.CoordinationPlan, st models.Subtask, worker string) error {
		switch st.ID {
		case "a":
			select {
			case <-cStarted:
				return nil
			case <-time.After(5 * time.Second):
				return errors.New("c never started while a was running")
			}
		case "c":
			close(cStarted)
		}
		return nil
	}), nil)

	errs, err := runner.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for id, e := range errs {
		if e != nil {
			t.Errorf("unexpected error for %s: %v", id, e)
		}
	}
}

func TestRunnerFailureBlocksDependentsOnly(t *testing.T) {
	// Diamond with a stray leaf: root -> {left, right} -> join, plus "solo"
	// with no dependencies. left fails; join must be blocked, right and solo
	// must still complete.
	plan := &models.CoordinationPlan{
		PlanID:     "plan-diamond",
		WorkItemID: "item-1",
		Subtasks: []models.Subtask{
			{ID: "root", Phase: "root"},
			{ID: "left", Phase: "left", DependsOn: []string{"root"}},
			{ID: "right", Phase: "right", DependsOn: []string{"root"}},
			{ID: "join", Phase: "join", DependsOn: []string{"left", "right"}},
			{ID: "solo", Phase: "solo"},
		},
		Assignments: map[string]string{"root": "w1", "left": "w1", "right": "w1", "join": "w1", "solo": "w1"},
		Status: map[string]models.SubtaskStatus{
			"root": models.SubtaskPending, "left": models.SubtaskPending,
			"right": models.SubtaskPending, "join": models.SubtaskPending,
			"solo": models.SubtaskPending,
		},
		CreatedAt: time.Now(),
	}

	boom := errors.New("left exploded")
	runner := NewRunner(SubtaskRunnerFunc(func(ctx context.Context, p *models.CoordinationPlan, st models.Subtask, worker string) error {
		if st.ID == "left" {
			return boom
		}
		return nil
	}), newMemPlanStore())

	errs, err := runner.Run(context.Background(), plan)
	var pf *models.PlanFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected *PlanFailure, got %v", err)
	}

	wantStatus := map[string]models.SubtaskStatus{
		"root": models.SubtaskDone, "left": models.SubtaskFailed,
		"right": models.SubtaskDone, "join": models.SubtaskFailed,
		"solo": models.SubtaskDone,
	}
	for id, want := range wantStatus {
		if plan.Status[id] != want {
			t.Errorf("subtask %s: status %s, want %s", id, plan.Status[id], want)
		}
	}

	var db *models.DependencyBlocked
	if !errors.As(errs["join"], &db) {
		t.Fatalf("expected join to be dependency-blocked, got %v", errs["join"])
	}
	if db.BlockedBy != "left" {
		t.Errorf("join blocked by %s, want left", db.BlockedBy)
	}
	if !errors.Is(errs["left"], boom) {
		t.Errorf("left error lost: %v", errs["left"])
	}

	if len(pf.Succeeded) != 3 || len(pf.Failed) != 2 {
		t.Errorf("partition wrong: succeeded=%v failed=%v", pf.Succeeded, pf.Failed)
	}
}
