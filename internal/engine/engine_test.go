package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jordanhubbard/weft/internal/database"
	"github.com/jordanhubbard/weft/internal/executor"
	"github.com/jordanhubbard/weft/internal/match"
	"github.com/jordanhubbard/weft/internal/memory"
	"github.com/jordanhubbard/weft/internal/messagebus"
	"github.com/jordanhubbard/weft/internal/planner"
	"github.com/jordanhubbard/weft/internal/retrieval"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

type captureBus struct {
	mu     sync.Mutex
	events []messagebus.Event
}

func (b *captureBus) Publish(ctx context.Context, event messagebus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func newTestEngine(t *testing.T, steps StepProvider) (*Engine, *database.Database, *captureBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	db, err := database.New(filepath.Join(t.TempDir(), "weft_test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := memory.New(db, nil)
	retriever := retrieval.New(store)
	directory := match.NewDirectory()
	matcher := match.New(directory, retriever, cfg.Matcher)
	bus := &captureBus{}

	e := New(Options{
		Config:    cfg,
		Memory:    store,
		Retriever: retriever,
		Directory: directory,
		Matcher:   matcher,
		Planner:   planner.New(matcher, db, cfg.Planner),
		Executor:  executor.New(db),
		Bus:       bus,
		Steps:     steps,
	})

	for _, p := range []*models.WorkerProfile{
		{WorkerID: "backend", AggregateScore: 0.7, Specializations: map[string]float64{"database": 0.9, "api": 0.8}},
		{WorkerID: "frontend", AggregateScore: 0.6, Specializations: map[string]float64{"ui": 0.9}},
	} {
		if err := e.RegisterWorker(p); err != nil {
			t.Fatalf("RegisterWorker %s: %v", p.WorkerID, err)
		}
	}
	return e, db, bus
}

func TestSubmitSimpleItemMatchesDirectly(t *testing.T) {
	e, _, bus := newTestEngine(t, nil)

	a, err := e.SubmitWorkItem(context.Background(), &models.WorkItem{
		ID: "item-1", Title: "add database index", Topics: []string{"database"},
	})
	if err != nil {
		t.Fatalf("SubmitWorkItem: %v", err)
	}
	if a.WorkerID != "backend" {
		t.Errorf("expected backend, got %q", a.WorkerID)
	}
	if a.PlanID != "" {
		t.Errorf("direct match must not carry a plan id, got %q", a.PlanID)
	}

	types := bus.types()
	if len(types) != 2 || types[0] != messagebus.EventItemSubmitted || types[1] != messagebus.EventItemMatched {
		t.Errorf("unexpected event sequence: %v", types)
	}
}

func TestSubmitComplexItemCreatesPlan(t *testing.T) {
	e, db, bus := newTestEngine(t, nil)

	a, err := e.SubmitWorkItem(context.Background(), &models.WorkItem{
		ID: "item-2", Title: "rebuild billing pipeline", Complex: true, Topics: []string{"database", "api"},
	})
	if err != nil {
		t.Fatalf("SubmitWorkItem: %v", err)
	}
	if a.PlanID == "" || a.WorkerID != "" {
		t.Fatalf("expected plan assignment, got %+v", a)
	}

	plan, err := db.GetPlan(a.PlanID)
	if err != nil || plan == nil {
		t.Fatalf("plan not persisted: %v", err)
	}
	if len(plan.Subtasks) != 5 {
		t.Errorf("expected 5 subtasks, got %d", len(plan.Subtasks))
	}

	types := bus.types()
	if types[len(types)-1] != messagebus.EventPlanCreated {
		t.Errorf("expected plan.created last, got %v", types)
	}
}

func TestReportOutcomeWritesMemoryOnce(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	item := &models.WorkItem{ID: "item-3", Title: "fix login redirect", Topics: []string{"api"}}

	outcome := &models.Outcome{
		WorkItemID: item.ID, WorkerID: "backend", Success: true,
		Summary: "patched the redirect chain", Lesson: "check relative URLs first",
	}

	rec1, err := e.ReportOutcome(ctx, item, outcome)
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if item.Status != models.WorkItemStatusClosed {
		t.Errorf("item not closed after outcome: %s", item.Status)
	}

	// Duplicate report overwrites instead of accumulating.
	rec2, err := e.ReportOutcome(ctx, item, outcome)
	if err != nil {
		t.Fatalf("duplicate ReportOutcome: %v", err)
	}
	if rec1.ID != rec2.ID {
		t.Errorf("duplicate reports produced different ids: %s vs %s", rec1.ID, rec2.ID)
	}

	stats, err := e.MemoryStats(ctx, "backend")
	if err != nil {
		t.Fatal(err)
	}
	if stats.RecordCount != 1 {
		t.Errorf("expected 1 record after duplicate report, got %d", stats.RecordCount)
	}

	memories := e.Memories(ctx, "backend", "login redirect", 5)
	if len(memories) != 1 || memories[0].Lesson != "check relative URLs first" {
		t.Errorf("stored memory not retrievable: %v", memories)
	}
}

func TestOutcomeInfluencesFutureMatching(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// frontend builds up successful history on "ui payments" work.
	for i, id := range []string{"item-a", "item-b", "item-c"} {
		item := &models.WorkItem{ID: id, Title: "payments ui polish", Topics: []string{"ui"}}
		_, err := e.ReportOutcome(ctx, item, &models.Outcome{
			WorkItemID: id, WorkerID: "frontend", Success: true, Summary: "shipped",
		})
		if err != nil {
			t.Fatalf("ReportOutcome %d: %v", i, err)
		}
	}

	a, err := e.SubmitWorkItem(ctx, &models.WorkItem{
		ID: "item-next", Title: "payments ui polish round two", Topics: []string{"ui"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.WorkerID != "frontend" {
		t.Errorf("experience did not steer the match: got %s", a.WorkerID)
	}
}

func TestRunAssignmentResumesAfterStepFailure(t *testing.T) {
	runs := map[string]int{}
	fail := true
	steps := StepProviderFunc(func(item *models.WorkItem, workerID string) []executor.Step {
		return []executor.Step{
			{Name: "prepare", Run: func(ctx context.Context, state map[string]string) (map[string]string, error) {
				runs["prepare"]++
				return nil, nil
			}},
			{Name: "apply", Run: func(ctx context.Context, state map[string]string) (map[string]string, error) {
				runs["apply"]++
				if fail {
					fail = false
					return nil, errors.New("transient apply failure")
				}
				return nil, nil
			}},
		}
	})
	e, _, _ := newTestEngine(t, steps)
	ctx := context.Background()
	item := &models.WorkItem{ID: "item-4", Title: "rotate credentials"}

	_, err := e.RunAssignment(ctx, item, "backend")
	var sf *models.StepFailure
	if !errors.As(err, &sf) {
		t.Fatalf("expected *StepFailure, got %v", err)
	}

	cp, err := e.RunAssignment(ctx, item, "backend")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !cp.Completed {
		t.Error("workflow not completed after resume")
	}
	if runs["prepare"] != 1 || runs["apply"] != 2 {
		t.Errorf("step runs = %v, want prepare:1 apply:2", runs)
	}
}

func TestOutcomeActionSummarizesExecutedSteps(t *testing.T) {
	steps := StepProviderFunc(func(item *models.WorkItem, workerID string) []executor.Step {
		noop := func(ctx context.Context, state map[string]string) (map[string]string, error) {
			return nil, nil
		}
		return []executor.Step{{Name: "prepare", Run: noop}, {Name: "apply", Run: noop}}
	})
	e, _, _ := newTestEngine(t, steps)
	ctx := context.Background()

	item := &models.WorkItem{ID: "item-6", Title: "rotate credentials", Body: "rotate the service account keys"}
	if _, err := e.RunAssignment(ctx, item, "backend"); err != nil {
		t.Fatalf("RunAssignment: %v", err)
	}

	rec, err := e.ReportOutcome(ctx, item, &models.Outcome{
		WorkItemID: item.ID, WorkerID: "backend", Success: true, Summary: "rotated",
	})
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if rec.Action != "executed 2 workflow steps" {
		t.Errorf("action = %q, want the executed step summary", rec.Action)
	}

	// An item reported without an execution keeps the body as action.
	plain := &models.WorkItem{ID: "item-7", Title: "document key rotation", Body: "document the rotation"}
	rec, err = e.ReportOutcome(ctx, plain, &models.Outcome{
		WorkItemID: plain.ID, WorkerID: "backend", Success: true,
	})
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if rec.Action != "document the rotation" {
		t.Errorf("action = %q, want the item body fallback", rec.Action)
	}
}

func TestRunPlanCompletesAllBranches(t *testing.T) {
	e, db, bus := newTestEngine(t, nil)
	ctx := context.Background()

	a, err := e.SubmitWorkItem(ctx, &models.WorkItem{
		ID: "item-5", Title: "ship reporting service", Complex: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := db.GetPlan(a.PlanID)
	if err != nil || plan == nil {
		t.Fatalf("plan missing: %v", err)
	}

	subtaskErrs, err := e.RunPlan(ctx, plan)
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	for id, serr := range subtaskErrs {
		if serr != nil {
			t.Errorf("subtask %s failed: %v", id, serr)
		}
	}
	for _, st := range plan.Subtasks {
		if plan.Status[st.ID] != models.SubtaskDone {
			t.Errorf("subtask %s not done", st.ID)
		}
	}

	types := bus.types()
	if types[len(types)-1] != messagebus.EventPlanCompleted {
		t.Errorf("expected plan.completed last, got %v", types)
	}
}
