package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/weft/internal/retrieval"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

type stubExperience struct {
	// successes maps worker id to how many successful records to return.
	successes map[string]int
}

func (s *stubExperience) Retrieve(ctx context.Context, workerID, query string, opts retrieval.Options) []*models.MemoryRecord {
	n := s.successes[workerID]
	if n > opts.Limit {
		n = opts.Limit
	}
	records := make([]*models.MemoryRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.NewMemoryRecord(
			workerID, fmt.Sprintf("prior task %d", i), "did it", "worked", true,
			time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i)*time.Minute)))
	}
	return records
}

func profile(id string, score float64, specs map[string]float64) *models.WorkerProfile {
	return &models.WorkerProfile{WorkerID: id, AggregateScore: score, Specializations: specs}
}

func testMatcher(t *testing.T, workers []*models.WorkerProfile, exp ExperienceSource) *Matcher {
	t.Helper()
	dir := NewDirectory()
	for _, w := range workers {
		if err := dir.Register(w); err != nil {
			t.Fatalf("Register %s: %v", w.WorkerID, err)
		}
	}
	return New(dir, exp, config.DefaultConfig().Matcher)
}

func item(id string, topics ...string) *models.WorkItem {
	return &models.WorkItem{ID: id, Title: "fix " + id, Topics: topics, Status: models.WorkItemStatusOpen}
}

func TestMatchPrefersSpecialistWithHistory(t *testing.T) {
	specialist := profile("db-expert", 0.6, map[string]float64{"database": 0.9, "sql": 0.8})
	generalist := profile("generalist", 0.8, map[string]float64{"database": 0.2, "frontend": 0.5})
	exp := &stubExperience{successes: map[string]int{"db-expert": 4, "generalist": 0}}
	m := testMatcher(t, []*models.WorkerProfile{specialist, generalist}, exp)

	a, err := m.Match(context.Background(), item("item-1", "database", "sql"))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if a.WorkerID != "db-expert" {
		t.Errorf("expected db-expert, got %s (score %.3f)", a.WorkerID, a.Score)
	}
	if a.Score <= 0 || a.Score > 1 {
		t.Errorf("score out of range: %.3f", a.Score)
	}
}

func TestMatchAlwaysResolvesWithCandidates(t *testing.T) {
	workers := []*models.WorkerProfile{
		profile("a", 0, nil),
		profile("b", 0, nil),
	}
	m := testMatcher(t, workers, &stubExperience{})

	// Even with all-zero signals a candidate is chosen deterministically.
	for i := 0; i < 3; i++ {
		a, err := m.Match(context.Background(), item(fmt.Sprintf("item-%d", i), "nothing"))
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if a.WorkerID == "" {
			t.Fatal("empty worker id on match")
		}
	}
}

func TestMatchEmptyDirectory(t *testing.T) {
	m := testMatcher(t, nil, &stubExperience{})

	_, err := m.Match(context.Background(), item("item-1", "anything"))
	var nce *models.NoCandidateError
	if !errors.As(err, &nce) {
		t.Fatalf("expected *NoCandidateError, got %v", err)
	}
	if nce.WorkItemID != "item-1" {
		t.Errorf("wrong item in error: %s", nce.WorkItemID)
	}
}

func TestMatchTieBreaksByWorkloadThenID(t *testing.T) {
	workers := []*models.WorkerProfile{
		profile("worker-b", 0.5, map[string]float64{"go": 1.0}),
		profile("worker-a", 0.5, map[string]float64{"go": 1.0}),
	}
	m := testMatcher(t, workers, &stubExperience{})

	first, err := m.Match(context.Background(), item("item-1", "go"))
	if err != nil {
		t.Fatal(err)
	}
	if first.WorkerID != "worker-a" {
		t.Fatalf("expected lexicographic tie-break to worker-a, got %s", first.WorkerID)
	}

	// worker-a now carries one assignment; the tie moves to worker-b.
	second, err := m.Match(context.Background(), item("item-2", "go"))
	if err != nil {
		t.Fatal(err)
	}
	if second.WorkerID != "worker-b" {
		t.Errorf("expected workload tie-break to worker-b, got %s", second.WorkerID)
	}
	if m.TaskCount("worker-a") != 1 || m.TaskCount("worker-b") != 1 {
		t.Errorf("workload counters off: a=%d b=%d", m.TaskCount("worker-a"), m.TaskCount("worker-b"))
	}
}

func TestMatchInvalidItem(t *testing.T) {
	m := testMatcher(t, []*models.WorkerProfile{profile("a", 0.5, nil)}, &stubExperience{})

	_, err := m.Match(context.Background(), &models.WorkItem{ID: "no-title"})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestScoreBreakdown(t *testing.T) {
	w := profile("w1", 1.0, map[string]float64{"auth": 1.0})
	exp := &stubExperience{successes: map[string]int{"w1": 1}}
	m := testMatcher(t, []*models.WorkerProfile{w}, exp)

	candidates, err := m.Score(context.Background(), item("item-1", "auth"), []*models.WorkerProfile{w})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	c := candidates[0]
	if c.Specialization != 1.0 {
		t.Errorf("specialization = %.3f, want 1.0", c.Specialization)
	}
	if c.Experience != 0.5 {
		t.Errorf("experience = %.3f, want 0.5 for one prior success", c.Experience)
	}
	want := 0.40*1.0 + 0.30*0.5 + 0.30*1.0
	if diff := c.Total - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total = %.4f, want %.4f", c.Total, want)
	}
}

// queryRecordingExperience captures the retrieval query and returns one
// successful record only when the query mentions "replication".
type queryRecordingExperience struct {
	lastQuery string
}

func (s *queryRecordingExperience) Retrieve(ctx context.Context, workerID, query string, opts retrieval.Options) []*models.MemoryRecord {
	s.lastQuery = query
	if !strings.Contains(query, "replication") {
		return nil
	}
	return []*models.MemoryRecord{models.NewMemoryRecord(
		workerID, "replication lag on the standby", "tuned wal settings", "recovered", true,
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))}
}

func TestExperienceQueryIncludesBody(t *testing.T) {
	w := profile("db-expert", 0.5, nil)
	exp := &queryRecordingExperience{}
	m := testMatcher(t, []*models.WorkerProfile{w}, exp)

	it := &models.WorkItem{
		ID:    "item-1",
		Title: "fix the outage",
		Body:  "replication lag keeps growing on the standby",
	}
	candidates, err := m.Score(context.Background(), it, []*models.WorkerProfile{w})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exp.lastQuery, "replication") {
		t.Fatalf("body terms missing from experience query: %q", exp.lastQuery)
	}
	if candidates[0].Experience != 0.5 {
		t.Errorf("experience = %.3f, want 0.5 from the body-matched record", candidates[0].Experience)
	}
}

func TestExperienceQueryTruncatesLongBody(t *testing.T) {
	it := &models.WorkItem{ID: "i", Title: "t", Body: strings.Repeat("x", maxExperienceQueryLen*2)}
	q := experienceQuery(it)
	if want := len(it.Title) + 1 + maxExperienceQueryLen; len(q) != want {
		t.Errorf("query length %d, want body capped at %d bytes", len(q), maxExperienceQueryLen)
	}
}

func TestDirectoryRejectsInvalidProfile(t *testing.T) {
	dir := NewDirectory()
	err := dir.Register(&models.WorkerProfile{WorkerID: "w1", AggregateScore: 1.5})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if dir.Get("w1") != nil {
		t.Error("invalid profile was registered")
	}
}
