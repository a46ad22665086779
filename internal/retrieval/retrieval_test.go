package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jordanhubbard/weft/pkg/models"
)

type stubSource struct {
	records []*models.MemoryRecord
	err     error
}

func (s *stubSource) ListByWorker(ctx context.Context, workerID string, limit int) ([]*models.MemoryRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.MemoryRecord
	for _, r := range s.records {
		if r.WorkerID == workerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func record(workerID, situation, action string, success bool, created time.Time) *models.MemoryRecord {
	return models.NewMemoryRecord(workerID, situation, action, "outcome", success, created)
}

func TestRetrievePrefersRelevantSuccesses(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &stubSource{records: []*models.MemoryRecord{
		record("w1", "fixed authentication token refresh bug", "rotated the signing key", true, base),
		record("w1", "debugged authentication middleware panic", "added nil session guard", true, base.Add(time.Minute)),
		record("w1", "billing export job crashed", "restarted the exporter", false, base.Add(2*time.Minute)),
	}}
	r := New(src)

	got := r.Retrieve(context.Background(), "w1", "authentication bug", DefaultOptions(2))
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	for _, rec := range got {
		if !rec.Success {
			t.Errorf("failure record outranked relevant successes: %s", rec.Situation)
		}
	}
	// Both auth records mention "authentication"; the first also matches
	// "bug", so it ranks first despite being older.
	if got[0].Situation != "fixed authentication token refresh bug" {
		t.Errorf("expected the two-token match first, got %q", got[0].Situation)
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &stubSource{}
	for i := 0; i < 8; i++ {
		src.records = append(src.records,
			record("w1", "deploy rollout check", "ran smoke suite", i%2 == 0, base.Add(time.Duration(i)*time.Second)))
	}
	r := New(src)

	first := r.Retrieve(context.Background(), "w1", "deploy check", DefaultOptions(5))
	for attempt := 0; attempt < 5; attempt++ {
		again := r.Retrieve(context.Background(), "w1", "deploy check", DefaultOptions(5))
		if len(again) != len(first) {
			t.Fatalf("result length changed between calls: %d vs %d", len(first), len(again))
		}
		for i := range again {
			if again[i].ID != first[i].ID {
				t.Fatalf("ordering changed between calls at position %d", i)
			}
		}
	}
}

func TestRetrieveEmptyQueryReturnsRecentSuccesses(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &stubSource{records: []*models.MemoryRecord{
		record("w1", "old success", "a", true, base),
		record("w1", "recent failure", "a", false, base.Add(2*time.Minute)),
		record("w1", "recent success", "a", true, base.Add(time.Minute)),
	}}
	r := New(src)

	got := r.Retrieve(context.Background(), "w1", "   ", DefaultOptions(1))
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Situation != "recent success" {
		t.Errorf("expected most recent success, got %q", got[0].Situation)
	}
}

func TestRetrieveUnknownWorkerIsEmpty(t *testing.T) {
	r := New(&stubSource{})
	got := r.Retrieve(context.Background(), "nobody", "anything", DefaultOptions(10))
	if len(got) != 0 {
		t.Errorf("expected empty result for unknown worker, got %d records", len(got))
	}
}

func TestRetrieveDegradesOnSourceFailure(t *testing.T) {
	r := New(&stubSource{err: errors.New("connection reset")})
	got := r.Retrieve(context.Background(), "w1", "anything", DefaultOptions(10))
	if len(got) != 0 {
		t.Errorf("expected empty result on source failure, got %d records", len(got))
	}
}

func TestRetrieveMinRelevanceCut(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &stubSource{records: []*models.MemoryRecord{
		record("w1", "database migration dry run", "checked schema diff", true, base),
		record("w1", "unrelated frontend tweak", "adjusted padding", true, base.Add(time.Minute)),
	}}
	r := New(src)

	opts := Options{Limit: 10, MinRelevance: 1.0, PreferSuccessful: true}
	got := r.Retrieve(context.Background(), "w1", "database migration", opts)
	if len(got) != 1 {
		t.Fatalf("expected 1 record above the cut, got %d", len(got))
	}
	if got[0].Situation != "database migration dry run" {
		t.Errorf("wrong record survived the cut: %q", got[0].Situation)
	}
}

type constantScorer struct{ value float64 }

func (c constantScorer) Score(query string, r *models.MemoryRecord, preferSuccessful bool) float64 {
	return c.value
}

func TestRetrieveCustomScorerTieBreaks(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &stubSource{records: []*models.MemoryRecord{
		record("w1", "alpha", "a", true, base),
		record("w1", "beta", "a", true, base.Add(time.Minute)),
	}}
	r := New(src).WithScorer(constantScorer{value: 1.0})

	got := r.Retrieve(context.Background(), "w1", "whatever", DefaultOptions(2))
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Situation != "beta" {
		t.Errorf("expected newer record first on score tie, got %q", got[0].Situation)
	}
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The quick, QUICK fix for the auth-bug!")
	want := []string{"quick", "fix", "auth", "bug"}
	if len(tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %v", len(want), tokens)
	}
	for _, w := range want {
		if !tokens[w] {
			t.Errorf("missing token %q in %v", w, tokens)
		}
	}
}
