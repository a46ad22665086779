// Package match selects the best worker for a work item by combining three
// signals: declared specialization, retrieved experience, and the worker's
// rolling performance score. The weights come from configuration so operators
// can rebalance without a rebuild.
package match

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/internal/retrieval"
	"github.com/jordanhubbard/weft/internal/telemetry"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

// ExperienceSource is the retrieval surface the matcher samples for the
// experience signal.
type ExperienceSource interface {
	Retrieve(ctx context.Context, workerID, query string, opts retrieval.Options) []*models.MemoryRecord
}

// Candidate is one scored worker, kept for score explanations.
type Candidate struct {
	WorkerID       string  `json:"worker_id"`
	Specialization float64 `json:"specialization"`
	Experience     float64 `json:"experience"`
	Performance    float64 `json:"performance"`
	Total          float64 `json:"total"`
}

// Matcher assigns work items to workers. It tracks an in-memory workload
// counter per worker so score ties break toward the less loaded worker.
type Matcher struct {
	directory  WorkerDirectory
	experience ExperienceSource
	m          *metrics.Metrics

	mu       sync.Mutex
	cfg      config.MatcherConfig
	workload map[string]int
}

// New creates a matcher.
func New(directory WorkerDirectory, experience ExperienceSource, cfg config.MatcherConfig) *Matcher {
	return &Matcher{
		directory:  directory,
		experience: experience,
		m:          metrics.NewMetrics(),
		cfg:        cfg,
		workload:   make(map[string]int),
	}
}

// SetWeights swaps the scoring weights at runtime (hot reload path).
func (m *Matcher) SetWeights(cfg config.MatcherConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Match scores every registered worker for the item and returns the winner.
// An empty candidate set is a *NoCandidateError; matching never silently
// drops an item.
func (m *Matcher) Match(ctx context.Context, item *models.WorkItem) (*models.Assignment, error) {
	if item == nil {
		return nil, &models.ValidationError{Field: "work_item", Reason: "work item is nil"}
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	workers, err := m.directory.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		m.m.MatchNoCandidate.Inc()
		return nil, &models.NoCandidateError{WorkItemID: item.ID}
	}

	candidates, err := m.Score(ctx, item, workers)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if m.workload[a.WorkerID] != m.workload[b.WorkerID] {
			return m.workload[a.WorkerID] < m.workload[b.WorkerID]
		}
		return a.WorkerID < b.WorkerID
	})
	winner := candidates[0]
	m.workload[winner.WorkerID]++
	m.mu.Unlock()

	m.m.MatchesTotal.WithLabelValues(winner.WorkerID).Inc()
	m.m.MatchScore.Observe(winner.Total)
	telemetry.MatchLatency.Record(ctx, float64(time.Since(started).Microseconds())/1000.0)

	return &models.Assignment{
		WorkItemID: item.ID,
		WorkerID:   winner.WorkerID,
		Score:      winner.Total,
	}, nil
}

// Score computes the per-signal breakdown for each worker. Exposed so the
// API can explain a match without committing to it.
func (m *Matcher) Score(ctx context.Context, item *models.WorkItem, workers []*models.WorkerProfile) ([]Candidate, error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	query := experienceQuery(item)
	candidates := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := Candidate{
			WorkerID:       w.WorkerID,
			Specialization: specializationScore(w, item.Topics),
			Experience:     m.experienceScore(ctx, w.WorkerID, query, cfg.ExperienceLimit),
			Performance:    w.AggregateScore,
		}
		c.Total = cfg.SpecializationWeight*c.Specialization +
			cfg.ExperienceWeight*c.Experience +
			cfg.PerformanceWeight*c.Performance
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// TaskCount reports the number of assignments handed to a worker since
// startup.
func (m *Matcher) TaskCount(workerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workload[workerID]
}

// specializationScore is the affinity-weighted fraction of the item's topics
// the worker declares. No declared topics on the item means the signal is
// neutral rather than zero.
func specializationScore(w *models.WorkerProfile, topics []string) float64 {
	if len(topics) == 0 {
		return 0.5
	}
	var sum float64
	for _, topic := range topics {
		sum += w.Specializations[strings.ToLower(topic)]
	}
	return sum / float64(len(topics))
}

// experienceScore samples up to limit relevant memories and normalizes the
// successful count with diminishing returns: the difference between zero and
// one prior success matters far more than between four and five.
func (m *Matcher) experienceScore(ctx context.Context, workerID, query string, limit int) float64 {
	if m.experience == nil || limit <= 0 {
		return 0
	}
	records := m.experience.Retrieve(ctx, workerID, query, retrieval.DefaultOptions(limit))
	successes := 0
	for _, r := range records {
		if r.Success {
			successes++
		}
	}
	return float64(successes) / float64(successes+1)
}

// maxExperienceQueryLen caps how much of the body feeds the experience
// query. Overlap scoring works on word sets, so the tail of a very long body
// adds little beyond this.
const maxExperienceQueryLen = 2048

// experienceQuery joins the item's title, topics, and body so history that
// only overlaps body terms still earns the experience signal.
func experienceQuery(item *models.WorkItem) string {
	parts := append([]string{item.Title}, item.Topics...)
	if body := item.Body; body != "" {
		if len(body) > maxExperienceQueryLen {
			body = body[:maxExperienceQueryLen]
		}
		parts = append(parts, body)
	}
	return strings.Join(parts, " ")
}
