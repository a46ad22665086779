// Package retrieval ranks a worker's stored memories against a free-text
// query. Scoring is deliberately transparent (token overlap plus a success
// multiplier and a manual prior) rather than embedding-based; the Scorer
// interface keeps the function swappable without changing the contract.
package retrieval

import (
	"context"
	"log"
	"sort"
	"strings"
	"unicode"

	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/pkg/models"
)

// RecordSource is the read side of the memory store the retriever needs.
type RecordSource interface {
	ListByWorker(ctx context.Context, workerID string, limit int) ([]*models.MemoryRecord, error)
}

// Scorer computes the relevance of one record for a query.
type Scorer interface {
	Score(query string, r *models.MemoryRecord, preferSuccessful bool) float64
}

// Options tune one retrieval call.
type Options struct {
	Limit            int
	MinRelevance     float64
	PreferSuccessful bool
}

// DefaultOptions mirror the retrieval contract's defaults.
func DefaultOptions(limit int) Options {
	return Options{Limit: limit, MinRelevance: 0.0, PreferSuccessful: true}
}

// Retriever ranks memories for a worker. It is a pure read path and safe
// for unlimited concurrency.
type Retriever struct {
	source RecordSource
	scorer Scorer
	m      *metrics.Metrics
}

// New creates a retriever with the default token-overlap scorer.
func New(source RecordSource) *Retriever {
	return &Retriever{
		source: source,
		scorer: NewOverlapScorer(),
		m:      metrics.NewMetrics(),
	}
}

// WithScorer swaps the scoring function.
func (r *Retriever) WithScorer(s Scorer) *Retriever {
	r.scorer = s
	return r
}

// Retrieve returns up to opts.Limit records for the worker, ranked by the
// composite score. An empty query falls back to the most recent successful
// records. A transient store failure degrades to an empty result, treated
// as "no relevant history" rather than an error.
func (r *Retriever) Retrieve(ctx context.Context, workerID, query string, opts Options) []*models.MemoryRecord {
	r.m.RetrievalQueries.Inc()
	if opts.Limit <= 0 {
		return nil
	}

	records, err := r.source.ListByWorker(ctx, workerID, 0)
	if err != nil {
		log.Printf("[Retrieval] Store read for %s failed, degrading to empty: %v", workerID, err)
		r.m.RetrievalDegraded.Inc()
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	if strings.TrimSpace(query) == "" {
		return mostRecentSuccessful(records, opts.Limit)
	}

	type scored struct {
		record *models.MemoryRecord
		score  float64
	}
	candidates := make([]scored, 0, len(records))
	for _, rec := range records {
		score := r.scorer.Score(query, rec, opts.PreferSuccessful)
		if score < opts.MinRelevance {
			continue
		}
		candidates = append(candidates, scored{record: rec, score: score})
	}

	// Higher score first; ties newer first, then lexicographic id so the
	// ordering is fully deterministic for a fixed store snapshot.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		a, b := candidates[i].record, candidates[j].record
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	result := make([]*models.MemoryRecord, len(candidates))
	for i, c := range candidates {
		result[i] = c.record
	}
	return result
}

func mostRecentSuccessful(records []*models.MemoryRecord, limit int) []*models.MemoryRecord {
	successful := make([]*models.MemoryRecord, 0, len(records))
	for _, rec := range records {
		if rec.Success {
			successful = append(successful, rec)
		}
	}
	sort.Slice(successful, func(i, j int) bool {
		if !successful[i].CreatedAt.Equal(successful[j].CreatedAt) {
			return successful[i].CreatedAt.After(successful[j].CreatedAt)
		}
		return successful[i].ID < successful[j].ID
	})
	if len(successful) > limit {
		successful = successful[:limit]
	}
	return successful
}

// stopWords are excluded from token sets. The list is intentionally small;
// retrieval quality is not the point, determinism and transparency are.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"were": true, "with": true,
}

// OverlapScorer is the default scorer: token-overlap count, doubled for
// successful records when preferred, plus the record's relevance prior.
type OverlapScorer struct{}

// NewOverlapScorer returns the default scorer.
func NewOverlapScorer() *OverlapScorer {
	return &OverlapScorer{}
}

// Score implements Scorer.
func (o *OverlapScorer) Score(query string, r *models.MemoryRecord, preferSuccessful bool) float64 {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return r.RelevancePrior
	}
	recordTokens := Tokenize(r.Situation + " " + r.Action)

	overlap := 0
	for tok := range queryTokens {
		if recordTokens[tok] {
			overlap++
		}
	}

	score := float64(overlap)
	if preferSuccessful && r.Success {
		score *= 2
	}
	return score + r.RelevancePrior
}

// Tokenize lowercases text and splits it into a word set, dropping stop
// words.
func Tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if stopWords[f] {
			continue
		}
		tokens[f] = true
	}
	return tokens
}
