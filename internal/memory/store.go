// Package memory is the durable, queryable log of (worker, situation,
// action, outcome) records. It validates before any side effect, serializes
// writers per record id, and keeps the optional Redis id-index in sync.
package memory

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/jordanhubbard/weft/internal/database"
	"github.com/jordanhubbard/weft/internal/keylock"
	"github.com/jordanhubbard/weft/internal/memindex"
	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/pkg/models"
)

// Store persists memory records. Writes are append-or-overwrite by id with
// single-record atomicity.
type Store struct {
	db    *database.Database
	index *memindex.Index // nil when Redis is not configured
	m     *metrics.Metrics
	locks *keylock.KeyLock
	now   func() time.Time
}

// New creates a memory store. index may be nil.
func New(db *database.Database, index *memindex.Index) *Store {
	return &Store{
		db:    db,
		index: index,
		m:     metrics.NewMetrics(),
		locks: keylock.New(),
		now:   time.Now,
	}
}

// Store persists a record. Validation failures surface as *ValidationError
// before any side effect. Same-id writes overwrite (idempotent re-insertion).
func (s *Store) Store(ctx context.Context, r *models.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil {
		return &models.ValidationError{Field: "record", Reason: "record is nil"}
	}
	if err := r.Validate(); err != nil {
		return err
	}

	s.locks.Lock(r.ID)
	defer s.locks.Unlock(r.ID)

	if err := s.db.UpsertMemory(r); err != nil {
		s.m.MemoryWriteErrors.Inc()
		return err
	}
	s.m.MemoriesStored.WithLabelValues(string(r.Class)).Inc()

	// Index maintenance is best-effort: the durable store is the source of
	// truth and retrieval falls back to it.
	if s.index != nil {
		if err := s.index.Add(ctx, r.WorkerID, r.ID, r.CreatedAt); err != nil {
			log.Printf("[Memory] Index add for %s failed: %v", r.ID, err)
		}
	}
	return nil
}

// Get returns one record by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.GetMemory(id)
}

// ListByWorker returns a worker's live records, newest first. The Redis
// index is consulted first; any index trouble falls back to a direct scan.
func (s *Store) ListByWorker(ctx context.Context, workerID string, limit int) ([]*models.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.index != nil {
		ids, err := s.index.MemoryIDs(ctx, workerID, limit)
		if err == nil && len(ids) > 0 {
			records, err := s.db.GetMemoriesByID(ids)
			if err == nil {
				return orderNewestFirst(records, s.now()), nil
			}
			log.Printf("[Memory] Indexed load for %s failed, falling back: %v", workerID, err)
		} else if err != nil {
			log.Printf("[Memory] Index read for %s failed, falling back: %v", workerID, err)
		}
	}

	return s.db.ListMemoriesByWorker(workerID, limit)
}

// Prune deletes expired ephemeral records and returns the count removed.
// Each candidate is re-checked under its id lock so a concurrent overwrite
// that refreshed the record wins.
func (s *Store) Prune(ctx context.Context) (int, error) {
	now := s.now()
	refs, err := s.db.ListExpiredMemories(now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		s.locks.Lock(ref.ID)
		deleted, err := s.db.DeleteMemoryIfExpired(ref.ID, now)
		s.locks.Unlock(ref.ID)
		if err != nil {
			return removed, err
		}
		if !deleted {
			continue
		}
		removed++
		if s.index != nil {
			if err := s.index.Remove(ctx, ref.WorkerID, ref.ID); err != nil {
				log.Printf("[Memory] Index remove for %s failed: %v", ref.ID, err)
			}
		}
	}

	if removed > 0 {
		s.m.MemoriesPruned.Add(float64(removed))
	}
	return removed, nil
}

// Stats returns record count and success ratio for a worker.
func (s *Store) Stats(ctx context.Context, workerID string) (*models.MemoryStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.MemoryStatsForWorker(workerID)
}

// orderNewestFirst sorts records newest first (ties by id) and drops
// records that expired between indexing and loading.
func orderNewestFirst(records []*models.MemoryRecord, now time.Time) []*models.MemoryRecord {
	live := make([]*models.MemoryRecord, 0, len(records))
	for _, r := range records {
		if r.Expired(now) {
			continue
		}
		live = append(live, r)
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.After(live[j].CreatedAt)
		}
		return live[i].ID < live[j].ID
	})
	return live
}
