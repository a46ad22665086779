package match

import (
	"context"
	"sort"
	"sync"

	"github.com/jordanhubbard/weft/pkg/models"
)

// WorkerDirectory lists the workers eligible for assignment. The engine never
// creates or removes workers; registration happens out of band.
type WorkerDirectory interface {
	ListWorkers(ctx context.Context) ([]*models.WorkerProfile, error)
}

// Directory is the in-process WorkerDirectory. Profiles are registered over
// the API and held in memory; they are operator state, not engine state.
type Directory struct {
	mu      sync.RWMutex
	workers map[string]*models.WorkerProfile
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{workers: make(map[string]*models.WorkerProfile)}
}

// Register validates and adds or replaces a worker profile.
func (d *Directory) Register(p *models.WorkerProfile) error {
	if p == nil {
		return &models.ValidationError{Field: "profile", Reason: "profile is nil"}
	}
	if err := p.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[p.WorkerID] = p
	return nil
}

// Get returns one profile, or nil when unknown.
func (d *Directory) Get(workerID string) *models.WorkerProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workers[workerID]
}

// ListWorkers returns all registered profiles in worker-id order.
func (d *Directory) ListWorkers(ctx context.Context) ([]*models.WorkerProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*models.WorkerProfile, 0, len(d.workers))
	for _, p := range d.workers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
