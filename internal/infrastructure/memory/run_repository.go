package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
)

// RunRepository keeps mission runs in process memory. Used when no database
// is configured.
type RunRepository struct {
	mu     sync.RWMutex
	nextID int64
	runs   map[uuid.UUID]*mission.Run
}

func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[uuid.UUID]*mission.Run)}
}

func (r *RunRepository) Create(_ context.Context, run *mission.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	run.ID = r.nextID
	cp := *run
	r.runs[run.RunID] = &cp
	return nil
}

func (r *RunRepository) MarkLoaded(_ context.Context, runID uuid.UUID, loadedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return mission.ErrRunNotFound
	}
	run.LoadedAt = &loadedAt
	return nil
}

func (r *RunRepository) Finish(_ context.Context, runID uuid.UUID, outcome mission.Outcome, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return mission.ErrRunNotFound
	}
	run.Outcome = outcome
	run.EndedAt = &endedAt
	return nil
}

func (r *RunRepository) Get(_ context.Context, runID uuid.UUID) (*mission.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

// List returns runs newest first.
func (r *RunRepository) List(_ context.Context, connectionID *string, limit, offset int) ([]*mission.Run, error) {
	r.mu.RLock()
	out := make([]*mission.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if connectionID != nil && run.ConnectionID != *connectionID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return []*mission.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
