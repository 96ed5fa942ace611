package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

var ErrConnectionNotFound = errors.New("connection not found")

// Registry owns one Coordinator per connection. All coordinators share the
// process sequence allocator.
type Registry struct {
	mu           sync.RWMutex
	coordinators map[string]*Coordinator
	seq          *mission.SequenceAllocator
	ghosts       GhostActivator
	hooks        Hooks
	events       EventPublisher
	logger       zerolog.Logger
}

func NewRegistry(
	seq *mission.SequenceAllocator,
	ghosts GhostActivator,
	hooks Hooks,
	events EventPublisher,
	logger zerolog.Logger,
) *Registry {
	if seq == nil {
		seq = mission.NewSequenceAllocator()
	}
	return &Registry{
		coordinators: make(map[string]*Coordinator),
		seq:          seq,
		ghosts:       ghosts,
		hooks:        hooks,
		events:       events,
		logger:       logger,
	}
}

// Attach creates the coordinator for a newly connected client.
func (r *Registry) Attach(connectionID string, sender protocol.Sender) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.coordinators[connectionID]; ok {
		return nil, fmt.Errorf("connection %s already attached", connectionID)
	}
	c := New(connectionID, r.seq, sender, r.ghosts, r.hooks, r.events, r.logger)
	r.coordinators[connectionID] = c
	return c, nil
}

// Detach resets the connection's session and forgets it.
func (r *Registry) Detach(ctx context.Context, connectionID string) {
	r.mu.Lock()
	c, ok := r.coordinators[connectionID]
	delete(r.coordinators, connectionID)
	r.mu.Unlock()
	if ok {
		c.Disconnect(ctx)
	}
}

func (r *Registry) Get(connectionID string) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[connectionID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.coordinators)
}

// Sessions returns a snapshot of every attached session ordered by connection id.
func (r *Registry) Sessions() []mission.Session {
	out := make([]mission.Session, 0)
	for _, c := range r.list() {
		out = append(out, c.Session())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// CycleMission ends whatever is running on each connection and starts
// missionFile everywhere. Each connection gets its own sequence.
func (r *Registry) CycleMission(ctx context.Context, missionFile string) (int, error) {
	if missionFile == "" {
		return 0, mission.ErrEmptyMissionFile
	}
	var errs []error
	started := 0
	for _, c := range r.list() {
		if err := c.EndMission(ctx); err != nil && !errors.Is(err, mission.ErrNotRunning) {
			r.logger.Warn().Err(err).Str("connection_id", c.ConnectionID()).Msg("failed to end mission")
		}
		if _, err := c.StartMission(ctx, missionFile); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ConnectionID(), err))
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

func (r *Registry) list() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		out = append(out, c)
	}
	return out
}
