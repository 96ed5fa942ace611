package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/application/coordinator"
	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

// Config holds lobby settings.
type Config struct {
	MissionFile   string
	AutoStartRule string
}

// ConnectionView is a connection as shown to operators.
type ConnectionView struct {
	mission.Session
	Ghosting bool `json:"ghosting"`
}

// Service is the game layer. It owns the per-connection coordinators,
// records mission runs and decides when a new connection loads a mission.
type Service struct {
	registry *coordinator.Registry
	runs     mission.RunRepository
	events   coordinator.EventPublisher
	logger   zerolog.Logger

	mu          sync.RWMutex
	missionFile string
	rule        string
	ghosting    map[string]uint64
	active      map[string]activeRun
	onLoaded    []func(ctx context.Context, s mission.Session)
}

// activeRun ties a connection's running session to its history record.
type activeRun struct {
	seq   uint64
	runID uuid.UUID
}

// Option customises a Service.
type Option func(*Service)

// OnMissionLoaded registers fn to run once per completed handshake.
func OnMissionLoaded(fn func(ctx context.Context, s mission.Session)) Option {
	return func(s *Service) {
		s.onLoaded = append(s.onLoaded, fn)
	}
}

func NewService(
	runs mission.RunRepository,
	events coordinator.EventPublisher,
	cfg Config,
	logger zerolog.Logger,
	opts ...Option,
) (*Service, error) {
	if err := ValidateRule(cfg.AutoStartRule); err != nil {
		return nil, fmt.Errorf("invalid auto-start rule: %w", err)
	}
	s := &Service{
		runs:        runs,
		events:      events,
		logger:      logger.With().Str("service", "lobby").Logger(),
		missionFile: cfg.MissionFile,
		rule:        cfg.AutoStartRule,
		ghosting:    make(map[string]uint64),
		active:      make(map[string]activeRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = coordinator.NewRegistry(mission.NewSequenceAllocator(), s, s, events, logger)
	return s, nil
}

// Registry exposes the coordinators owned by the lobby.
func (s *Service) Registry() *coordinator.Registry {
	return s.registry
}

// MissionFile returns the mission new connections load.
func (s *Service) MissionFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.missionFile
}

// OnConnect attaches a new connection and starts the current mission when
// the auto-start rule allows it.
func (s *Service) OnConnect(ctx context.Context, connectionID string, sender protocol.Sender) (*coordinator.Coordinator, error) {
	c, err := s.registry.Attach(connectionID, sender)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("connection_id", connectionID).Msg("client connected")

	file := s.MissionFile()
	if file == "" {
		return c, nil
	}
	ok, err := s.shouldAutoStart(connectionID, file)
	if err != nil {
		s.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("auto-start rule failed")
		return c, nil
	}
	if !ok {
		return c, nil
	}
	if _, err := c.StartMission(ctx, file); err != nil {
		return c, fmt.Errorf("auto-start mission: %w", err)
	}
	return c, nil
}

// OnDisconnect tears down the connection's session.
func (s *Service) OnDisconnect(ctx context.Context, connectionID string) {
	s.registry.Detach(ctx, connectionID)
	s.mu.Lock()
	delete(s.ghosting, connectionID)
	s.mu.Unlock()
	s.logger.Info().Str("connection_id", connectionID).Msg("client disconnected")
}

// StartMission loads missionFile on one connection. An empty file means the
// lobby's current mission.
func (s *Service) StartMission(ctx context.Context, connectionID, missionFile string) (uint64, error) {
	c, err := s.registry.Get(connectionID)
	if err != nil {
		return 0, err
	}
	if missionFile == "" {
		missionFile = s.MissionFile()
	}
	return c.StartMission(ctx, missionFile)
}

// EndMission ends whatever mission the connection is running.
func (s *Service) EndMission(ctx context.Context, connectionID string) error {
	c, err := s.registry.Get(connectionID)
	if err != nil {
		return err
	}
	return c.EndMission(ctx)
}

// CycleMission makes missionFile the lobby's mission and reloads every connection.
func (s *Service) CycleMission(ctx context.Context, missionFile string) (int, error) {
	if missionFile == "" {
		return 0, mission.ErrEmptyMissionFile
	}
	s.mu.Lock()
	s.missionFile = missionFile
	s.mu.Unlock()
	s.logger.Info().Str("mission", missionFile).Msg("cycling mission")
	return s.registry.CycleMission(ctx, missionFile)
}

// Connections lists every attached connection.
func (s *Service) Connections() []ConnectionView {
	sessions := s.registry.Sessions()
	out := make([]ConnectionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.view(sess))
	}
	return out
}

// Connection returns one attached connection.
func (s *Service) Connection(connectionID string) (ConnectionView, error) {
	c, err := s.registry.Get(connectionID)
	if err != nil {
		return ConnectionView{}, err
	}
	return s.view(c.Session()), nil
}

// Runs lists recorded mission runs, newest first.
func (s *Service) Runs(ctx context.Context, connectionID *string, limit, offset int) ([]*mission.Run, error) {
	return s.runs.List(ctx, connectionID, limit, offset)
}

// ActivateGhosting marks the connection as in scope for object replication.
func (s *Service) ActivateGhosting(_ context.Context, connectionID string, seq uint64) error {
	s.mu.Lock()
	s.ghosting[connectionID] = seq
	s.mu.Unlock()
	s.logger.Debug().Str("connection_id", connectionID).Uint64("seq", seq).Msg("ghosting activated")
	return nil
}

func (s *Service) MissionStarted(ctx context.Context, sess mission.Session) {
	run := mission.NewRun(sess)
	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Error().Err(err).Uint64("seq", sess.Sequence).Msg("failed to record run")
		return
	}
	s.mu.Lock()
	s.active[sess.ConnectionID] = activeRun{seq: sess.Sequence, runID: run.RunID}
	s.mu.Unlock()
}

func (s *Service) MissionLoaded(ctx context.Context, sess mission.Session) {
	loadedAt := time.Now().UTC()
	if sess.CompletedAt != nil {
		loadedAt = *sess.CompletedAt
	}
	if runID, ok := s.runFor(sess, false); ok {
		if err := s.runs.MarkLoaded(ctx, runID, loadedAt); err != nil {
			s.logger.Error().Err(err).Uint64("seq", sess.Sequence).Msg("failed to mark run loaded")
		}
	}
	s.logger.Info().
		Str("connection_id", sess.ConnectionID).
		Uint64("seq", sess.Sequence).
		Str("mission", sess.MissionFile).
		Msg("client ready to enter mission")

	s.mu.RLock()
	listeners := append([]func(context.Context, mission.Session){}, s.onLoaded...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, sess)
	}
}

func (s *Service) MissionEnded(ctx context.Context, sess mission.Session, outcome mission.Outcome) {
	s.mu.Lock()
	if s.ghosting[sess.ConnectionID] == sess.Sequence {
		delete(s.ghosting, sess.ConnectionID)
	}
	s.mu.Unlock()

	if outcome == mission.OutcomeEnded && sess.Phase == mission.PhaseComplete {
		outcome = mission.OutcomeCompleted
	}
	runID, ok := s.runFor(sess, true)
	if !ok {
		return
	}
	err := s.runs.Finish(ctx, runID, outcome, time.Now().UTC())
	if err != nil && !errors.Is(err, mission.ErrRunNotFound) {
		s.logger.Error().Err(err).Uint64("seq", sess.Sequence).Msg("failed to finish run")
	}
}

// runFor returns the history record of sess, dropping it when release is set.
func (s *Service) runFor(sess mission.Session, release bool) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[sess.ConnectionID]
	if !ok || run.seq != sess.Sequence {
		return uuid.Nil, false
	}
	if release {
		delete(s.active, sess.ConnectionID)
	}
	return run.runID, true
}

func (s *Service) shouldAutoStart(connectionID, file string) (bool, error) {
	s.mu.RLock()
	rule := s.rule
	s.mu.RUnlock()
	params := map[string]interface{}{
		"connections":   float64(s.registry.Count()),
		"mission":       file,
		"connection_id": connectionID,
	}
	return EvaluateRule(rule, params)
}

func (s *Service) view(sess mission.Session) ConnectionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.ghosting[sess.ConnectionID]
	return ConnectionView{Session: sess, Ghosting: ok && sess.Running && seq == sess.Sequence}
}
