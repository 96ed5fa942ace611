package mission

import (
	"errors"
	"sync/atomic"
	"time"
)

// Phase represents the handshake phase of a mission session.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseDatablocks
	PhaseGhosts
	PhaseLighting
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseDatablocks:
		return "PHASE_1"
	case PhaseGhosts:
		return "PHASE_2"
	case PhaseLighting:
		return "PHASE_3"
	case PhaseComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// IsHandshake reports whether p is one of the three announced phases.
func (p Phase) IsHandshake() bool {
	return p >= PhaseDatablocks && p <= PhaseLighting
}

var (
	ErrAlreadyRunning    = errors.New("mission already running for connection")
	ErrNotRunning        = errors.New("no mission running for connection")
	ErrInvalidTransition = errors.New("invalid mission phase transition")
	ErrEmptyMissionFile  = errors.New("mission file is required")
)

// Session is the per-connection handshake state.
type Session struct {
	ConnectionID string     `json:"connectionId"`
	MissionFile  string     `json:"missionFile,omitempty"`
	Sequence     uint64     `json:"sequence"`
	Phase        Phase      `json:"phase"`
	PhaseName    string     `json:"phaseName"`
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// NewSession creates an idle session bound to a connection.
func NewSession(connectionID string) *Session {
	return &Session{ConnectionID: connectionID, Phase: PhaseNone, PhaseName: PhaseNone.String()}
}

// CanTransitionTo validates phase transition.
func (s *Session) CanTransitionTo(target Phase) bool {
	transitions := map[Phase][]Phase{
		PhaseNone:       {PhaseDatablocks},
		PhaseDatablocks: {PhaseGhosts, PhaseNone},
		PhaseGhosts:     {PhaseLighting, PhaseNone},
		PhaseLighting:   {PhaseComplete, PhaseNone},
		PhaseComplete:   {PhaseNone},
	}
	for _, p := range transitions[s.Phase] {
		if p == target {
			return true
		}
	}
	return false
}

// Begin starts a new handshake at phase 1 with the given sequence.
func (s *Session) Begin(missionFile string, seq uint64, now time.Time) error {
	if s.Running {
		return ErrAlreadyRunning
	}
	if missionFile == "" {
		return ErrEmptyMissionFile
	}
	if !s.CanTransitionTo(PhaseDatablocks) {
		return ErrInvalidTransition
	}
	s.MissionFile = missionFile
	s.Sequence = seq
	s.setPhase(PhaseDatablocks)
	s.Running = true
	s.StartedAt = &now
	s.CompletedAt = nil
	return nil
}

// Accepts reports whether an ack for (seq, phase) matches current state exactly.
func (s *Session) Accepts(seq uint64, phase Phase) bool {
	return s.Running && s.Sequence == seq && s.Phase == phase && phase.IsHandshake()
}

// Advance moves the session one phase forward.
func (s *Session) Advance(now time.Time) error {
	if !s.Running {
		return ErrNotRunning
	}
	next := s.Phase + 1
	if !s.Phase.IsHandshake() || !s.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	s.setPhase(next)
	if next == PhaseComplete {
		s.CompletedAt = &now
	}
	return nil
}

// Reset ends the session. The sequence is kept so late acks can be recognised as stale.
func (s *Session) Reset() {
	s.Running = false
	s.setPhase(PhaseNone)
}

// IsComplete reports whether the handshake has finished.
func (s Session) IsComplete() bool {
	return s.Running && s.Phase == PhaseComplete
}

// Snapshot returns a copy safe to hand out of a lock.
func (s Session) Snapshot() Session {
	return s
}

func (s *Session) setPhase(p Phase) {
	s.Phase = p
	s.PhaseName = p.String()
}

// SequenceAllocator hands out strictly increasing mission sequence numbers.
// One allocator is shared by every connection of a server process.
type SequenceAllocator struct {
	last atomic.Uint64
}

func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{}
}

// Next returns the previous value plus one. Values are never reused.
func (a *SequenceAllocator) Next() uint64 {
	return a.last.Add(1)
}

// Last returns the most recently allocated sequence, or zero.
func (a *SequenceAllocator) Last() uint64 {
	return a.last.Load()
}
