package progresslog

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/domain/progress"
)

// Sink reports loading progress as structured log lines. Progress is logged
// only when it crosses a new step so polls do not flood the log.
type Sink struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	steps    float64
	phase    string
	fraction float64
	lastStep float64
	done     bool
}

// New returns a sink that logs every 1/steps of progress.
func New(logger zerolog.Logger, steps int) *Sink {
	if steps <= 0 {
		steps = 10
	}
	return &Sink{
		logger:   logger.With().Str("service", "progress").Logger(),
		steps:    float64(steps),
		lastStep: -1,
	}
}

func (s *Sink) SetPhase(name string) {
	s.mu.Lock()
	s.phase = name
	s.fraction = 0
	s.lastStep = -1
	s.done = false
	s.mu.Unlock()
	s.logger.Info().Str("phase", name).Msg("loading phase")
}

func (s *Sink) SetProgress(fraction float64) {
	fraction = progress.Clamp(fraction)
	s.mu.Lock()
	s.fraction = fraction
	step := math.Floor(fraction * s.steps)
	if step <= s.lastStep {
		s.mu.Unlock()
		return
	}
	s.lastStep = step
	phase := s.phase
	s.mu.Unlock()
	s.logger.Info().Str("phase", phase).Float64("progress", fraction).Msg("loading")
}

func (s *Sink) Complete(text string) {
	s.mu.Lock()
	s.done = true
	s.fraction = 1
	phase := s.phase
	s.mu.Unlock()
	evt := s.logger.Info().Str("phase", phase)
	if text != "" {
		evt = evt.Str("text", text)
	}
	evt.Msg("loading complete")
}

// State reports the last phase, fraction and whether loading completed.
func (s *Sink) State() (string, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.fraction, s.done
}
