package lighting

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/domain/progress"
)

const DefaultPollInterval = 250 * time.Millisecond

var ErrAlreadyActive = errors.New("lighting build already active")

// Builder is the external scene-lighting subsystem. Start must not block;
// onComplete fires once when the build finishes, on any goroutine.
type Builder interface {
	Start(onComplete func()) error
	Progress() float64
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "IDLE"
}

// Job is the observable state of the current build.
type Job struct {
	Progress float64 `json:"progress"`
	Active   bool    `json:"active"`
}

// Coordinator owns the lighting build of one client and its progress poll.
type Coordinator struct {
	mu         sync.Mutex
	builder    Builder
	sink       progress.Sink
	sched      Scheduler
	interval   time.Duration
	state      State
	generation uint64
	timer      Timer
	job        Job
	onComplete func()
	logger     zerolog.Logger
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) {
		c.sched = s
	}
}

func New(builder Builder, sink progress.Sink, interval time.Duration, logger zerolog.Logger, opts ...Option) *Coordinator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	c := &Coordinator{
		builder:  builder,
		sink:     progress.OrNop(sink),
		sched:    clockScheduler{},
		interval: interval,
		logger:   logger.With().Str("service", "lighting").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin starts the external build and the progress poll. onComplete runs
// once, after polling has stopped, unless the build is cancelled first.
func (c *Coordinator) Begin(onComplete func()) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.generation++
	gen := c.generation
	c.state = StateActive
	c.job = Job{Progress: 0, Active: true}
	c.onComplete = onComplete
	c.mu.Unlock()

	c.logger.Info().Uint64("generation", gen).Msg("lighting started")
	if err := c.builder.Start(func() { c.complete(gen) }); err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.reset()
		}
		c.mu.Unlock()
		return fmt.Errorf("start lighting: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen && c.state == StateActive {
		c.scheduleLocked(gen)
	}
	return nil
}

// Cancel stops polling. The external build is left to finish on its own and
// its completion is ignored.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	c.generation++
	c.reset()
	c.logger.Info().Msg("lighting cancelled")
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Job() Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

func (c *Coordinator) poll(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.state != StateActive {
		return
	}
	c.job.Progress = progress.Clamp(c.builder.Progress())
	c.sink.SetProgress(c.job.Progress)
	c.scheduleLocked(gen)
}

func (c *Coordinator) complete(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || c.state != StateActive {
		c.mu.Unlock()
		c.logger.Debug().Uint64("generation", gen).Msg("ignoring completion of superseded build")
		return
	}
	done := c.onComplete
	c.reset()
	c.job.Progress = 1
	c.sink.SetProgress(1)
	c.mu.Unlock()

	c.logger.Info().Uint64("generation", gen).Msg("lighting complete")
	if done != nil {
		done()
	}
}

func (c *Coordinator) scheduleLocked(gen uint64) {
	c.timer = c.sched.AfterFunc(c.interval, func() { c.poll(gen) })
}

func (c *Coordinator) reset() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateIdle
	c.job.Active = false
	c.onComplete = nil
}
