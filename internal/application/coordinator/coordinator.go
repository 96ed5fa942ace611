package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

// GhostActivator starts entity replication for a connection once its
// datablocks are acknowledged. It must not call back into the coordinator.
type GhostActivator interface {
	ActivateGhosting(ctx context.Context, connectionID string, seq uint64) error
}

// Hooks is the game layer's view of session lifecycle.
type Hooks interface {
	MissionStarted(ctx context.Context, s mission.Session)
	MissionLoaded(ctx context.Context, s mission.Session)
	MissionEnded(ctx context.Context, s mission.Session, outcome mission.Outcome)
}

// EventPublisher fans lifecycle events out to observers.
type EventPublisher interface {
	Publish(evt *mission.Event)
}

// Coordinator drives the mission handshake for one connection.
//
// sendMu is taken before mu by every operation that sends, so messages leave
// in the order the session changed while readers of mu never wait on the
// channel.
type Coordinator struct {
	sendMu  sync.Mutex
	mu      sync.Mutex
	session *mission.Session
	seq     *mission.SequenceAllocator
	sender  protocol.Sender
	ghosts  GhostActivator
	hooks   Hooks
	events  EventPublisher
	now     func() time.Time
	logger  zerolog.Logger

	ackHandlers map[protocol.Type]func(ctx context.Context, seq uint64) error
}

// New creates a coordinator bound to one connection's command channel.
func New(
	connectionID string,
	seq *mission.SequenceAllocator,
	sender protocol.Sender,
	ghosts GhostActivator,
	hooks Hooks,
	events EventPublisher,
	logger zerolog.Logger,
) *Coordinator {
	if ghosts == nil {
		ghosts = nopGhosts{}
	}
	if hooks == nil {
		hooks = nopHooks{}
	}
	if events == nil {
		events = nopEvents{}
	}
	c := &Coordinator{
		session: mission.NewSession(connectionID),
		seq:     seq,
		sender:  sender,
		ghosts:  ghosts,
		hooks:   hooks,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
		logger: logger.With().
			Str("service", "coordinator").
			Str("connection_id", connectionID).
			Logger(),
	}
	c.ackHandlers = map[protocol.Type]func(ctx context.Context, seq uint64) error{
		protocol.TypePhase1Ack: func(ctx context.Context, seq uint64) error {
			return c.OnPhaseAck(ctx, seq, mission.PhaseDatablocks)
		},
		protocol.TypePhase2Ack: func(ctx context.Context, seq uint64) error {
			return c.OnPhaseAck(ctx, seq, mission.PhaseGhosts)
		},
		protocol.TypePhase3Ack: func(ctx context.Context, seq uint64) error {
			return c.OnPhaseAck(ctx, seq, mission.PhaseLighting)
		},
	}
	return c
}

// ConnectionID returns the owning connection.
func (c *Coordinator) ConnectionID() string {
	return c.session.ConnectionID
}

// Session returns a snapshot of the current session state.
func (c *Coordinator) Session() mission.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// StartMission allocates a fresh sequence and announces phase 1.
func (c *Coordinator) StartMission(ctx context.Context, missionFile string) (uint64, error) {
	c.sendMu.Lock()
	c.mu.Lock()
	if c.session.Running {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return 0, mission.ErrAlreadyRunning
	}
	if missionFile == "" {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return 0, mission.ErrEmptyMissionFile
	}
	seq := c.seq.Next()
	if err := c.session.Begin(missionFile, seq, c.now()); err != nil {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return 0, err
	}
	snap := c.session.Snapshot()
	c.mu.Unlock()
	sendErr := c.announce(ctx, snap)
	c.sendMu.Unlock()

	c.logger.Info().
		Uint64("seq", seq).
		Str("mission", missionFile).
		Msg("mission started")
	c.events.Publish(mission.NewEvent(mission.EventStarted, snap))
	c.hooks.MissionStarted(ctx, snap)
	return seq, sendErr
}

// OnPhaseAck validates an acknowledgement and advances the handshake.
// Acks that do not match the current (sequence, phase) are dropped without error.
func (c *Coordinator) OnPhaseAck(ctx context.Context, seq uint64, phase mission.Phase) error {
	c.sendMu.Lock()
	c.mu.Lock()
	if !c.session.Accepts(seq, phase) {
		snap := c.session.Snapshot()
		c.mu.Unlock()
		c.sendMu.Unlock()
		c.logger.Debug().
			Uint64("ack_seq", seq).
			Str("ack_phase", phase.String()).
			Uint64("seq", snap.Sequence).
			Str("phase", snap.Phase.String()).
			Bool("running", snap.Running).
			Msg("stale ack dropped")
		evt := mission.NewEvent(mission.EventAckDropped, snap)
		evt.Detail = fmt.Sprintf("ack seq=%d phase=%s", seq, phase)
		c.events.Publish(evt)
		return nil
	}

	if phase == mission.PhaseDatablocks {
		if err := c.ghosts.ActivateGhosting(ctx, c.session.ConnectionID, seq); err != nil {
			c.logger.Warn().Err(err).Uint64("seq", seq).Msg("failed to activate ghosting")
		}
	}
	if err := c.session.Advance(c.now()); err != nil {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return err
	}
	snap := c.session.Snapshot()
	c.mu.Unlock()

	var sendErr error
	if snap.Phase == mission.PhaseComplete {
		sendErr = c.send(ctx, protocol.Start(snap.Sequence))
	} else {
		sendErr = c.announce(ctx, snap)
	}
	c.sendMu.Unlock()

	c.logger.Info().
		Uint64("seq", snap.Sequence).
		Str("acked", phase.String()).
		Str("phase", snap.Phase.String()).
		Msg("phase acknowledged")

	if snap.Phase == mission.PhaseComplete {
		c.events.Publish(mission.NewEvent(mission.EventCompleted, snap))
		c.hooks.MissionLoaded(ctx, snap)
	} else {
		c.events.Publish(mission.NewEvent(mission.EventPhase, snap))
	}
	return sendErr
}

// EndMission resets the session at any point of the handshake and tells the
// client to tear down. Outstanding acks become stale.
func (c *Coordinator) EndMission(ctx context.Context) error {
	c.sendMu.Lock()
	c.mu.Lock()
	if !c.session.Running {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return mission.ErrNotRunning
	}
	ended := c.session.Snapshot()
	c.session.Reset()
	c.mu.Unlock()
	sendErr := c.send(ctx, protocol.End(ended.Sequence))
	c.sendMu.Unlock()

	c.finish(ctx, ended, mission.OutcomeEnded)
	return sendErr
}

// Disconnect resets the session without sending; the channel is gone.
func (c *Coordinator) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if !c.session.Running {
		c.mu.Unlock()
		return
	}
	ended := c.session.Snapshot()
	c.session.Reset()
	c.mu.Unlock()

	c.finish(ctx, ended, mission.OutcomeDisconnected)
}

// Dispatch routes one inbound client message.
func (c *Coordinator) Dispatch(ctx context.Context, msg protocol.Message) error {
	handler, ok := c.ackHandlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %s from client", protocol.ErrUnexpectedType, msg.Type)
	}
	return handler(ctx, msg.Seq)
}

func (c *Coordinator) finish(ctx context.Context, ended mission.Session, outcome mission.Outcome) {
	c.logger.Info().
		Uint64("seq", ended.Sequence).
		Str("phase", ended.Phase.String()).
		Str("outcome", string(outcome)).
		Msg("mission ended")
	evt := mission.NewEvent(mission.EventEnded, ended)
	evt.Detail = string(outcome)
	c.events.Publish(evt)
	c.hooks.MissionEnded(ctx, ended, outcome)
}

func (c *Coordinator) announce(ctx context.Context, s mission.Session) error {
	msg, err := protocol.Announcement(s.Sequence, s.Phase, s.MissionFile)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

func (c *Coordinator) send(ctx context.Context, msg protocol.Message) error {
	if err := c.sender.Send(ctx, msg); err != nil {
		c.logger.Warn().Err(err).Str("message", msg.String()).Msg("failed to send")
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

type nopGhosts struct{}

func (nopGhosts) ActivateGhosting(context.Context, string, uint64) error { return nil }

type nopHooks struct{}

func (nopHooks) MissionStarted(context.Context, mission.Session)                {}
func (nopHooks) MissionLoaded(context.Context, mission.Session)                 {}
func (nopHooks) MissionEnded(context.Context, mission.Session, mission.Outcome) {}

type nopEvents struct{}

func (nopEvents) Publish(*mission.Event) {}
