package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/domain/progress"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

// Feed starts the external replication streams. Events come back through
// the loader's On* methods, on any goroutine.
type Feed interface {
	BeginDatablocks(seq uint64, missionPath string)
	BeginGhosts(seq uint64, missionPath string)
}

// DecalLoader loads a mission's decal file.
type DecalLoader interface {
	Exists(path string) bool
	Load(path string) error
}

// Lighter is the client's lighting coordinator.
type Lighter interface {
	Begin(onComplete func()) error
	Cancel()
}

// Loader is the client half of the mission handshake.
type Loader struct {
	mu       sync.Mutex
	sender   protocol.Sender
	sink     progress.Sink
	feed     Feed
	decals   DecalLoader
	lighting Lighter
	logger   zerolog.Logger

	seq         uint64
	missionPath string
	phase       mission.Phase
	acked       map[mission.Phase]bool

	datablocksReceived int
	datablocksTotal    int
	ghostCount         int
	ghostsReceived     int
	ghostCountKnown    bool

	handlers map[protocol.Type]func(ctx context.Context, msg protocol.Message) error
}

func New(
	sender protocol.Sender,
	sink progress.Sink,
	feed Feed,
	decals DecalLoader,
	lighting Lighter,
	logger zerolog.Logger,
) *Loader {
	l := &Loader{
		sender:   sender,
		sink:     progress.OrNop(sink),
		feed:     feed,
		decals:   decals,
		lighting: lighting,
		logger:   logger.With().Str("service", "loader").Logger(),
		acked:    make(map[mission.Phase]bool),
	}
	l.handlers = map[protocol.Type]func(ctx context.Context, msg protocol.Message) error{
		protocol.TypePhase1: func(ctx context.Context, m protocol.Message) error { return l.OnPhase1Start(ctx, m.Seq, m.MissionPath) },
		protocol.TypePhase2: func(ctx context.Context, m protocol.Message) error { return l.OnPhase2Start(ctx, m.Seq, m.MissionPath) },
		protocol.TypePhase3: func(ctx context.Context, m protocol.Message) error { return l.OnPhase3Start(ctx, m.Seq, m.MissionPath) },
		protocol.TypeStart:  func(ctx context.Context, m protocol.Message) error { return l.OnMissionStart(ctx, m.Seq) },
		protocol.TypeEnd:    func(ctx context.Context, m protocol.Message) error { return l.OnMissionEnd(ctx, m.Seq) },
	}
	return l
}

// Dispatch routes one inbound server message.
func (l *Loader) Dispatch(ctx context.Context, msg protocol.Message) error {
	handler, ok := l.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %s from server", protocol.ErrUnexpectedType, msg.Type)
	}
	return handler(ctx, msg)
}

// Sequence returns the newest adopted mission sequence.
func (l *Loader) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Phase returns the client's view of the handshake phase.
func (l *Loader) Phase() mission.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Status summarises client-side loading state.
type Status struct {
	Sequence           uint64 `json:"sequence"`
	MissionPath        string `json:"missionPath"`
	Phase              string `json:"phase"`
	DatablocksReceived int    `json:"datablocksReceived"`
	DatablocksTotal    int    `json:"datablocksTotal"`
	GhostsReceived     int    `json:"ghostsReceived"`
	GhostCount         int    `json:"ghostCount"`
}

func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Sequence:           l.seq,
		MissionPath:        l.missionPath,
		Phase:              l.phase.String(),
		DatablocksReceived: l.datablocksReceived,
		DatablocksTotal:    l.datablocksTotal,
		GhostsReceived:     l.ghostsReceived,
		GhostCount:         l.ghostCount,
	}
}

// OnPhase1Start adopts seq unconditionally and begins datablock loading.
func (l *Loader) OnPhase1Start(ctx context.Context, seq uint64, missionPath string) error {
	l.mu.Lock()
	l.resetLocked()
	l.seq = seq
	l.missionPath = missionPath
	l.phase = mission.PhaseDatablocks
	l.mu.Unlock()

	// lighting left over from a superseded mission must not ack
	if l.lighting != nil {
		l.lighting.Cancel()
	}
	l.logger.Info().Uint64("seq", seq).Str("mission", missionPath).Msg("phase 1 started")
	l.sink.SetPhase(progress.PhaseDatablocks)
	l.sink.SetProgress(0)
	if l.feed != nil {
		l.feed.BeginDatablocks(seq, missionPath)
	}
	return nil
}

// OnDatablockReceived reports index/total and acks phase 1 once everything
// arrived. Events from a stream of another sequence are dropped.
func (l *Loader) OnDatablockReceived(ctx context.Context, seq uint64, index, total int) error {
	l.mu.Lock()
	if seq != l.seq || l.phase != mission.PhaseDatablocks || l.acked[mission.PhaseDatablocks] {
		l.mu.Unlock()
		return nil
	}
	l.datablocksReceived = index
	l.datablocksTotal = total
	fraction := 1.0
	if total > 0 {
		fraction = float64(index) / float64(total)
	}
	done := index >= total
	l.mu.Unlock()

	l.sink.SetProgress(progress.Clamp(fraction))
	if !done {
		return nil
	}
	return l.ack(ctx, seq, mission.PhaseDatablocks)
}

// OnPhase2Start begins ghost loading.
func (l *Loader) OnPhase2Start(ctx context.Context, seq uint64, missionPath string) error {
	l.mu.Lock()
	l.adoptLocked(seq, missionPath)
	l.phase = mission.PhaseGhosts
	l.ghostCount, l.ghostsReceived, l.ghostCountKnown = 0, 0, false
	l.mu.Unlock()

	l.logger.Info().Uint64("seq", seq).Msg("phase 2 started")
	l.sink.SetPhase(progress.PhaseObjects)
	l.sink.SetProgress(0)
	if l.feed != nil {
		l.feed.BeginGhosts(seq, missionPath)
	}
	return nil
}

// OnGhostCountStarted records how many ghosts the server will replicate.
func (l *Loader) OnGhostCountStarted(ctx context.Context, seq uint64, count int) error {
	l.mu.Lock()
	if seq != l.seq || l.phase != mission.PhaseGhosts || l.acked[mission.PhaseGhosts] {
		l.mu.Unlock()
		return nil
	}
	l.ghostCount = count
	l.ghostCountKnown = true
	done := l.ghostsReceived >= count
	l.mu.Unlock()

	if !done {
		return nil
	}
	l.sink.SetProgress(1)
	return l.ack(ctx, seq, mission.PhaseGhosts)
}

// OnGhostReceived counts one replicated object and acks phase 2 when all arrived.
func (l *Loader) OnGhostReceived(ctx context.Context, seq uint64) error {
	l.mu.Lock()
	if seq != l.seq || l.phase != mission.PhaseGhosts || l.acked[mission.PhaseGhosts] {
		l.mu.Unlock()
		return nil
	}
	l.ghostsReceived++
	if !l.ghostCountKnown {
		l.mu.Unlock()
		return nil
	}
	fraction := 1.0
	if l.ghostCount > 0 {
		fraction = float64(l.ghostsReceived) / float64(l.ghostCount)
	}
	done := l.ghostsReceived >= l.ghostCount
	l.mu.Unlock()

	l.sink.SetProgress(progress.Clamp(fraction))
	if !done {
		return nil
	}
	return l.ack(ctx, seq, mission.PhaseGhosts)
}

// OnPhase3Start loads decals and hands off to lighting. The phase-3 ack is
// sent from the lighting completion callback.
func (l *Loader) OnPhase3Start(ctx context.Context, seq uint64, missionPath string) error {
	l.mu.Lock()
	l.adoptLocked(seq, missionPath)
	l.phase = mission.PhaseLighting
	path := l.missionPath
	l.mu.Unlock()

	l.logger.Info().Uint64("seq", seq).Msg("phase 3 started")
	l.sink.SetPhase(progress.PhaseLighting)
	l.sink.SetProgress(0)

	if l.decals != nil {
		decalPath := DecalPath(path)
		if decalPath != "" && l.decals.Exists(decalPath) {
			if err := l.decals.Load(decalPath); err != nil {
				l.logger.Warn().Err(err).Str("path", decalPath).Msg("failed to load decals")
			}
		}
	}

	if l.lighting == nil {
		return l.ack(ctx, seq, mission.PhaseLighting)
	}
	if err := l.lighting.Begin(func() {
		if err := l.ack(context.WithoutCancel(ctx), seq, mission.PhaseLighting); err != nil {
			l.logger.Warn().Err(err).Msg("failed to ack lighting")
		}
	}); err != nil {
		return fmt.Errorf("begin lighting: %w", err)
	}
	return nil
}

// OnMissionStart marks the handshake complete when seq is the tracked one.
func (l *Loader) OnMissionStart(ctx context.Context, seq uint64) error {
	l.mu.Lock()
	if seq != l.seq || l.phase == mission.PhaseNone {
		l.mu.Unlock()
		return nil
	}
	l.phase = mission.PhaseComplete
	l.mu.Unlock()

	l.logger.Info().Uint64("seq", seq).Msg("mission started")
	l.sink.Complete("")
	return nil
}

// OnMissionEnd tears down local state when seq is the tracked one.
func (l *Loader) OnMissionEnd(ctx context.Context, seq uint64) error {
	l.mu.Lock()
	if seq != l.seq {
		l.mu.Unlock()
		l.logger.Debug().Uint64("seq", seq).Msg("ignoring end of untracked mission")
		return nil
	}
	l.resetLocked()
	l.phase = mission.PhaseNone
	l.mu.Unlock()

	if l.lighting != nil {
		l.lighting.Cancel()
	}
	l.logger.Info().Uint64("seq", seq).Msg("mission ended")
	return nil
}

// Disconnect tears down regardless of sequence.
func (l *Loader) Disconnect() {
	l.mu.Lock()
	l.resetLocked()
	l.phase = mission.PhaseNone
	l.mu.Unlock()
	if l.lighting != nil {
		l.lighting.Cancel()
	}
}

// ack sends the phase acknowledgement once, and only while seq is still the
// tracked sequence.
func (l *Loader) ack(ctx context.Context, seq uint64, phase mission.Phase) error {
	l.mu.Lock()
	if seq != l.seq || l.phase != phase || l.acked[phase] {
		l.mu.Unlock()
		return nil
	}
	l.acked[phase] = true
	l.mu.Unlock()

	msg, err := protocol.Ack(seq, phase)
	if err != nil {
		return err
	}
	l.logger.Info().Uint64("seq", seq).Str("phase", phase.String()).Msg("phase acknowledged")
	if err := l.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (l *Loader) adoptLocked(seq uint64, missionPath string) {
	if seq != l.seq {
		l.logger.Debug().Uint64("from", l.seq).Uint64("to", seq).Msg("adopting newer sequence")
		l.acked = make(map[mission.Phase]bool)
	}
	l.seq = seq
	if missionPath != "" {
		l.missionPath = missionPath
	}
}

func (l *Loader) resetLocked() {
	l.acked = make(map[mission.Phase]bool)
	l.datablocksReceived, l.datablocksTotal = 0, 0
	l.ghostCount, l.ghostsReceived, l.ghostCountKnown = 0, 0, false
}

// DecalPath returns the decal file that accompanies a mission file.
func DecalPath(missionPath string) string {
	if missionPath == "" {
		return ""
	}
	return strings.TrimSuffix(missionPath, filepath.Ext(missionPath)) + ".decals"
}
