package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/mission-sync/mission-sync/internal/api/http"
	"github.com/mission-sync/mission-sync/internal/application/lighting"
	"github.com/mission-sync/mission-sync/internal/application/loader"
	"github.com/mission-sync/mission-sync/internal/application/lobby"
	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/domain/progress"
	"github.com/mission-sync/mission-sync/internal/infrastructure/memory"
	"github.com/mission-sync/mission-sync/internal/infrastructure/simfeed"
	"github.com/mission-sync/mission-sync/internal/infrastructure/sse"
	"github.com/mission-sync/mission-sync/internal/infrastructure/wschannel"
)

const testMission = "levels/test.mis"

// recordingSink keeps every progress report, per phase.
type recordingSink struct {
	mu        sync.Mutex
	phase     string
	phases    []string
	progress  map[string][]float64
	completed int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{progress: map[string][]float64{}}
}

func (s *recordingSink) SetPhase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = name
	s.phases = append(s.phases, name)
}

func (s *recordingSink) SetProgress(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[s.phase] = append(s.progress[s.phase], f)
}

func (s *recordingSink) Complete(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}

func (s *recordingSink) reports(phase string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.progress[phase]...)
}

func (s *recordingSink) phaseNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.phases...)
}

func (s *recordingSink) completions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// gatedBuilder is a lighting build that finishes only when told to.
type gatedBuilder struct {
	mu       sync.Mutex
	progress float64
	pending  []func()
}

func (b *gatedBuilder) Start(onComplete func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = 0
	b.pending = append(b.pending, onComplete)
	return nil
}

func (b *gatedBuilder) Progress() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

func (b *gatedBuilder) set(p float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = p
}

func (b *gatedBuilder) finishAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, cb := range pending {
		cb()
	}
}

type harness struct {
	lobby   *lobby.Service
	loader  *loader.Loader
	lighter *lighting.Coordinator
	builder *gatedBuilder
	sink    *recordingSink
	feed    *simfeed.Feed
	loaded  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	logger := zerolog.Nop()

	hub := sse.NewHub()
	svc, err := lobby.NewService(memory.NewRunRepository(), hub, lobby.Config{MissionFile: testMission}, logger,
		lobby.OnMissionLoaded(func(context.Context, mission.Session) { h.loaded.Add(1) }))
	require.NoError(t, err)
	h.lobby = svc
	srv := httptest.NewServer(httpapi.NewServer(svc, hub, wschannel.Config{}, "", logger).Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := wschannel.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil, wschannel.Config{}, logger)
	require.NoError(t, err)

	h.sink = newRecordingSink()
	h.builder = &gatedBuilder{}
	h.feed = simfeed.NewFeed(simfeed.FeedConfig{Datablocks: 10, Ghosts: 20}, logger)
	h.lighter = lighting.New(h.builder, h.sink, 5*time.Millisecond, logger)
	h.loader = loader.New(conn, h.sink, h.feed, nil, h.lighter, logger)
	h.feed.Bind(h.loader)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.ReadLoop(ctx, h.loader.Dispatch)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.feed.Stop()
		h.loader.Disconnect()
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, phase mission.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.loader.Phase() == phase }, 5*time.Second, 5*time.Millisecond,
		"client never reached %s", phase)
}

func (h *harness) serverSession(t *testing.T) mission.Session {
	t.Helper()
	views := h.lobby.Connections()
	require.Len(t, views, 1)
	return views[0].Session
}

func TestEndToEndMissionLoad(t *testing.T) {
	h := newHarness(t)

	h.waitPhase(t, mission.PhaseLighting)
	require.Eventually(t, func() bool { return h.lighter.State() == lighting.StateActive }, 5*time.Second, 5*time.Millisecond)
	status := h.loader.Status()
	assert.Equal(t, 10, status.DatablocksReceived)
	assert.Equal(t, 20, status.GhostsReceived)

	sess := h.serverSession(t)
	assert.Equal(t, mission.PhaseLighting, sess.Phase)
	assert.Equal(t, h.loader.Sequence(), sess.Sequence)

	h.builder.set(0.5)
	require.Eventually(t, func() bool {
		r := h.sink.reports(progress.PhaseLighting)
		return len(r) > 0 && r[len(r)-1] == 0.5
	}, 5*time.Second, 5*time.Millisecond)

	h.builder.finishAll()
	h.waitPhase(t, mission.PhaseComplete)
	require.Eventually(t, func() bool { return h.serverSession(t).IsComplete() }, 5*time.Second, 5*time.Millisecond)

	lightingReports := h.sink.reports(progress.PhaseLighting)
	assert.Equal(t, 0.0, lightingReports[0])
	assert.Equal(t, 1.0, lightingReports[len(lightingReports)-1])
	for i := 1; i < len(lightingReports); i++ {
		assert.GreaterOrEqual(t, lightingReports[i], lightingReports[i-1])
	}
	assert.Equal(t, []string{progress.PhaseDatablocks, progress.PhaseObjects, progress.PhaseLighting}, h.sink.phaseNames())
	assert.Equal(t, 1, h.sink.completions())

	// the game layer hears about the load exactly once
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.loaded.Load())
}

func TestEndDuringLightingStopsPolling(t *testing.T) {
	h := newHarness(t)

	h.waitPhase(t, mission.PhaseLighting)
	require.Eventually(t, func() bool { return h.lighter.State() == lighting.StateActive }, 5*time.Second, 5*time.Millisecond)
	sess := h.serverSession(t)

	require.NoError(t, h.lobby.EndMission(context.Background(), sess.ConnectionID))
	h.waitPhase(t, mission.PhaseNone)
	assert.Equal(t, lighting.StateIdle, h.lighter.State())

	before := len(h.sink.reports(progress.PhaseLighting))
	h.builder.set(0.9)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sink.reports(progress.PhaseLighting), before, "no progress after the mission ended")

	// a late build completion neither acks nor restarts anything
	h.builder.finishAll()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.serverSession(t).Running)
	assert.Equal(t, int32(0), h.loaded.Load())
}

func TestRestartAfterEndUsesNewSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.waitPhase(t, mission.PhaseLighting)
	first := h.serverSession(t)
	require.NoError(t, h.lobby.EndMission(ctx, first.ConnectionID))
	h.waitPhase(t, mission.PhaseNone)

	seq, err := h.lobby.StartMission(ctx, first.ConnectionID, "")
	require.NoError(t, err)
	assert.Greater(t, seq, first.Sequence)

	h.waitPhase(t, mission.PhaseLighting)
	require.Eventually(t, func() bool { return h.lighter.State() == lighting.StateActive }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, seq, h.loader.Sequence())
	h.builder.finishAll()

	h.waitPhase(t, mission.PhaseComplete)
	require.Eventually(t, func() bool { return h.serverSession(t).IsComplete() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.loaded.Load())
}
