package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

type captureSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *captureSender) Send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func TestRegistryAttachDetach(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	reg := NewRegistry(nil, nil, hooks, nil, zerolog.Nop())

	sender := &captureSender{}
	c, err := reg.Attach("conn-a", sender)
	require.NoError(t, err)
	_, err = reg.Attach("conn-a", sender)
	assert.Error(t, err)
	assert.Equal(t, 1, reg.Count())

	_, err = c.StartMission(ctx, testMission)
	require.NoError(t, err)

	got, err := reg.Get("conn-a")
	require.NoError(t, err)
	assert.Same(t, c, got)

	reg.Detach(ctx, "conn-a")
	assert.Equal(t, 0, reg.Count())
	_, err = reg.Get("conn-a")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Equal(t, []mission.Outcome{mission.OutcomeDisconnected}, hooks.outcomes)
}

func TestRegistryCycleMissionAssignsDistinctSequences(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(mission.NewSequenceAllocator(), nil, nil, nil, zerolog.Nop())

	senders := map[string]*captureSender{}
	for _, id := range []string{"conn-b", "conn-a", "conn-c"} {
		senders[id] = &captureSender{}
		_, err := reg.Attach(id, senders[id])
		require.NoError(t, err)
	}

	started, err := reg.CycleMission(ctx, testMission)
	require.NoError(t, err)
	assert.Equal(t, 3, started)

	sessions := reg.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, "conn-a", sessions[0].ConnectionID)
	seen := map[uint64]bool{}
	for _, s := range sessions {
		assert.Equal(t, mission.PhaseDatablocks, s.Phase)
		assert.False(t, seen[s.Sequence])
		seen[s.Sequence] = true
	}

	// a second cycle ends each running mission before restarting it
	_, err = reg.CycleMission(ctx, "levels/next.mis")
	require.NoError(t, err)
	for id, s := range senders {
		require.Len(t, s.sent, 3, id)
		assert.Equal(t, protocol.TypePhase1, s.sent[0].Type)
		assert.Equal(t, protocol.TypeEnd, s.sent[1].Type)
		assert.Equal(t, s.sent[0].Seq, s.sent[1].Seq)
		assert.Equal(t, "levels/next.mis", s.sent[2].MissionPath)
		assert.Greater(t, s.sent[2].Seq, s.sent[0].Seq)
	}

	_, err = reg.CycleMission(ctx, "")
	assert.ErrorIs(t, err, mission.ErrEmptyMissionFile)
}
