package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mission-sync/mission-sync/internal/application/lobby"
	"github.com/mission-sync/mission-sync/internal/domain/mission"
	"github.com/mission-sync/mission-sync/internal/infrastructure/memory"
	"github.com/mission-sync/mission-sync/internal/infrastructure/sse"
	"github.com/mission-sync/mission-sync/internal/infrastructure/wschannel"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

const testMission = "levels/test.mis"

type testEnv struct {
	srv   *httptest.Server
	lobby *lobby.Service
	hub   *sse.Hub
}

func newTestEnv(t *testing.T, cfg lobby.Config, tokenHash string) *testEnv {
	t.Helper()
	hub := sse.NewHub()
	svc, err := lobby.NewService(memory.NewRunRepository(), hub, cfg, zerolog.Nop())
	require.NoError(t, err)
	api := NewServer(svc, hub, wschannel.Config{}, tokenHash, zerolog.Nop())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, lobby: svc, hub: hub}
}

// connect dials /ws and returns the channel plus a stream of server messages.
func (e *testEnv) connect(t *testing.T) (*wschannel.Conn, <-chan protocol.Message) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, err := wschannel.Dial(context.Background(), url, nil, wschannel.Config{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	msgs := make(chan protocol.Message, 16)
	go func() {
		_ = conn.ReadLoop(context.Background(), func(_ context.Context, msg protocol.Message) error {
			msgs <- msg
			return nil
		})
	}()
	return conn, msgs
}

func next(t *testing.T, msgs <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server message")
		return protocol.Message{}
	}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func waitForConnections(t *testing.T, svc *lobby.Service, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.Registry().Count() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, lobby.Config{MissionFile: testMission}, "")
	resp, body := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, testMission, body["mission"])
}

func TestAdminTokenRequired(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, lobby.Config{}, string(hash))

	resp, body := env.do(t, http.MethodGet, "/v1/connections", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["error"])

	resp, _ = env.do(t, http.MethodGet, "/v1/connections", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/connections", "", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/runs?access_token=s3cret", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandshakeOverCommandChannel(t *testing.T) {
	env := newTestEnv(t, lobby.Config{MissionFile: testMission}, "")
	conn, msgs := env.connect(t)
	ctx := context.Background()

	first := next(t, msgs)
	require.Equal(t, protocol.TypePhase1, first.Type)
	assert.Equal(t, testMission, first.MissionPath)

	for _, phase := range []mission.Phase{mission.PhaseDatablocks, mission.PhaseGhosts, mission.PhaseLighting} {
		ack, err := protocol.Ack(first.Seq, phase)
		require.NoError(t, err)
		require.NoError(t, conn.Send(ctx, ack))
		msg := next(t, msgs)
		assert.Equal(t, first.Seq, msg.Seq)
	}

	resp, body := env.do(t, http.MethodGet, "/v1/connections", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := body["connections"].([]interface{})
	require.Len(t, conns, 1)
	view := conns[0].(map[string]interface{})
	assert.Equal(t, float64(mission.PhaseComplete), view["phase"])
	assert.Equal(t, true, view["ghosting"])
	connID := view["connectionId"].(string)

	resp, _ = env.do(t, http.MethodPost, "/v1/connections/"+connID+"/mission", `{"missionFile":"levels/other.mis"}`, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/connections/"+connID+"/mission", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	end := next(t, msgs)
	assert.Equal(t, protocol.End(first.Seq), end)

	resp, _ = env.do(t, http.MethodDelete, "/v1/connections/"+connID+"/mission", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/connections/"+connID+"/mission", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	restarted := next(t, msgs)
	assert.Equal(t, protocol.TypePhase1, restarted.Type)
	assert.Equal(t, float64(restarted.Seq), body["sequence"])
	assert.Greater(t, restarted.Seq, first.Seq)

	resp, body = env.do(t, http.MethodGet, "/v1/runs?connection_id="+connID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]interface{})
	require.Len(t, runs, 2)
	assert.Equal(t, string(mission.OutcomeRunning), runs[0].(map[string]interface{})["outcome"])
	assert.Equal(t, string(mission.OutcomeCompleted), runs[1].(map[string]interface{})["outcome"])
}

func TestCycleMission(t *testing.T) {
	env := newTestEnv(t, lobby.Config{}, "")
	_, msgs := env.connect(t)
	waitForConnections(t, env.lobby, 1)

	resp, body := env.do(t, http.MethodPost, "/v1/missions/cycle", `{"missionFile":"levels/next.mis"}`, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["started"])
	msg := next(t, msgs)
	assert.Equal(t, "levels/next.mis", msg.MissionPath)

	resp, body = env.do(t, http.MethodPost, "/v1/missions/cycle", `{"missionFile":""}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PARAM", body["error"])

	resp, _ = env.do(t, http.MethodPost, "/v1/missions/cycle", `{"unknown":1}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownConnection(t *testing.T) {
	env := newTestEnv(t, lobby.Config{}, "")
	resp, body := env.do(t, http.MethodGet, "/v1/connections/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"])

	resp, _ = env.do(t, http.MethodDelete, "/v1/connections/nope/mission", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisconnectDetachesConnection(t *testing.T) {
	env := newTestEnv(t, lobby.Config{MissionFile: testMission}, "")
	conn, msgs := env.connect(t)
	next(t, msgs)
	waitForConnections(t, env.lobby, 1)

	require.NoError(t, conn.Close())
	waitForConnections(t, env.lobby, 0)

	resp, body := env.do(t, http.MethodGet, "/v1/runs", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, string(mission.OutcomeDisconnected), runs[0].(map[string]interface{})["outcome"])
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, lobby.Config{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/events?subscriber_id=obs-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return env.hub.SubscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, msgs := env.connect(t)
	waitForConnections(t, env.lobby, 1)
	_, _ = env.do(t, http.MethodPost, "/v1/missions/cycle", `{"missionFile":"levels/test.mis"}`, "")
	next(t, msgs)

	reader := bufio.NewReader(resp.Body)
	found := false
	deadline := time.Now().Add(5 * time.Second)
	for !found && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var evt mission.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
			assert.Equal(t, mission.EventStarted, evt.Type)
			assert.Equal(t, testMission, evt.MissionFile)
			found = true
		}
	}
	assert.True(t, found)
}
