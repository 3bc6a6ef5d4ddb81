package monitor

import (
	"context"
	"encoding/json"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"net/http"
	"testing"
	"time"
)

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestMonitor(t *testing.T) {
	m := New()
	m.StatusPeriod = time.Hour
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, listener) }()
	addr := listener.Addr().String()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// First message is the status.
	event := readEvent(t, conn)
	assert.Equal(t, EventStatus, event.Type)
	require.NotNil(t, event.Status)
	assert.Empty(t, event.Status.Agents)

	m.OnAgentState(1, ipc.StateStreaming)
	m.OnReward(1, -0.1, -0.1) // Not broadcast.
	m.OnEpisodeEnd(1, 499.9, true)
	m.OnUpdate(ppo.Metrics{Update: 3, PolicyLoss: 0.5})
	m.OnCheckpoint("checkpoints/model.ckpt", 7)

	event = readEvent(t, conn)
	assert.Equal(t, EventAgentState, event.Type)
	assert.Equal(t, 1, event.AgentID)
	assert.Equal(t, "streaming", event.State)

	event = readEvent(t, conn)
	assert.Equal(t, EventEpisodeEnd, event.Type)
	assert.True(t, event.Won)
	assert.Equal(t, 499.9, event.EpisodeTotal)

	event = readEvent(t, conn)
	assert.Equal(t, EventUpdate, event.Type)
	require.NotNil(t, event.Metrics)
	assert.Equal(t, 3, event.Metrics.Update)
	assert.Equal(t, 0.5, event.Metrics.PolicyLoss)

	event = readEvent(t, conn)
	assert.Equal(t, EventCheckpoint, event.Type)
	assert.Equal(t, "checkpoints/model.ckpt", event.Checkpoint)
	assert.Equal(t, 7, event.FightCount)

	want := AgentStatus{ID: 1, State: "streaming", Episodes: 1, Wins: 1, LastEpisodeReward: 499.9}
	status := m.Status()
	require.Len(t, status.Agents, 1)
	assert.Equal(t, want, status.Agents[0])
	assert.Equal(t, 3, status.Updates)
	assert.Equal(t, 7, status.FightCount)

	// The same status as JSON.
	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	var fetched Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	require.NoError(t, resp.Body.Close())
	require.Len(t, fetched.Agents, 1)
	assert.Equal(t, want, fetched.Agents[0])
	assert.Equal(t, "checkpoints/model.ckpt", fetched.LastCheckpoint)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("monitor didn't stop")
	}
	// The client is disconnected.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestMonitorDropsWhenFull(t *testing.T) {
	m := New()
	for ii := range eventsBuffer + 10 {
		m.OnUpdate(ppo.Metrics{Update: ii})
	}
	assert.Equal(t, int64(10), m.Status().DroppedEvents)
}

func TestListenAndServeBindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	require.Error(t, New().ListenAndServe(context.Background(), listener.Addr().String()))
}
