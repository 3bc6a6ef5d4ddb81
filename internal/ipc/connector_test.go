package ipc

import (
	"bytes"
	"context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"sync"
	"testing"
	"time"
)

// freeAddr returns an address on localhost that is (very likely) not being listened to.
func freeAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func newTestConnector(addr string) *Connector {
	c := NewConnector(addr)
	c.RetryDelay = 10 * time.Millisecond
	c.PollInterval = 10 * time.Millisecond
	return c
}

func TestConnectorRetriesUntilListening(t *testing.T) {
	addr := freeAddr(t)
	c := newTestConnector(addr)
	var muStates sync.Mutex
	var states []State
	c.OnStateChange = func(s State) {
		muStates.Lock()
		defer muStates.Unlock()
		states = append(states, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connected := make(chan error, 1)
	go func() { connected <- c.Connect(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnecting, c.State())
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	require.NoError(t, <-connected)
	assert.Equal(t, StateConnected, c.State())
	c.Close()
	assert.Equal(t, StateDisconnected, c.State())
	muStates.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
	muStates.Unlock()
}

func TestConnectorCancelled(t *testing.T) {
	c := newTestConnector(freeAddr(t))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateDisconnected, c.State())
}

// connectedPair returns a Connector connected to a server side connection.
func connectedPair(t *testing.T) (*Connector, net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	c := newTestConnector(listener.Addr().String())
	require.NoError(t, c.Connect(context.Background()))
	server, err := listener.Accept()
	require.NoError(t, err)
	return c, server
}

func TestConnectorPartialReads(t *testing.T) {
	c, server := connectedPair(t)
	defer func() { _ = server.Close() }()
	defer c.Close()

	frameBuf := &bytes.Buffer{}
	body := bytes.Repeat([]byte{9}, 300)
	require.NoError(t, WriteFrame(frameBuf, &Header{Width: 10, Height: 10, PlayerName: "alice"}, body))
	data := frameBuf.Bytes()

	// Send the frame in chunks with pauses several times longer than the poll interval.
	go func() {
		for _, cut := range [][2]int{{0, 2}, {2, 20}, {20, 150}, {150, len(data)}} {
			_, _ = server.Write(data[cut[0]:cut[1]])
			time.Sleep(50 * time.Millisecond)
		}
	}()
	frame, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", frame.Header.PlayerName)
	assert.Equal(t, body, frame.Body)
	assert.Equal(t, StateStreaming, c.State())

	// Action reply.
	require.NoError(t, c.SendAction(Action{Pressed: ActionAttack, Yaw: 2}, ActionAttack|ActionLook))
	payload, err := ReadAction(server)
	require.NoError(t, err)
	assert.JSONEq(t, `{"attack":true,"yaw":2,"pitch":0}`, string(payload))
}

func TestConnectorClosedMidFrame(t *testing.T) {
	c, server := connectedPair(t)
	frameBuf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(frameBuf, &Header{Width: 1, Height: 1}, []byte{1, 2, 3}))
	_, err := server.Write(frameBuf.Bytes()[:frameBuf.Len()-1])
	require.NoError(t, err)
	require.NoError(t, server.Close())

	_, err = c.ReadFrame(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.Equal(t, StateDisconnected, c.State())

	err = c.SendAction(Action{}, DefaultActions)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestConnectorReadObservesCancellation(t *testing.T) {
	c, server := connectedPair(t)
	defer func() { _ = server.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := c.ReadFrame(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 5*time.Second)
}
