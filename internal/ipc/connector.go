package ipc

import (
	"context"
	"fmt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State of a Connector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
)

var stateNames = []string{"disconnected", "connecting", "connected", "streaming"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Default timings of a Connector.
const (
	DefaultRetryDelay   = time.Second
	DefaultPollInterval = time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Connector is the client side connection to one game client, for one agent.
//
// Connect retries until it succeeds or the context is cancelled. ReadFrame blocks on reads with
// a deadline of PollInterval, and checks the context between timeouts. Any I/O error
// closes the connection and moves the connector back to StateDisconnected.
type Connector struct {
	Addr string

	// RetryDelay between connection attempts.
	RetryDelay time.Duration

	// PollInterval is the read deadline, the maximum delay to notice the context was cancelled.
	PollInterval time.Duration

	// WriteTimeout for sending actions.
	WriteTimeout time.Duration

	// OnStateChange is called, if set, on every state transition. Set it before connecting.
	OnStateChange func(State)

	state atomic.Int32

	muConn sync.Mutex
	conn   net.Conn
}

// NewConnector creates a Connector to addr ("host:port") with the default timings.
func NewConnector(addr string) *Connector {
	return &Connector{
		Addr:         addr,
		RetryDelay:   DefaultRetryDelay,
		PollInterval: DefaultPollInterval,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// State returns the current state.
func (c *Connector) State() State { return State(c.state.Load()) }

func (c *Connector) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Connect closes any previous connection, and dials Addr until it succeeds or ctx is done.
// It only returns an error if ctx is done.
func (c *Connector) Connect(ctx context.Context) error {
	c.Close()
	c.setState(StateConnecting)
	var dialer net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
		if err == nil {
			c.muConn.Lock()
			c.conn = conn
			c.muConn.Unlock()
			klog.V(1).Infof("ipc: connected to %s", c.Addr)
			c.setState(StateConnected)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if attempt == 1 || klog.V(2).Enabled() {
			klog.Infof("ipc: failed to connect to %s, retrying every %s: %v", c.Addr, c.RetryDelay, err)
		}
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(c.RetryDelay):
		}
	}
}

// Close the current connection, if any.
func (c *Connector) Close() {
	c.muConn.Lock()
	defer c.muConn.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

func (c *Connector) currentConn() net.Conn {
	c.muConn.Lock()
	defer c.muConn.Unlock()
	return c.conn
}

// ReadFrame reads the next observation frame. On any error other than ctx being done, the
// connection is closed and the error (usually ErrConnectionClosed) returned: the caller should Connect again.
func (c *Connector) ReadFrame(ctx context.Context) (*Frame, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, errors.WithMessagef(ErrConnectionClosed, "not connected to %s", c.Addr)
	}
	frame, err := ReadFrame(&pollingReader{ctx: ctx, conn: conn, pollInterval: c.PollInterval})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.setState(StateStreaming)
	return frame, nil
}

// SendAction encodes the action with the enabled actions and writes it.
func (c *Connector) SendAction(action Action, enabled ActionSet) error {
	payload, err := action.Encode(enabled)
	if err != nil {
		return err
	}
	conn := c.currentConn()
	if conn == nil {
		return errors.WithMessagef(ErrConnectionClosed, "not connected to %s", c.Addr)
	}
	if c.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if err = WriteAction(conn, payload); err != nil {
		if !errors.Is(err, ErrPayloadTooLarge) {
			c.Close()
			err = errors.WithMessagef(ErrConnectionClosed, "%v", err)
		}
		return err
	}
	return nil
}

// pollingReader reads from conn with a deadline of pollInterval, retrying on timeouts until
// ctx is done. Partially read data is never lost, since a read that times out returns no data.
type pollingReader struct {
	ctx          context.Context
	conn         net.Conn
	pollInterval time.Duration
}

// Read implements io.Reader.
func (p *pollingReader) Read(buf []byte) (int, error) {
	for {
		if err := p.ctx.Err(); err != nil {
			return 0, err
		}
		if p.pollInterval > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.pollInterval))
		}
		n, err := p.conn.Read(buf)
		if n > 0 || err == nil {
			return n, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		return 0, err
	}
}

// isContextError returns whether err is due to a cancelled or expired context.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
