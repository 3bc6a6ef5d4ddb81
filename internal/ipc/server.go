package ipc

import (
	"context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"net"
	"sync"
	"time"
)

// CommandReadTimeout is the maximum time to receive a command once a connection is accepted.
const CommandReadTimeout = time.Second

// CommandHandler is called for every valid command received.
type CommandHandler func(cmd Command)

// CommandServer listens for control commands: one command per connection.
type CommandServer struct {
	listener net.Listener
	handler  CommandHandler
	wg       sync.WaitGroup
}

// ListenCommands binds addr ("host:port"). Failing to bind is the only error expected to be fatal.
func ListenCommands(addr string, handler CommandHandler) (*CommandServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen for commands on %s", addr)
	}
	return &CommandServer{listener: listener, handler: handler}, nil
}

// Addr returns the address the server is listening to.
func (s *CommandServer) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is done. It waits for the connections being handled before returning.
func (s *CommandServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()
	defer s.wg.Wait()
	klog.V(1).Infof("ipc: listening for commands on %s", s.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return errors.Wrapf(err, "command server on %s failed", s.Addr())
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads and dispatches a single command. Invalid commands are dropped.
func (s *CommandServer) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(CommandReadTimeout))
	cmd, err := ReadCommand(conn)
	if err == nil {
		err = cmd.Validate()
	}
	if err != nil {
		klog.Warningf("ipc: dropping command from %s: %v", conn.RemoteAddr(), err)
		return
	}
	klog.V(1).Infof("ipc: command %s %q from %s", cmd.Type, cmd.Data, conn.RemoteAddr())
	s.handler(cmd)
}
