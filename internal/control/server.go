package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/shadowcap/recorder/internal/logging"
)

var log = logging.L("control")

// Handler reacts to one decoded Command and returns the result to send
// back. save is dispatched synchronously, with no timeout, and blocks
// command processing until complete; update_config and change_mode are
// handed to policy code outside the capture core.
type Handler interface {
	HandleCommand(cmd Command) CommandResult
}

// Server accepts connections on a Unix domain socket and runs a
// single-threaded cooperative command loop: one connection is served at a
// time, commands are processed in the order they are received.
type Server struct {
	socketPath string
	handler    Handler
	limiter    *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer constructs a control-plane server bound to socketPath. The
// socket is not created until Serve is called.
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		limiter:    NewRateLimiter(20, time.Minute),
	}
}

// Serve listens on the Unix socket and runs until Close is called or a
// fatal listener error occurs. One command is fully processed before the
// next is read, on any connection; orchestration stays on this one
// goroutine.
func (s *Server) Serve() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		s.serveConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// serveConn processes every command on one connection, synchronously,
// until the peer disconnects or sends a malformed message.
func (s *Server) serveConn(netConn net.Conn) {
	defer netConn.Close()

	// On platforms without a kernel credential facility every peer shares
	// one rate-limit bucket.
	var uid uint32
	if cred, err := GetPeerCredentials(netConn); err == nil {
		uid = cred.UID
	}
	if !s.limiter.Allow(uid) {
		log.Warn("control connection rejected by rate limiter", "uid", uid)
		return
	}

	conn := NewConn(netConn)
	for {
		env, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("control recv failed, closing connection", "error", err)
			}
			return
		}

		switch env.Type {
		case TypePing:
			_ = conn.SendTyped(env.ID, TypePong, nil)
			continue
		case TypeCommand:
			s.dispatch(conn, env)
		default:
			_ = conn.SendError(env.ID, TypeCommandResult, fmt.Sprintf("unknown message type %q", env.Type))
		}
	}
}

func (s *Server) dispatch(conn *Conn, env *Envelope) {
	var cmd Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		_ = conn.SendError(env.ID, TypeCommandResult, fmt.Sprintf("decode command: %v", err))
		return
	}

	result := s.handler.HandleCommand(cmd)
	if err := conn.SendTyped(env.ID, TypeCommandResult, result); err != nil {
		log.Error("failed to send command result", "command", cmd.Name, "error", err)
	}
}
