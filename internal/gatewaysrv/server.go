// Package gatewaysrv implements the Gateway side of the tunnel: the
// TCP listener real RDP clients connect to, cookie-based routing to a
// target registry, and the session bookkeeping needed to multiplex
// every session's bytes over the single websocket connection the Agent
// maintains. It is intentionally thin — the Gateway does not decode
// RDP past the first ConnectionRequest's routing cookie, and performs
// no authorization beyond that lookup.
package gatewaysrv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoophq/rdp-tunnel/internal/frame"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/metrics"
)

// sessionStartTimeout bounds how long the gateway waits for the
// agent's rdp_started acknowledgement before giving up on a TCP client.
const sessionStartTimeout = 10 * time.Second

// session is one TCP client's bookkeeping while its bytes are
// multiplexed over the agent's websocket connection. It is registered
// as a child of its AgentConn's shutdown.Helper, so a dropped agent
// connection closes every session hanging off it instead of leaving a
// client socket blocked in Read forever.
type session struct {
	sid       uuid.UUID
	conn      net.Conn
	started   chan struct{}
	startOnce sync.Once

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newSession(sid uuid.UUID, conn net.Conn) *session {
	return &session{sid: sid, conn: conn, started: make(chan struct{}), closeCh: make(chan struct{})}
}

func (s *session) markStarted() {
	s.startOnce.Do(func() { close(s.started) })
}

// StartShutdown implements shutdown.Helper's child interface: closing
// the client connection unblocks pumpClientToAgent's Read.
func (s *session) StartShutdown(cause error) {
	s.closeOnce.Do(func() {
		s.conn.Close()
		close(s.closeCh)
	})
}

func (s *session) Done() <-chan struct{} { return s.closeCh }

// Server owns the TCP listener, the target registry, the single active
// agent connection, and every in-flight session.
type Server struct {
	targets *TargetRegistry
	metrics *metrics.Metrics
	log     *logging.Logger

	mu       sync.Mutex
	agent    *AgentConn
	sessions map[uuid.UUID]*session
}

// NewServer builds a Server. targets and m must be non-nil.
func NewServer(targets *TargetRegistry, m *metrics.Metrics, log *logging.Logger) *Server {
	return &Server{
		targets:  targets,
		metrics:  m,
		log:      log,
		sessions: make(map[uuid.UUID]*session),
	}
}

// SetAgent installs conn as the current agent connection, replacing and
// closing whatever connection was previously active. The Gateway only
// ever drives one Agent at a time.
func (s *Server) SetAgent(conn *AgentConn) {
	s.mu.Lock()
	old := s.agent
	s.agent = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *Server) currentAgent() *AgentConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// ServeTCP accepts connections from ln until ctx is canceled or Accept
// fails, handling each one in its own goroutine.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gatewaysrv: accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	proxyUser, err := peekRoutingKey(br)
	if err != nil {
		s.log.Debugf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		s.metrics.TargetLookupFailed.Inc()
		return
	}
	target, ok := s.targets.Lookup(proxyUser)
	if !ok {
		s.log.Warnf("no target registered for proxy user %q from %s", proxyUser, conn.RemoteAddr())
		s.metrics.TargetLookupFailed.Inc()
		return
	}

	agent := s.currentAgent()
	if agent == nil {
		s.log.Warnf("rejecting connection from %s: no agent connected", conn.RemoteAddr())
		return
	}

	sess := newSession(uuid.New(), conn)
	s.addSession(sess)
	agent.AddChild(sess)
	defer s.removeSession(sess.sid)

	if err := s.announceSession(agent, sess, target, proxyUser, conn.RemoteAddr().String()); err != nil {
		s.log.Errorf("session %s: %v", sess.sid, err)
		return
	}
	select {
	case <-sess.started:
	case <-time.After(sessionStartTimeout):
		s.log.Errorf("session %s: agent never acknowledged rdp_started", sess.sid)
		return
	}

	s.metrics.SessionsTotal.Inc()
	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	s.log.Infof("session %s routed to %s for proxy user %q", sess.sid, target.Address, proxyUser)
	s.pumpClientToAgent(sess, br, agent)
}

func (s *Server) announceSession(agent *AgentConn, sess *session, target Target, proxyUser, clientAddr string) error {
	body, err := json.Marshal(map[string]string{
		"message_type":   "session_started",
		"target_address": target.Address,
		"username":       target.Username,
		"password":       target.Password,
		"proxy_user":     proxyUser,
		"client_address": clientAddr,
	})
	if err != nil {
		return fmt.Errorf("encode session_started: %w", err)
	}
	return agent.WriteBinary(frame.EncodeFrame(sess.sid, body))
}

// pumpClientToAgent copies bytes from the TCP client to the agent's
// websocket connection, framed per session, until the client
// disconnects or the agent connection fails.
func (s *Server) pumpClientToAgent(sess *session, br *bufio.Reader, agent *AgentConn) {
	buf := make([]byte, 16*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if werr := agent.WriteBinary(frame.EncodeFrame(sess.sid, buf[:n])); werr != nil {
				s.log.Errorf("session %s: forward to agent: %v", sess.sid, werr)
				return
			}
		}
		if err != nil {
			s.log.Debugf("session %s: client connection ended: %v", sess.sid, err)
			return
		}
	}
}

// writeToClient is called by AgentConn's receive loop for every raw
// RDP data frame the agent sends back for sid.
func (s *Server) writeToClient(sid uuid.UUID, payload []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	s.mu.Unlock()
	if !ok {
		return
	}
	if _, err := sess.conn.Write(payload); err != nil {
		s.log.Debugf("session %s: write to client failed: %v", sid, err)
	}
}

func (s *Server) markStarted(sid uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	s.mu.Unlock()
	if ok {
		sess.markStarted()
	}
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.sid] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(sid uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}
