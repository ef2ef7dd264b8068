package gatewaysrv

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hoophq/rdp-tunnel/internal/frame"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/shutdown"
)

// AgentConn is the Gateway's websocket connection to a connected Agent.
// Writes are serialized behind a mutex, matching the Agent's own
// writer discipline, since both the per-session forwarding goroutines
// and this server's control-message sends share one connection.
//
// It embeds shutdown.Helper so every session routed through this
// connection can register as a child: once the agent's websocket
// drops, StartShutdown closes every session's client socket instead of
// leaving them blocked in Read until the client itself gives up.
type AgentConn struct {
	shutdown.Helper

	conn    *websocket.Conn
	writeMu sync.Mutex
	server  *Server
	log     *logging.Logger
}

// NewAgentConn wraps conn for use by server.
func NewAgentConn(conn *websocket.Conn, server *Server, log *logging.Logger) *AgentConn {
	a := &AgentConn{conn: conn, server: server, log: log}
	a.Helper.Init(func(cause error) error {
		return a.conn.Close()
	})
	return a
}

// WriteBinary sends one framed binary message to the agent.
func (a *AgentConn) WriteBinary(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close shuts the connection and every session registered against it
// down exactly once.
func (a *AgentConn) Close() error {
	a.StartShutdown(nil)
	return nil
}

// Run reads frames from the agent until the connection ends, demuxing
// rdp_started acknowledgements and raw RDP data to the right session.
// It blocks until ReadMessage fails or the connection is closed.
func (a *AgentConn) Run() error {
	defer a.StartShutdown(nil)
	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("gatewaysrv: read from agent: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		h, err := frame.Decode(data)
		if err != nil {
			a.log.Debugf("agent sent data without a valid header, ignoring: %v", err)
			continue
		}
		payload := data[frame.HeaderLen:]
		if uint32(len(payload)) < h.Len {
			a.log.Debugf("agent frame for %s declares %d bytes, only %d present", h.SID, h.Len, len(payload))
			continue
		}
		payload = payload[:h.Len]

		var probe map[string]interface{}
		if json.Unmarshal(payload, &probe) == nil {
			if mt, ok := probe["message_type"].(string); ok {
				if mt == "rdp_started" {
					a.server.markStarted(h.SID)
				}
				continue
			}
		}
		a.server.writeToClient(h.SID, payload)
	}
}
