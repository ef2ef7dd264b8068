// Package msgproc demultiplexes inbound websocket frames from the
// Gateway into session-control messages and raw RDP bytes, and routes
// the latter to each session's proxy task.
package msgproc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hoophq/rdp-tunnel/internal/frame"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/session"
)

// FrameWriter sends data back to the Gateway over the shared websocket
// connection. Implementations must serialize concurrent callers
// themselves.
type FrameWriter interface {
	WriteBinary(data []byte) error
	WritePong(data []byte) error
}

// ProxyStarter starts the RDP proxy task for a session the first time
// data arrives for it. It must return promptly — the proxy itself runs
// for the lifetime of the session in its own goroutine.
type ProxyStarter func(sid uuid.UUID, info session.Info)

// Processor holds the state needed to demux one Agent-to-Gateway
// websocket connection.
type Processor struct {
	writer     FrameWriter
	registry   *session.Registry
	startProxy ProxyStarter
	log        *logging.Logger
}

// New builds a Processor. log is forked per call site by the caller.
func New(writer FrameWriter, registry *session.Registry, startProxy ProxyStarter, log *logging.Logger) *Processor {
	return &Processor{writer: writer, registry: registry, startProxy: startProxy, log: log}
}

// HandleBinary decodes one inbound websocket binary message: a frame
// header followed by either a JSON control message or raw RDP bytes.
// Malformed headers are logged and dropped rather than treated as fatal,
// matching the Gateway's own tolerance for stray non-framed data.
func (p *Processor) HandleBinary(data []byte) error {
	h, err := frame.Decode(data)
	if err != nil {
		p.log.Debugf("received data without a valid header, ignoring: %v", err)
		return nil
	}
	payload := data[frame.HeaderLen:]
	if uint32(len(payload)) < h.Len {
		return fmt.Errorf("msgproc: declared length %d exceeds payload of %d bytes", h.Len, len(payload))
	}
	payload = payload[:h.Len]

	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err == nil {
		if messageType, ok := msg["message_type"].(string); ok {
			return p.handleControl(h.SID, messageType, msg)
		}
	}
	return p.handleRDPData(h.SID, payload)
}

// HandlePing answers a websocket ping with a pong carrying the same
// payload.
func (p *Processor) HandlePing(data []byte) error {
	return p.writer.WritePong(data)
}

func (p *Processor) handleControl(sid uuid.UUID, messageType string, msg map[string]interface{}) error {
	switch messageType {
	case "session_started":
		return p.handleSessionStarted(sid, msg)
	default:
		p.log.Infof("unknown message type %q for session %s", messageType, sid)
		return nil
	}
}

func (p *Processor) handleSessionStarted(sid uuid.UUID, msg map[string]interface{}) error {
	if _, known := p.registry.Lookup(sid); known {
		// A duplicate session_started (gateway retry) must not restart
		// or re-ack a session that's already live.
		p.log.Debugf("ignoring duplicate session_started for %s", sid)
		return nil
	}
	target, err := requireString(msg, "target_address")
	if err != nil {
		return err
	}
	username, err := requireString(msg, "username")
	if err != nil {
		return err
	}
	password, err := requireString(msg, "password")
	if err != nil {
		return err
	}
	proxyUser, err := requireString(msg, "proxy_user")
	if err != nil {
		return err
	}
	clientAddr := optionalString(msg, "client_address", "127.0.0.1:0")

	p.registry.Store(session.Info{
		SessionID:     sid,
		TargetAddress: target,
		Username:      username,
		Password:      password,
		ProxyUser:     proxyUser,
		ClientAddress: clientAddr,
	})
	p.log.Infof("session %s started, target=%s", sid, target)
	return p.sendRDPStarted(sid)
}

func (p *Processor) sendRDPStarted(sid uuid.UUID) error {
	body, err := json.Marshal(map[string]string{"message_type": "rdp_started"})
	if err != nil {
		return fmt.Errorf("encode rdp_started response: %w", err)
	}
	return p.writer.WriteBinary(frame.EncodeFrame(sid, body))
}

func (p *Processor) handleRDPData(sid uuid.UUID, data []byte) error {
	info, ok := p.registry.Lookup(sid)
	if !ok {
		p.log.Debugf("received RDP data for unknown session %s", sid)
		return nil
	}

	stream := p.registry.GetOrCreateStream(sid)
	if p.registry.StartProxy(sid) {
		p.startProxy(sid, info)
	}

	if err := stream.Push(data); err != nil {
		return fmt.Errorf("session channel closed for %s: %w", sid, err)
	}
	return nil
}

func requireString(msg map[string]interface{}, key string) (string, error) {
	v, ok := msg[key]
	if !ok {
		return "", fmt.Errorf("msgproc: missing %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("msgproc: missing %s", key)
	}
	return s, nil
}

func optionalString(msg map[string]interface{}, key, def string) string {
	v, ok := msg[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
