// Package wstransport is the Agent side of the tunnel: it dials the
// Gateway's websocket endpoint, reconnects with backoff on failure, and
// wires each connection's inbound frames into a fresh msgproc.Processor
// and session registry.
package wstransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/hoophq/rdp-tunnel/internal/chanstream"
	"github.com/hoophq/rdp-tunnel/internal/frame"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/msgproc"
	"github.com/hoophq/rdp-tunnel/internal/session"
)

const (
	userAgent         = "rdp-tunnel-agent/1.0"
	tokenHeader       = "HOOP_KEY"
	connectTimeout    = 30 * time.Second
	heartbeatInterval = 30 * time.Second
)

// ErrUnauthorized is returned by RunWithReconnect when the Gateway rejects the
// agent's token during the websocket handshake; the caller must not
// retry a rejected token.
var ErrUnauthorized = errors.New("wstransport: unauthorized, check HOOP_KEY")

// ProxyRunner performs one session's full RDP proxy lifecycle: dial the
// target, run the handshake/CredSSP/forwarding phases, and return once
// the session ends. stream is the session's tunnel-backed
// io.ReadWriteCloser, standing in for the client-facing TCP connection.
type ProxyRunner func(ctx context.Context, info session.Info, stream *chanstream.Stream) error

// Config configures the reconnecting websocket client.
type Config struct {
	GatewayURL        string
	Token             string
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int
	InsecureTLSVerify bool

	// OnReconnect, if set, is invoked once per reconnection attempt,
	// before the backoff sleep. Used for instrumentation.
	OnReconnect func()
}

// Client is the Agent's websocket connection to the Gateway.
type Client struct {
	cfg       Config
	runProxy  ProxyRunner
	log       *logging.Logger
	dialer    *websocket.Dialer
	isLocal   bool
	tlsScheme bool
}

// New builds a Client. cfg.GatewayURL must already be normalized (see
// internal/config.NormalizeGatewayURL).
func New(cfg Config, runProxy ProxyRunner, log *logging.Logger) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	c := &Client{
		cfg:       cfg,
		runProxy:  runProxy,
		log:       log,
		isLocal:   isLocalhost(cfg.GatewayURL),
		tlsScheme: strings.HasPrefix(cfg.GatewayURL, "wss://"),
	}
	c.dialer = c.buildDialer()
	return c
}

func isLocalhost(url string) bool {
	for _, marker := range []string{"localhost", "127.0.0.1", "::1", "0.0.0.0"} {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}

// buildDialer mirrors the agent's own loopback-TLS carve-out: a local
// or plain gateway gets a relaxed dialer (certificate validation off
// for wss to localhost), anything else uses the system trust store.
func (c *Client) buildDialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: connectTimeout}
	if c.isLocal && c.tlsScheme {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else if c.cfg.InsecureTLSVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// RunWithReconnect connects and processes messages until ctx is
// canceled, retrying with exponential backoff up to MaxAttempts on
// transient failures. An unauthorized handshake is not retried.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}
	attempts := 0
	for {
		err := c.run(ctx)
		if err == nil {
			c.log.Infof("websocket connection closed gracefully")
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			c.log.Errorf("unauthorized: invalid token, check HOOP_KEY")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
		if attempts >= c.cfg.MaxAttempts {
			c.log.Errorf("max reconnection attempts (%d) reached: %v", c.cfg.MaxAttempts, err)
			return err
		}
		wait := b.Duration()
		c.log.Errorf("connection failed (attempt %d): %v, retrying in %s", attempts, err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) run(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	header.Set(tokenHeader, c.cfg.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.GatewayURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	writer := &wsWriter{conn: conn}
	registry := session.New()
	proc := msgproc.New(writer, registry, c.proxyStarter(ctx, registry, writer), c.log.Fork("msgproc"))

	errCh := make(chan error, 2)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- c.receiveLoop(connCtx, conn, proc) }()
	go func() { errCh <- c.heartbeatLoop(connCtx, writer) }()

	var result error
	select {
	case result = <-errCh:
	case <-ctx.Done():
		result = ctx.Err()
	}
	cancel()
	registry.RemoveAll()
	return result
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, proc *msgproc.Processor) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := proc.HandleBinary(data); err != nil {
				c.log.Errorf("error handling binary message: %v", err)
			}
		case websocket.PingMessage:
			if err := proc.HandlePing(data); err != nil {
				c.log.Errorf("failed to respond to ping: %v", err)
			}
		case websocket.CloseMessage:
			return nil
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, w *wsWriter) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.WritePing(); err != nil {
				return fmt.Errorf("heartbeat ping failed: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// proxyStarter binds a ProxyRunner to this connection's registry and
// writer: it spawns the outbound-forwarding goroutine and the proxy
// task itself, and tears the session down fully once the proxy returns.
func (c *Client) proxyStarter(ctx context.Context, reg *session.Registry, writer *wsWriter) msgproc.ProxyStarter {
	return func(sid uuid.UUID, info session.Info) {
		stream := reg.GetOrCreateStream(sid)
		go forwardOutbound(sid, stream, writer, c.log)
		go func() {
			// The registry entry must go away however the proxy exits,
			// a panic included, or the sid can never be reused after a
			// reconnect.
			defer reg.Remove(sid)
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("rdp proxy session %s panicked: %v", sid, r)
				}
			}()
			if err := c.runProxy(ctx, info, stream); err != nil {
				c.log.Errorf("rdp proxy session %s failed: %v", sid, err)
			} else {
				c.log.Infof("rdp proxy session %s completed", sid)
			}
		}()
	}
}

func forwardOutbound(sid uuid.UUID, stream *chanstream.Stream, writer *wsWriter, log *logging.Logger) {
	for {
		select {
		case data := <-stream.Outbound():
			if err := writer.WriteBinary(frame.EncodeFrame(sid, data)); err != nil {
				log.Errorf("failed to forward outbound data for session %s: %v", sid, err)
				return
			}
		case <-stream.Closed():
			// Forward whatever the proxy wrote before the stream closed.
			for {
				select {
				case data := <-stream.Outbound():
					if err := writer.WriteBinary(frame.EncodeFrame(sid, data)); err != nil {
						log.Errorf("failed to forward outbound data for session %s: %v", sid, err)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// wsWriter serializes all writes to the shared websocket connection,
// the same role the agent's mutex-wrapped ws_sender plays.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsWriter) WritePong(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.PongMessage, data)
}

func (w *wsWriter) WritePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}
