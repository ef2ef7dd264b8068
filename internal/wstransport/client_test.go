package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hoophq/rdp-tunnel/internal/chanstream"
	"github.com/hoophq/rdp-tunnel/internal/frame"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/session"
)

var testUpgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func TestClientSessionStartedAndEchoRoundTrip(t *testing.T) {
	sid := uuid.New()
	serverGotRDPStarted := make(chan struct{}, 1)
	serverGotEcho := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HOOP_KEY"); got != "test-token" {
			t.Errorf("unexpected HOOP_KEY header: %q", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		body, _ := json.Marshal(map[string]string{
			"message_type":   "session_started",
			"target_address": "10.0.0.5:3389",
			"username":       "alice",
			"password":       "secret",
			"proxy_user":     "cookie",
		})
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.EncodeFrame(sid, body)); err != nil {
			t.Errorf("write session_started: %v", err)
			return
		}

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			h, err := frame.Decode(data)
			if err != nil {
				continue
			}
			payload := data[frame.HeaderLen:]
			var ctrl map[string]string
			if json.Unmarshal(payload, &ctrl) == nil && ctrl["message_type"] == "rdp_started" {
				select {
				case serverGotRDPStarted <- struct{}{}:
				default:
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, frame.EncodeFrame(h.SID, []byte("go-ahead"))); err != nil {
					return
				}
				continue
			}
			select {
			case serverGotEcho <- append([]byte(nil), payload...):
			default:
			}
			return
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	proxyStarted := make(chan session.Info, 1)
	runProxy := func(ctx context.Context, info session.Info, stream *chanstream.Stream) error {
		proxyStarted <- info
		buf := make([]byte, 64)
		n, err := stream.Read(buf)
		if err != nil {
			return err
		}
		_, err = stream.Write(buf[:n])
		return err
	}

	c := New(Config{
		GatewayURL:   wsURL,
		Token:        "test-token",
		MaxAttempts:  1,
		ReconnectMin: time.Millisecond,
	}, runProxy, logging.New("test", logging.LevelError))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.RunWithReconnect(ctx) }()

	select {
	case info := <-proxyStarted:
		if info.TargetAddress != "10.0.0.5:3389" || info.Username != "alice" {
			t.Fatalf("unexpected session info: %+v", info)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for proxy to start")
	}

	select {
	case <-serverGotRDPStarted:
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for rdp_started ack")
	}

	select {
	case echoed := <-serverGotEcho:
		if string(echoed) != "go-ahead" {
			t.Fatalf("unexpected echo: %q", echoed)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for echoed data")
	}

	cancel()
	<-done
}

func TestClientUnauthorizedIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{
		GatewayURL:   wsURL,
		Token:        "bad-token",
		MaxAttempts:  5,
		ReconnectMin: time.Millisecond,
	}, func(context.Context, session.Info, *chanstream.Stream) error { return nil }, logging.New("test", logging.LevelError))

	err := c.RunWithReconnect(context.Background())
	if err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
