package gatewaysrv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hoophq/rdp-tunnel/internal/frame"
	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/metrics"
	"github.com/hoophq/rdp-tunnel/internal/rdp/nego"
	"github.com/hoophq/rdp-tunnel/internal/rdp/tpkt"
	"github.com/hoophq/rdp-tunnel/internal/rdp/x224"
)

func connectionRequestBytes(t *testing.T, cookieUser string) []byte {
	t.Helper()
	req := x224.ConnectionRequest{
		Cookie:             x224.BuildMstshashCookie(cookieUser),
		NegotiationPresent: true,
		RequestedProtocol:  nego.ProtocolHybrid | nego.ProtocolHybridEx,
	}
	var buf bytes.Buffer
	if err := tpkt.WritePDU(&buf, req.Encode()); err != nil {
		t.Fatalf("build connection request: %v", err)
	}
	return buf.Bytes()
}

func TestPeekRoutingKeyExtractsCookieWithoutConsuming(t *testing.T) {
	wire := connectionRequestBytes(t, "alice")
	wire = append(wire, []byte("trailing-mcs-bytes")...)
	br := bufio.NewReader(bytes.NewReader(wire))

	key, err := peekRoutingKey(br)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "alice" {
		t.Fatalf("got %q, want alice", key)
	}

	all := make([]byte, len(wire))
	if _, err := br.Read(all); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !bytes.Equal(all, wire) {
		t.Fatalf("peek consumed bytes it should not have")
	}
}

func TestPeekRoutingKeyRejectsReservedMagic(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte("JMUXrest-of-the-data")))
	_, err := peekRoutingKey(br)
	if _, ok := err.(ErrRejectedMagic); !ok {
		t.Fatalf("got %v, want ErrRejectedMagic", err)
	}
}

func TestTargetRegistryLookup(t *testing.T) {
	reg := NewTargetRegistry(nil)
	reg.Set("alice", Target{Address: "10.0.0.5:3389", Username: "realuser", Password: "realpass"})

	got, ok := reg.Lookup("alice")
	if !ok || got.Address != "10.0.0.5:3389" {
		t.Fatalf("unexpected lookup result: %+v, ok=%v", got, ok)
	}
	if _, ok := reg.Lookup("bob"); ok {
		t.Fatal("expected no entry for bob")
	}
}

func TestServerEndToEndSessionRouting(t *testing.T) {
	targets := NewTargetRegistry(map[string]Target{
		"alice": {Address: "10.0.0.5:3389", Username: "realuser", Password: "realpass"},
	})
	m := metrics.New(prometheus.NewRegistry())
	log := logging.New("test", logging.LevelError)
	srv := NewServer(targets, m, log)

	agentSessionStarted := make(chan frame.Header, 1)
	agentGotRDPData := make(chan []byte, 1)

	httpSrv := httptest.NewServer(UpgradeHandler(srv, "tok", log))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	header := http.Header{}
	header.Set(tokenHeader, "tok")
	agentConn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial agent websocket: %v", err)
	}
	defer agentConn.Close()

	go func() {
		for {
			_, data, err := agentConn.ReadMessage()
			if err != nil {
				return
			}
			h, err := frame.Decode(data)
			if err != nil {
				continue
			}
			payload := data[frame.HeaderLen:][:h.Len]
			var probe map[string]interface{}
			if json.Unmarshal(payload, &probe) == nil {
				if probe["message_type"] == "session_started" {
					agentSessionStarted <- h
					body, _ := json.Marshal(map[string]string{"message_type": "rdp_started"})
					agentConn.WriteMessage(websocket.BinaryMessage, frame.EncodeFrame(h.SID, body))
					continue
				}
			}
			select {
			case agentGotRDPData <- append([]byte(nil), payload...):
			default:
			}
		}
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeTCP(ctx, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer client.Close()

	wire := connectionRequestBytes(t, "alice")
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("write connection request: %v", err)
	}

	var sid frame.Header
	select {
	case sid = <-agentSessionStarted:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session_started")
	}

	var forwarded []byte
	deadline := time.After(3 * time.Second)
	for len(forwarded) < len(wire) {
		select {
		case chunk := <-agentGotRDPData:
			forwarded = append(forwarded, chunk...)
		case <-deadline:
			t.Fatalf("timed out waiting for forwarded bytes, got %d/%d", len(forwarded), len(wire))
		}
	}
	if !bytes.Equal(forwarded, wire) {
		t.Fatalf("forwarded bytes mismatch: got %x, want %x", forwarded, wire)
	}

	reply := []byte("hello-from-target")
	if err := agentConn.WriteMessage(websocket.BinaryMessage, frame.EncodeFrame(sid.SID, reply)); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, len(reply))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read reply on tcp client: %v", err)
	}
	if !bytes.Equal(buf, reply) {
		t.Fatalf("got %q, want %q", buf, reply)
	}
}
