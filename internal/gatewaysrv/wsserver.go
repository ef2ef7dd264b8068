package gatewaysrv

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hoophq/rdp-tunnel/internal/logging"
)

// tokenHeader is the header an Agent authenticates its websocket
// upgrade request with; it must match wstransport's own constant name
// since both sides speak the same wire contract.
const tokenHeader = "HOOP_KEY"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeHandler returns an http.Handler that upgrades an
// authenticated Agent's request to a websocket connection and installs
// it as srv's active agent connection. token is the expected HOOP_KEY
// value; a mismatch is answered with 401, matching the exit-code
// contract the Agent's wstransport expects on a bad token.
func UpgradeHandler(srv *Server, token string, log *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade failed: %v", err)
			return
		}
		agent := NewAgentConn(conn, srv, log.Fork("agent"))
		srv.SetAgent(agent)
		log.Infof("agent connected from %s", r.RemoteAddr)
		if err := agent.Run(); err != nil {
			log.Warnf("agent connection ended: %v", err)
		}
	})
}
