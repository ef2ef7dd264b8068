// Package proxy is the RDP proxy core: it drives the X.224 handshake
// with both the client and the real target, upgrades both legs to TLS,
// runs CredSSP against each side so it can substitute the client's
// proxy-side credentials for the real target credentials, patches the
// MCS Connect-Initial so both sides agree on which protocol was
// actually negotiated, and then forwards bytes until either side
// closes. When the target doesn't support NLA it falls back to a
// plain-RDP path that rewrites the ClientInfo PDU in place instead.
package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/rdp/credssp"
	"github.com/hoophq/rdp-tunnel/internal/rdp/mcs"
	"github.com/hoophq/rdp-tunnel/internal/rdp/nego"
	"github.com/hoophq/rdp-tunnel/internal/rdp/tpkt"
	"github.com/hoophq/rdp-tunnel/internal/rdp/x224"
	"github.com/hoophq/rdp-tunnel/internal/tlsstack"
)

// upstreamDialTimeout is the fixed upstream TCP connect timeout the
// concurrency model specifies.
const upstreamDialTimeout = 5 * time.Second

// Target is the real RDP host and the credentials the proxy substitutes
// in place of whatever the client authenticated with.
type Target struct {
	Address  string
	Identity credssp.Identity
}

// Dependencies are the process-wide collaborators every proxy task
// shares: the TLS acceptor config and its cached SPKI (built once at
// startup from internal/certgen + internal/tlsstack) and a logger to
// fork per session.
type Dependencies struct {
	AcceptorTLS  *tls.Config
	AcceptorSPKI []byte
	// UpstreamInsecureTLS skips certificate verification when dialing
	// the target; required for targets with self-signed certificates.
	UpstreamInsecureTLS bool
	Log                 *logging.Logger
}

// ErrClientProtocolNotSupported is returned when the client's
// ConnectionRequest doesn't advertise HYBRID or HYBRID_EX: this proxy
// always requires NLA on the client-facing leg.
var ErrClientProtocolNotSupported = errors.New("proxy: client did not advertise HYBRID or HYBRID_EX")

// Run drives one RDP session end to end over client (already wrapped as
// a net.Conn, e.g. via internal/chanstream.NewNetConn) against target.
// It blocks until the session ends, for any reason, and always leaves
// client closed before returning.
func Run(client net.Conn, target Target, deps Dependencies) error {
	log := deps.Log.Fork("proxy %s->%s", client.RemoteAddr(), target.Address)
	defer client.Close()

	server, err := net.DialTimeout("tcp", target.Address, upstreamDialTimeout)
	if err != nil {
		return fmt.Errorf("proxy: dial upstream: %w", err)
	}
	defer server.Close()

	clientReq, serverConf, err := negotiateConnection(client, server, target, log)
	if err != nil {
		return err
	}
	if serverConf == nil {
		// Server replied with a Failure PDU, already forwarded verbatim.
		return nil
	}

	if serverConf.SelectedProtocol.Has(nego.ProtocolHybrid) || serverConf.SelectedProtocol.Has(nego.ProtocolHybridEx) {
		return runSecurePath(client, server, target, clientReq, *serverConf, deps, log)
	}
	return runPlainFallback(client, server, target, log)
}

// negotiateConnection runs the X.224 negotiation: read the client's
// ConnectionRequest, forward an equivalent request upstream carrying
// the real target username, read the server's ConnectionConfirm, and
// answer the client. A nil serverConf means the server failed the
// negotiation and the caller should end the session without error.
func negotiateConnection(client, server net.Conn, target Target, log *logging.Logger) (x224.ConnectionRequest, *x224.ConnectionConfirm, error) {
	reqBytes, err := tpkt.ReadPDU(client)
	if err != nil {
		return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: read client connection request: %w", err)
	}
	clientReq, err := x224.DecodeConnectionRequest(reqBytes)
	if err != nil {
		return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: decode client connection request: %w", err)
	}
	if !clientReq.RequestedProtocol.Has(nego.ProtocolHybrid) && !clientReq.RequestedProtocol.Has(nego.ProtocolHybridEx) {
		return x224.ConnectionRequest{}, nil, ErrClientProtocolNotSupported
	}
	if username, ok := x224.ParseMstshashCookie(clientReq.Cookie); ok {
		log.Debugf("client routing cookie sanity check: mstshash=%s", username)
	}

	upstreamReq := x224.ConnectionRequest{
		Cookie:             x224.BuildMstshashCookie(target.Identity.Username),
		NegotiationPresent: true,
		Flags:              clientReq.Flags,
		RequestedProtocol:  nego.ProtocolHybrid | nego.ProtocolHybridEx,
	}
	if err := tpkt.WritePDU(server, upstreamReq.Encode()); err != nil {
		return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: write upstream connection request: %w", err)
	}

	confBytes, err := tpkt.ReadPDU(server)
	if err != nil {
		return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: read upstream connection confirm: %w", err)
	}
	serverConf, err := x224.DecodeConnectionConfirm(confBytes)
	if err != nil {
		return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: decode upstream connection confirm: %w", err)
	}

	if serverConf.NegotiationPresent && serverConf.Type == nego.TypeFailure {
		log.Warnf("upstream rejected negotiation: %s", serverConf.FailureCode)
		if err := tpkt.WritePDU(client, confBytes); err != nil {
			return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: forward upstream failure to client: %w", err)
		}
		return clientReq, nil, nil
	}

	clientConf := connectionConfirmForClient(clientReq, serverConf)
	if err := tpkt.WritePDU(client, clientConf.Encode()); err != nil {
		return x224.ConnectionRequest{}, nil, fmt.Errorf("proxy: write client connection confirm: %w", err)
	}
	return clientReq, &serverConf, nil
}

// connectionConfirmForClient builds the ConnectionConfirm the proxy
// answers the client with. When the upstream selected an NLA protocol,
// the client's own HYBRID/HYBRID_EX preference is preserved so the
// client proceeds exactly as it would against a real HYBRID-capable
// server. When the upstream selected plain RDP, the client must be
// told the same thing: the proxy doesn't upgrade either leg to TLS in
// that case, so telling the client anything else would desynchronize
// the two legs' views of the handshake.
func connectionConfirmForClient(clientReq x224.ConnectionRequest, serverConf x224.ConnectionConfirm) x224.ConnectionConfirm {
	if !serverConf.SelectedProtocol.Has(nego.ProtocolHybrid) && !serverConf.SelectedProtocol.Has(nego.ProtocolHybridEx) {
		return x224.ConnectionConfirm{
			NegotiationPresent: serverConf.NegotiationPresent,
			Type:               nego.TypeResponse,
			Flags:              serverConf.Flags,
			SelectedProtocol:   serverConf.SelectedProtocol,
		}
	}
	selected := nego.ProtocolHybrid
	if clientReq.RequestedProtocol.Has(nego.ProtocolHybridEx) {
		selected = nego.ProtocolHybridEx
	}
	return x224.ConnectionConfirm{
		NegotiationPresent: true,
		Type:               nego.TypeResponse,
		Flags:              serverConf.Flags,
		SelectedProtocol:   selected,
	}
}

// runSecurePath drives the TLS upgrade, CredSSP, Connect-Initial
// patch, and forwarding for the NLA case.
func runSecurePath(client, server net.Conn, target Target, clientReq x224.ConnectionRequest, serverConf x224.ConnectionConfirm, deps Dependencies, log *logging.Logger) error {
	clientTLS, serverTLS, err := upgradeTLS(client, server, target, deps)
	if err != nil {
		return fmt.Errorf("proxy: tls upgrade: %w", err)
	}
	defer clientTLS.Close()
	defer serverTLS.Close()

	serverCert := serverTLS.ConnectionState().PeerCertificates
	if len(serverCert) == 0 {
		return errors.New("proxy: upstream presented no certificate")
	}
	serverSPKI := serverCert[0].RawSubjectPublicKeyInfo

	clientBR := bufio.NewReader(clientTLS)
	serverBR := bufio.NewReader(serverTLS)

	err = runDualCredSSP(clientBR, clientTLS, serverBR, serverTLS, client.RemoteAddr().String(), target, serverSPKI, deps)

	if clientReq.RequestedProtocol.Has(nego.ProtocolHybridEx) {
		if earlyErr := credssp.WriteEarlyUserAuthResult(clientTLS, err == nil); earlyErr != nil {
			return fmt.Errorf("proxy: write early user auth result: %w", earlyErr)
		}
	}
	if err != nil {
		return fmt.Errorf("proxy: credssp: %w", err)
	}

	if err := patchConnectInitial(clientBR, serverTLS, serverConf.SelectedProtocol); err != nil {
		return fmt.Errorf("proxy: mcs connect-initial patch: %w", err)
	}

	log.Infof("secure path established, forwarding")
	return forward(log, clientBR, clientTLS, client, serverBR, serverTLS, server)
}

// runDualCredSSP drives the acceptor (facing client) and initiator
// (facing server) CredSSP conversations in parallel.
func runDualCredSSP(clientBR *bufio.Reader, clientW io.Writer, serverBR *bufio.Reader, serverW io.Writer, clientAddr string, target Target, serverSPKI []byte, deps Dependencies) error {
	var acceptorErr, initiatorErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		acceptorErr = credssp.RunAcceptor(clientBR, clientW, target.Identity, deps.AcceptorSPKI, clientAddr)
	}()
	go func() {
		defer wg.Done()
		initiatorErr = credssp.RunInitiator(serverBR, serverW, target.Identity, serverSPKI, "proxy")
	}()
	wg.Wait()

	if acceptorErr != nil {
		return fmt.Errorf("acceptor: %w", acceptorErr)
	}
	if initiatorErr != nil {
		return fmt.Errorf("initiator: %w", initiatorErr)
	}
	return nil
}

// upgradeTLS runs the client-facing accept and the upstream-facing
// connect in parallel.
func upgradeTLS(client, server net.Conn, target Target, deps Dependencies) (*tls.Conn, *tls.Conn, error) {
	host := target.Address
	if h, _, err := net.SplitHostPort(target.Address); err == nil {
		host = h
	}
	serverCfg := tlsstack.UpstreamConnectorConfig(host, deps.UpstreamInsecureTLS)

	clientTLS := tls.Server(client, deps.AcceptorTLS)
	serverTLS := tls.Client(server, serverCfg)

	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientErr = clientTLS.Handshake()
	}()
	go func() {
		defer wg.Done()
		serverErr = serverTLS.Handshake()
	}()
	wg.Wait()

	if clientErr != nil {
		return nil, nil, fmt.Errorf("client handshake: %w", clientErr)
	}
	if serverErr != nil {
		return nil, nil, fmt.Errorf("server handshake: %w", serverErr)
	}
	return clientTLS, serverTLS, nil
}

// patchConnectInitial reads the client's MCS Connect-Initial (wrapped
// in an X.224 Data TPDU) from clientR, rewrites its serverSelectedProtocol
// field to upstreamProtocol, and forwards it to serverW.
func patchConnectInitial(clientR io.Reader, serverW io.Writer, upstreamProtocol nego.Protocol) error {
	dataBytes, err := tpkt.ReadPDU(clientR)
	if err != nil {
		return fmt.Errorf("read connect-initial: %w", err)
	}
	payload, err := x224.DecodeData(dataBytes)
	if err != nil {
		return fmt.Errorf("decode connect-initial: %w", err)
	}
	patched, err := mcs.PatchServerSelectedProtocol(payload, upstreamProtocol)
	if err != nil {
		return fmt.Errorf("patch server-selected-protocol: %w", err)
	}
	return tpkt.WritePDU(serverW, x224.EncodeData(patched))
}

// forward bridges clientR/clientW and serverR/serverW bidirectionally:
// one goroutine per direction, io.Copy; when a direction's copy ends it
// closes the opposite side's connection, and forward returns once both
// directions have finished.
func forward(log *logging.Logger, clientR io.Reader, clientW io.Writer, clientC io.Closer, serverR io.Reader, serverW io.Writer, serverC io.Closer) error {
	var clientToServerErr, serverToClientErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, clientToServerErr = io.Copy(serverW, clientR)
		serverC.Close()
	}()
	go func() {
		defer wg.Done()
		_, serverToClientErr = io.Copy(clientW, serverR)
		clientC.Close()
	}()
	wg.Wait()
	log.Debugf("forwarding ended: client->server=%v server->client=%v", clientToServerErr, serverToClientErr)

	if err := classifyForwardError(clientToServerErr); err != nil {
		return err
	}
	return classifyForwardError(serverToClientErr)
}

// classifyForwardError treats connection-reset, unexpected-EOF, and
// connection-aborted style errors during forwarding as a normal end of
// session, not a failure.
func classifyForwardError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return nil
	}
	return err
}
