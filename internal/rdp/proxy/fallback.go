package proxy

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hoophq/rdp-tunnel/internal/logging"
	"github.com/hoophq/rdp-tunnel/internal/rdp/clientinfo"
	"github.com/hoophq/rdp-tunnel/internal/rdp/mcs"
	"github.com/hoophq/rdp-tunnel/internal/rdp/tpkt"
	"github.com/hoophq/rdp-tunnel/internal/rdp/x224"
)

// maxFallbackScanPDUs bounds how many X.224 Data TPDUs each direction of
// runPlainFallback inspects before giving up scanning (the client side
// looking for ClientInfo, the server side looking for the ConnectResponse's
// SC_NET block) and falling through to transparent forwarding.
const maxFallbackScanPDUs = 256

// runPlainFallback handles the case where the target doesn't support
// NLA: the X.224 handshake already completed in negotiateConnection
// with both legs agreeing on plain RDP, so there is no TLS or CredSSP
// to run. Both directions are pumped concurrently from the start —
// server replies (MCS ConnectResponse, Attach User Confirm, Channel
// Join Confirms, ...) must reach the client as they arrive, or the
// client blocks waiting for them and never sends its next PDU. The
// client->server direction additionally watches for the MCS Send Data
// Request carrying the ClientInfo PDU and, if it isn't already
// SEC_ENCRYPT-protected, rewrites its credentials in place before
// forwarding; the server->client direction watches the ConnectResponse
// for the server-assigned global channel id, falling back to
// mcs.DefaultGlobalChannelID if none is found.
func runPlainFallback(client, server net.Conn, target Target, log *logging.Logger) error {
	var globalChannelID atomic.Uint32
	globalChannelID.Store(uint32(mcs.DefaultGlobalChannelID))

	var clientToServerErr, serverToClientErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		serverToClientErr = pumpServerToClient(server, client, &globalChannelID, log)
		client.Close()
	}()
	go func() {
		defer wg.Done()
		clientToServerErr = pumpClientToServer(client, server, &globalChannelID, target, log)
		server.Close()
	}()
	wg.Wait()

	log.Debugf("plain-rdp fallback ended: client->server=%v server->client=%v", clientToServerErr, serverToClientErr)
	if err := classifyForwardError(clientToServerErr); err != nil {
		return err
	}
	return classifyForwardError(serverToClientErr)
}

// pumpServerToClient forwards server->client Data TPDUs verbatim,
// learning the server-assigned global channel id from the first
// ConnectResponse it sees along the way, then falls through to a raw
// byte copy for the remainder of the session.
func pumpServerToClient(server, client net.Conn, globalChannelID *atomic.Uint32, log *logging.Logger) error {
	for i := 0; i < maxFallbackScanPDUs; i++ {
		dataBytes, err := tpkt.ReadPDU(server)
		if err != nil {
			return fmt.Errorf("proxy: fallback read server pdu: %w", err)
		}
		// Learn the channel id before forwarding, so the client cannot
		// answer the ConnectResponse before the id is stored.
		learned := false
		if payload, derr := x224.DecodeData(dataBytes); derr == nil {
			if id, ok := mcs.LearnGlobalChannelID(payload); ok {
				globalChannelID.Store(uint32(id))
				log.Debugf("fallback path learned global channel id %d from server ConnectResponse", id)
				learned = true
			}
		}
		if err := tpkt.WritePDU(client, dataBytes); err != nil {
			return fmt.Errorf("proxy: fallback write client pdu: %w", err)
		}
		if learned {
			break
		}
	}
	_, err := io.Copy(client, server)
	return err
}

// pumpClientToServer forwards client->server Data TPDUs, rewriting the
// ClientInfo PDU in place when found, then falls through to a raw byte
// copy for the remainder of the session.
func pumpClientToServer(client, server net.Conn, globalChannelID *atomic.Uint32, target Target, log *logging.Logger) error {
	for i := 0; i < maxFallbackScanPDUs; i++ {
		dataBytes, err := tpkt.ReadPDU(client)
		if err != nil {
			return fmt.Errorf("proxy: fallback read client pdu: %w", err)
		}
		payload, err := x224.DecodeData(dataBytes)
		if err != nil {
			return fmt.Errorf("proxy: fallback decode client pdu: %w", err)
		}

		rewritten, matched, err := rewriteClientInfoIfPresent(payload, uint16(globalChannelID.Load()), target)
		if err != nil {
			return fmt.Errorf("proxy: fallback rewrite client info: %w", err)
		}
		if err := tpkt.WritePDU(server, x224.EncodeData(rewritten)); err != nil {
			return fmt.Errorf("proxy: fallback write server pdu: %w", err)
		}
		if matched {
			log.Debugf("fallback path rewrote ClientInfo after %d scanned PDUs", i+1)
			break
		}
	}
	_, err := io.Copy(server, client)
	return err
}

// rewriteClientInfoIfPresent inspects payload (an X.224 Data TPDU
// payload) for an MCS Send Data Request on the global channel carrying
// an unencrypted ClientInfo PDU, and if found substitutes the target's
// real credentials into it. matched reports whether an unencrypted
// ClientInfo PDU was found and rewritten; an encrypted one is returned
// unchanged with matched false.
func rewriteClientInfoIfPresent(payload []byte, globalChannelID uint16, target Target) (rewritten []byte, matched bool, err error) {
	sendData, err := mcs.DecodeSendData(payload)
	if err != nil {
		// Not a Send Data Request/Indication at all: nothing to rewrite.
		return payload, false, nil
	}
	if sendData.ChannelID != globalChannelID {
		return payload, false, nil
	}

	flags, rest, err := clientinfo.DecodeSecurityHeader(sendData.UserData)
	if err != nil {
		return payload, false, nil
	}
	if clientinfo.IsEncrypted(flags) {
		// Encrypted ClientInfo PDU: this proxy has no session key for
		// it in the fallback path, so it cannot rewrite credentials.
		// Forward unchanged; mstsc only encrypts ClientInfo when
		// standard RDP security is in effect, which this fallback
		// already assumes isn't the case.
		return payload, false, nil
	}

	ci, err := clientinfo.Decode(rest)
	if err != nil {
		return payload, false, nil
	}
	ci.SetCredentials(target.Identity.Domain, target.Identity.Username, target.Identity.Password)
	newBody := clientinfo.Encode(ci)

	newUserData := make([]byte, 0, len(sendData.UserData)-len(rest)+len(newBody))
	newUserData = append(newUserData, sendData.UserData[:len(sendData.UserData)-len(rest)]...)
	newUserData = append(newUserData, newBody...)

	return mcs.ReencodeSendData(payload, sendData, newUserData), true, nil
}
