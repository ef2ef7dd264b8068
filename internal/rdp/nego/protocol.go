// Package nego holds the RDP security-protocol negotiation constants
// shared by the X.224 and CredSSP layers: the protocol bit-flags
// carried in a ConnectionRequest/ConnectionConfirm's RDP_NEG_REQ/RSP
// block, and the failure codes a server can return instead.
package nego

import "fmt"

// Protocol is the bit-flag set exchanged during X.224 negotiation
// (MS-RDPBCGR 2.2.1.1.1, RDP_NEG_REQ.requestedProtocols).
type Protocol uint32

const (
	ProtocolRDP      Protocol = 0x00000000
	ProtocolSSL      Protocol = 0x00000001
	ProtocolHybrid   Protocol = 0x00000002
	ProtocolRDSTLS   Protocol = 0x00000004
	ProtocolHybridEx Protocol = 0x00000008
)

func (p Protocol) String() string {
	switch p {
	case ProtocolRDP:
		return "RDP"
	case ProtocolSSL:
		return "SSL"
	case ProtocolHybrid:
		return "HYBRID"
	case ProtocolRDSTLS:
		return "RDSTLS"
	case ProtocolHybridEx:
		return "HYBRID_EX"
	default:
		return fmt.Sprintf("Protocol(0x%x)", uint32(p))
	}
}

// Has reports whether p includes every bit set in flag.
func (p Protocol) Has(flag Protocol) bool { return p&flag == flag }

// FailureCode is the value carried in an RDP_NEG_FAILURE block
// (MS-RDPBCGR 2.2.1.2.2).
type FailureCode uint32

const (
	FailureSSLRequiredByServer             FailureCode = 0x00000001
	FailureSSLNotAllowedByServer           FailureCode = 0x00000002
	FailureSSLCertNotOnServer              FailureCode = 0x00000003
	FailureInconsistentFlags               FailureCode = 0x00000004
	FailureHybridRequiredByServer          FailureCode = 0x00000005
	FailureSSLWithUserAuthRequiredByServer FailureCode = 0x00000006
)

func (f FailureCode) String() string {
	switch f {
	case FailureSSLRequiredByServer:
		return "SSL_REQUIRED_BY_SERVER"
	case FailureSSLNotAllowedByServer:
		return "SSL_NOT_ALLOWED_BY_SERVER"
	case FailureSSLCertNotOnServer:
		return "SSL_CERT_NOT_ON_SERVER"
	case FailureInconsistentFlags:
		return "INCONSISTENT_FLAGS"
	case FailureHybridRequiredByServer:
		return "HYBRID_REQUIRED_BY_SERVER"
	case FailureSSLWithUserAuthRequiredByServer:
		return "SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER"
	default:
		return fmt.Sprintf("FailureCode(0x%x)", uint32(f))
	}
}

// Type is the RDP_NEG_REQ/RSP/FAILURE block's type octet.
type Type byte

const (
	TypeRequest  Type = 0x01
	TypeResponse Type = 0x02
	TypeFailure  Type = 0x03
)
