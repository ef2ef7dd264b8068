package gatewaysrv

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/hoophq/rdp-tunnel/internal/rdp/x224"
)

// rejectedMagics are the two 4-byte prefixes the gateway currently
// refuses to route: JET\0 and JMUX framing, reserved for protocols this
// tunnel doesn't carry.
var rejectedMagics = [][4]byte{
	{'J', 'E', 'T', 0},
	{'J', 'M', 'U', 'X'},
}

// ErrRejectedMagic is returned when the connection's first four bytes
// match a reserved, unsupported magic value.
type ErrRejectedMagic struct{ Magic [4]byte }

func (e ErrRejectedMagic) Error() string {
	return fmt.Sprintf("gatewaysrv: rejected magic %q", e.Magic[:])
}

// peekRoutingKey looks at (but does not consume from) br for the
// client's first X.224 ConnectionRequest and returns the mstshash=
// cookie value it carries. It only Peeks, so every byte the client sent
// is still available to be forwarded to the agent afterward — the
// gateway is a multiplexer, not a terminator of the RDP connection.
func peekRoutingKey(br *bufio.Reader) (string, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return "", fmt.Errorf("gatewaysrv: peek leading bytes: %w", err)
	}
	var m [4]byte
	copy(m[:], magic)
	for _, reserved := range rejectedMagics {
		if m == reserved {
			return "", ErrRejectedMagic{Magic: m}
		}
	}

	total := int(binary.BigEndian.Uint16(magic[2:4]))
	if total < 4 {
		return "", fmt.Errorf("gatewaysrv: tpkt header declares implausible length %d", total)
	}
	pdu, err := br.Peek(total)
	if err != nil {
		return "", fmt.Errorf("gatewaysrv: peek connection request pdu: %w", err)
	}

	req, err := x224.DecodeConnectionRequest(pdu[4:])
	if err != nil {
		return "", fmt.Errorf("gatewaysrv: decode connection request: %w", err)
	}
	username, ok := x224.ParseMstshashCookie(req.Cookie)
	if !ok {
		return "", fmt.Errorf("gatewaysrv: connection request carries no mstshash routing cookie")
	}
	return username, nil
}
