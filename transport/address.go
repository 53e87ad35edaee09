package transport

import (
	"fmt"
	"net"
	"strings"

	"github.com/opd-ai/meshcore/descriptor"
)

// ErrNotOnion is returned when a host expected to be a Tor address lacks
// the .onion suffix.
var ErrNotOnion = fmt.Errorf("transport: host is not a .onion address")

// ErrNotI2P is returned when a host expected to be an I2P address lacks the
// .i2p suffix.
var ErrNotI2P = fmt.Errorf("transport: host is not an .i2p address")

// ValidateHost checks that host is well-formed for kind: Tor hosts must
// end in .onion (with a 16- or 56-character label), I2P hosts in .i2p, and
// direct-quic hosts must be an IP literal or an explicitly allowed DNS
// name.
func ValidateHost(kind descriptor.TransportKind, host string, allowedDirectNames map[string]bool) error {
	switch kind {
	case descriptor.TransportTorQUIC:
		if !strings.HasSuffix(host, ".onion") {
			return ErrNotOnion
		}
		label := strings.TrimSuffix(host, ".onion")
		if len(label) != 16 && len(label) != 56 {
			return fmt.Errorf("transport: invalid onion address length %d (want 16 or 56)", len(label))
		}
		return nil
	case descriptor.TransportI2PQUIC:
		if !strings.HasSuffix(host, ".i2p") {
			return ErrNotI2P
		}
		return nil
	case descriptor.TransportDirectQUIC:
		if net.ParseIP(host) != nil {
			return nil
		}
		if allowedDirectNames[host] {
			return nil
		}
		return fmt.Errorf("transport: direct-quic host %q is neither an IP literal nor policy-allowed", host)
	default:
		return fmt.Errorf("transport: unknown transport kind %q", kind)
	}
}

// IsAnonymizing reports whether kind routes over an anonymity network and
// therefore requires the DNS-leak guard and stream isolation.
func IsAnonymizing(kind descriptor.TransportKind) bool {
	return kind == descriptor.TransportTorQUIC || kind == descriptor.TransportI2PQUIC
}
