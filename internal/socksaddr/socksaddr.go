// Package socksaddr models the SocksAddress and Destination data model:
// the tagged IPv4/Domain variant carried in a SOCKS5 request, and the
// resolved endpoint produced by name resolution and consumed to open a
// TCP connection.
package socksaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
)

// Type tags the variant of an Address.
type Type int

const (
	IPv4 Type = iota
	Domain
)

// Address is the tagged IPv4/Domain variant of §3's SocksAddress. IPv6 is
// recognized in the wire grammar (ATYP 0x04) but never represented here;
// the handshaker rejects it before constructing an Address.
type Address struct {
	Type   Type
	IP     [4]byte // valid when Type == IPv4
	Domain string  // valid when Type == Domain, len <= 255
	Port   uint16
}

// NewIPv4 builds an Address from four raw octets and a port.
func NewIPv4(octets [4]byte, port uint16) Address {
	return Address{Type: IPv4, IP: octets, Port: port}
}

// NewDomain builds an Address from a domain name and a port. name must be
// 1..255 bytes, matching the SOCKS5 domain length prefix.
func NewDomain(name string, port uint16) (Address, error) {
	if len(name) == 0 || len(name) > 255 {
		return Address{}, fmt.Errorf("socksaddr: domain length %d out of range", len(name))
	}
	return Address{Type: Domain, Domain: name, Port: port}, nil
}

// String renders the address the way a destination log line would.
func (a Address) String() string {
	switch a.Type {
	case IPv4:
		ip := net.IP(a.IP[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	default:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	}
}

// Destination is a resolved endpoint: a concrete IPv4 address and port,
// carried both as a net.IP (for logging) and as the raw sockaddr the
// handshaker's non-blocking connect needs.
type Destination struct {
	IP   net.IP
	Port uint16
}

// Sockaddr returns the unix.Sockaddr form of d, ready for unix.Connect.
func (d Destination) Sockaddr() unix.Sockaddr {
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], d.IP.To4())
	addr.Port = int(d.Port)
	return &addr
}

// Resolve resolves a as an IPv4 endpoint, classifying resolver failures
// into the "unreachable" taxonomy of §4.2's reply-code table. Every
// failure, including an empty answer, comes back wrapping
// proxyerr.ErrDestinationUnreachable, so errors.Is matches it.
func (a Address) Resolve(ctx context.Context) (Destination, error) {
	host := a.Domain
	if a.Type == IPv4 {
		host = net.IP(a.IP[:]).String()
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return Destination{}, classifyResolveErr(err)
	}
	if len(ips) == 0 {
		return Destination{}, fmt.Errorf("%w: no address records for %q", proxyerr.ErrDestinationUnreachable, host)
	}

	return Destination{IP: ips[0], Port: a.Port}, nil
}

// classifyResolveErr maps a net package resolution error onto the
// host-unreachable / network-unreachable split of §4.2. DNS errors
// (NXDOMAIN, SERVFAIL, timeout, temporary) are host-unreachable; address
// family mismatches are network-unreachable.
func classifyResolveErr(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", proxyerr.ErrDestinationUnreachable, dnsErr)
	}
	if errors.Is(err, syscall.EAFNOSUPPORT) || errors.Is(err, syscall.ENETUNREACH) {
		return fmt.Errorf("%w (network unreachable): %w", proxyerr.ErrDestinationUnreachable, err)
	}
	return fmt.Errorf("%w: %v", proxyerr.ErrDestinationUnreachable, err)
}
