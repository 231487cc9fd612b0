// Package handshake implements the server side of RFC 1928 (C2): greeting,
// method selection, request, address parsing, resolution, and a
// non-blocking connect to the destination, with reply bytes and error
// classification matching §4.2's table exactly.
package handshake

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
	"github.com/fungusproxy/socks5intercept/internal/socksaddr"
	"github.com/fungusproxy/socks5intercept/internal/transport"
)

const (
	version = 0x05

	authNoAuth     = 0x00
	authUnsuitable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded          = 0x00
	repGeneralFailure     = 0x01
	repNetworkUnreachable = 0x03
	repHostUnreachable    = 0x04
	repConnectionRefused  = 0x05
)

// Result is what a successful handshake hands back to the multiplexer:
// the connected destination descriptor and the resolved endpoint, for
// logging and metrics.
type Result struct {
	DestFD int
	Dest   socksaddr.Destination
	Addr   socksaddr.Address
}

// Run executes one full server-side handshake on clientFD. stepTimeoutMs
// bounds every individual read/connect wait, per §4.5's 300ms handshake
// budget. When it rejects the greeting or request, or resolution or
// connect fails, it writes the appropriate SOCKS5 reply (or the
// {VER, 0xFF} auth rejection) before returning; a read error or timeout
// returns without writing anything. The caller is responsible for closing
// clientFD in all cases.
func Run(ctx context.Context, clientFD int, stepTimeoutMs int) (Result, error) {
	if err := negotiateAuth(clientFD, stepTimeoutMs); err != nil {
		return Result{}, err
	}

	addr, err := readRequest(clientFD, stepTimeoutMs)
	if err != nil {
		return Result{}, err
	}

	dest, err := addr.Resolve(ctx)
	if err != nil {
		sendReply(clientFD, replyCodeForResolve(err))
		return Result{}, err
	}

	destFD, err := connectNonBlocking(dest, stepTimeoutMs)
	if err != nil {
		sendReply(clientFD, replyCodeForConnect(err))
		return Result{}, err
	}

	if err := sendReply(clientFD, repSucceeded); err != nil {
		unix.Close(destFD)
		return Result{}, err
	}

	return Result{DestFD: destFD, Dest: dest, Addr: addr}, nil
}

func negotiateAuth(fd int, timeoutMs int) error {
	hdr, err := recvExact(fd, 2, timeoutMs)
	if err != nil {
		return err
	}
	if hdr[0] != version {
		sendRaw(fd, []byte{version, authUnsuitable})
		return proxyerr.ErrInvalidVersion
	}
	nmethods := int(hdr[1])
	if nmethods == 0 {
		sendRaw(fd, []byte{version, authUnsuitable})
		return proxyerr.ErrInvalidAuth
	}

	methods, err := recvExact(fd, nmethods, timeoutMs)
	if err != nil {
		return err
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == authNoAuth {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		sendRaw(fd, []byte{version, authUnsuitable})
		return proxyerr.ErrInvalidAuth
	}

	return sendRaw(fd, []byte{version, authNoAuth})
}

func readRequest(fd int, timeoutMs int) (socksaddr.Address, error) {
	hdr, err := recvExact(fd, 4, timeoutMs)
	if err != nil {
		return socksaddr.Address{}, err
	}
	if hdr[0] != version {
		return socksaddr.Address{}, rejectRequest(fd, proxyerr.ErrInvalidVersion)
	}
	if hdr[1] != cmdConnect {
		return socksaddr.Address{}, rejectRequest(fd, proxyerr.ErrInvalidCommand)
	}

	switch hdr[3] {
	case atypIPv4:
		raw, err := recvExact(fd, 4, timeoutMs)
		if err != nil {
			return socksaddr.Address{}, err
		}
		var octets [4]byte
		copy(octets[:], raw)
		port, err := recvPort(fd, timeoutMs)
		if err != nil {
			return socksaddr.Address{}, err
		}
		return socksaddr.NewIPv4(octets, port), nil

	case atypDomain:
		lenBuf, err := recvExact(fd, 1, timeoutMs)
		if err != nil {
			return socksaddr.Address{}, err
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			return socksaddr.Address{}, rejectRequest(fd, fmt.Errorf("%w: zero-length domain", proxyerr.ErrInvalidAddressType))
		}
		raw, err := recvExact(fd, domainLen, timeoutMs)
		if err != nil {
			return socksaddr.Address{}, err
		}
		port, err := recvPort(fd, timeoutMs)
		if err != nil {
			return socksaddr.Address{}, err
		}
		addr, err := socksaddr.NewDomain(string(raw), port)
		if err != nil {
			return socksaddr.Address{}, rejectRequest(fd, fmt.Errorf("%w: %v", proxyerr.ErrInvalidAddressType, err))
		}
		return addr, nil

	case atypIPv6:
		return socksaddr.Address{}, rejectRequest(fd, fmt.Errorf("%w: IPv6 addressing is not supported", proxyerr.ErrInvalidAddressType))

	default:
		return socksaddr.Address{}, rejectRequest(fd, fmt.Errorf("%w: unknown ATYP 0x%02x", proxyerr.ErrInvalidAddressType, hdr[3]))
	}
}

// rejectRequest sends the SOCKS5 reply implied by err's sentinel kind,
// via proxyerr.ReplyCode, falling back to a general failure for an
// unmapped error, and returns err unchanged so callers can do
// `return Address{}, rejectRequest(fd, err)` in one line.
func rejectRequest(fd int, err error) error {
	code, ok := proxyerr.ReplyCode(err)
	if !ok {
		code = repGeneralFailure
	}
	sendReply(fd, code)
	return err
}

func recvPort(fd int, timeoutMs int) (uint16, error) {
	return transport.RecvUint16BE(fd, timeoutMs)
}

// connectNonBlocking opens a socket to dest, setting it non-blocking for
// the connect and polling it with the handshake's step budget, per the
// Design Note in spec.md §9 rather than the original's blocking connect.
func connectNonBlocking(dest socksaddr.Destination, timeoutMs int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("handshake: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("handshake: set nonblocking: %w", err)
	}

	err = unix.Connect(fd, dest.Sockaddr())
	if err == nil {
		return fd, nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, connectErrToUnreachable(err)
	}

	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, perr := unix.Poll(pfds, timeoutMs)
	if perr != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("handshake: poll connect: %w", perr)
	}
	if n == 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: connect timed out", proxyerr.ErrDestinationUnreachable)
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("handshake: getsockopt SO_ERROR: %w", gerr)
	}
	if soErr != 0 {
		unix.Close(fd)
		return -1, connectErrToUnreachable(unix.Errno(soErr))
	}

	return fd, nil
}

// connectErrToUnreachable wraps a connect(2) errno in
// proxyerr.ErrDestinationUnreachable, wrapping (not just formatting) the
// errno too so errors.Is(err, unix.ECONNREFUSED) etc. in
// replyCodeForConnect still matches through the chain.
func connectErrToUnreachable(err error) error {
	return fmt.Errorf("%w: %w", proxyerr.ErrDestinationUnreachable, err)
}

// replyCodeForResolve classifies a resolve-time failure per §4.2's table:
// EAFNOSUPPORT/ENETUNREACH -> NetworkUnreachable, everything else
// (resolver failures, the EAI_* row) -> HostUnreachable.
func replyCodeForResolve(err error) byte {
	if errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.ENETUNREACH) {
		return repNetworkUnreachable
	}
	return repHostUnreachable
}

// replyCodeForConnect classifies a connect-time failure per §4.2's table:
// ECONNREFUSED -> ConnectionRefused, EAFNOSUPPORT/ENETUNREACH ->
// NetworkUnreachable, everything else (EHOSTUNREACH, ETIMEDOUT,
// EADDRNOTAVAIL) -> HostUnreachable.
func replyCodeForConnect(err error) byte {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return repConnectionRefused
	case errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.ENETUNREACH):
		return repNetworkUnreachable
	default:
		return repHostUnreachable
	}
}

// sendReply writes the fixed 10-byte SOCKS5 reply
// {VER, REP, RSV, ATYP=IPv4, 0.0.0.0, 0} mandated by §4.2 and §6 — the
// simplification of always reporting BND.ADDR as 0.0.0.0:0.
func sendReply(fd int, rep byte) error {
	return sendRaw(fd, []byte{version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
}

func sendRaw(fd int, b []byte) error {
	return transport.SendExact(fd, b)
}

// recvExact reads exactly n bytes from fd via internal/transport, which
// is also what the HTTP framer and the multiplexer's relay phase use —
// the handshake's small fixed-size reads (greeting, method list, request
// header, address bytes, port) need no framing beyond "exactly n bytes".
func recvExact(fd int, n int, timeoutMs int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := transport.RecvExact(fd, buf, timeoutMs, false)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}
