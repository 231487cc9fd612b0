// Package proxyerr defines the error vocabulary shared by the transport,
// handshake, framer and multiplexer packages. Every error a session can
// fail with is one of a small closed set, so callers classify failures
// with errors.Is instead of inspecting strings.
package proxyerr

import "errors"

// Sentinel errors. These are the ten kinds from the SOCKS5/HTTP relay
// error taxonomy; each is local to a single session and never affects
// other sessions.
var (
	ErrConnectionTerminated  = errors.New("connection terminated unexpectedly")
	ErrInvalidVersion        = errors.New("invalid SOCKS version in header")
	ErrInvalidAuth           = errors.New("no acceptable authentication method")
	ErrInvalidCommand        = errors.New("invalid SOCKS command")
	ErrInvalidAddressType    = errors.New("invalid SOCKS address type")
	ErrDestinationUnreachable = errors.New("destination unreachable")
	ErrExceededMaxBufferSize = errors.New("exceeded maximum buffer size")
	ErrTimeout               = errors.New("timed out waiting for data")
	ErrInvalidHTTPSyntax     = errors.New("invalid HTTP syntax")
	ErrSystemInterrupt       = errors.New("interrupted by a signal")
)

// replyCodes maps the errors that carry a SOCKS5 REP byte (RFC 1928 §6)
// to that byte. Errors not in this map (ErrSystemInterrupt, ErrTimeout on
// the transfer path) never produce a wire reply.
var replyCodes = map[error]byte{
	ErrInvalidVersion:         0x01, // general failure
	ErrInvalidAuth:            0xFF, // handled specially: {VER, 0xFF}, not a REP reply
	ErrInvalidCommand:         0x07,
	ErrInvalidAddressType:     0x08,
	ErrDestinationUnreachable: 0x04, // overridden per-cause by handshake package
}

// ReplyCode reports the SOCKS5 REP byte a given error implies, if any.
func ReplyCode(err error) (byte, bool) {
	for sentinel, code := range replyCodes {
		if errors.Is(err, sentinel) {
			return code, true
		}
	}
	return 0, false
}

// Kind returns a short stable identifier for err, suitable for use as a
// Prometheus label value or a log field. Unrecognized errors return
// "unknown".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionTerminated):
		return "connection_terminated"
	case errors.Is(err, ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, ErrInvalidAuth):
		return "invalid_auth"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrInvalidAddressType):
		return "invalid_address_type"
	case errors.Is(err, ErrDestinationUnreachable):
		return "destination_unreachable"
	case errors.Is(err, ErrExceededMaxBufferSize):
		return "exceeded_max_buffer_size"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidHTTPSyntax):
		return "invalid_http_syntax"
	case errors.Is(err, ErrSystemInterrupt):
		return "system_interrupt"
	default:
		return "unknown"
	}
}
