// Package transport implements the bounded, interruptible byte transport
// (C1): recv_exact/send_exact built on a single poll-driven primitive,
// plus big-endian integer helpers. It operates on raw file descriptors so
// the multiplexer can poll the same fd it reads and writes, matching the
// single-threaded cooperative model of §5.
package transport

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
)

// waitReadable polls fd for POLLIN|POLLHUP for up to timeoutMs
// milliseconds. It reports whether fd became ready before the deadline.
func waitReadable(fd int, timeoutMs int) (bool, error) {
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLHUP}}
	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, proxyerr.ErrSystemInterrupt
		}
		return false, err
	}
	return n > 0, nil
}

// RecvExact reads exactly len(buf) bytes from fd, waiting up to timeoutMs
// milliseconds per wait step. If allowShort is true, a wait timeout
// returns the bytes gathered so far (n < len(buf)) with a nil error
// instead of proxyerr.ErrTimeout. Errors classify as
// proxyerr.ErrConnectionTerminated (peer closed or reset),
// proxyerr.ErrSystemInterrupt (signal), proxyerr.ErrTimeout (deadline,
// !allowShort), or a bare OS error the caller should treat as fatal.
func RecvExact(fd int, buf []byte, timeoutMs int, allowShort bool) (int, error) {
	received := 0
	for received < len(buf) {
		ready, err := waitReadable(fd, timeoutMs)
		if err != nil {
			return received, err
		}
		if !ready {
			if allowShort {
				return received, nil
			}
			return received, proxyerr.ErrTimeout
		}

		n, err := unix.Read(fd, buf[received:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				return received, proxyerr.ErrSystemInterrupt
			case errors.Is(err, unix.ECONNRESET):
				return received, proxyerr.ErrConnectionTerminated
			default:
				return received, err
			}
		}
		if n == 0 {
			return received, proxyerr.ErrConnectionTerminated
		}
		received += n
	}
	return received, nil
}

// PeekWindow waits up to timeoutMs for fd to become readable, then peeks
// (without consuming) up to len(buf) bytes using MSG_PEEK. It returns the
// number of bytes peeked, which may be 0 if the wait timed out — callers
// that need a header sentinel scan treat a 0-byte peek as "keep trying"
// rather than an error, matching allow_less behavior for this one caller.
func PeekWindow(fd int, buf []byte, timeoutMs int) (int, error) {
	ready, err := waitReadable(fd, timeoutMs)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, nil
	}

	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK)
	if err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			return 0, proxyerr.ErrSystemInterrupt
		case errors.Is(err, unix.ECONNRESET):
			return 0, proxyerr.ErrConnectionTerminated
		default:
			return 0, err
		}
	}
	if n == 0 {
		return 0, proxyerr.ErrConnectionTerminated
	}
	return n, nil
}

// Consume reads and discards exactly n bytes from fd without any wait
// budget beyond timeoutMs, used to advance past bytes already confirmed
// present by a prior PeekWindow.
func Consume(fd int, n int, timeoutMs int) error {
	buf := make([]byte, n)
	got, err := RecvExact(fd, buf, timeoutMs, false)
	if err != nil {
		return err
	}
	if got != n {
		return proxyerr.ErrConnectionTerminated
	}
	return nil
}

// SendExact writes all of buf to fd, looping over partial writes.
func SendExact(fd int, buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				return proxyerr.ErrSystemInterrupt
			case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
				return proxyerr.ErrConnectionTerminated
			default:
				return err
			}
		}
		sent += n
	}
	return nil
}

// RecvUint16BE reads a 16-bit big-endian word from fd.
func RecvUint16BE(fd int, timeoutMs int) (uint16, error) {
	var b [2]byte
	if _, err := RecvExact(fd, b[:], timeoutMs, false); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
