// Package listener implements the listener bootstrap (C7): a raw IPv4
// STREAM socket, bound and listening, ready for the multiplexer's poll
// loop. It deliberately uses golang.org/x/sys/unix rather than net.Listen
// because the multiplexer needs the bare file descriptor to include in
// its unix.Poll set alongside session sockets.
package listener

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Listen resolves a passive IPv4 STREAM address on port, creates a
// socket with SO_REUSEADDR, binds, and listens with the given backlog.
// Any failure here is fatal at startup, matching §4.7.
func Listen(port int, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("listener: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: bind :%d: %w", port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: listen backlog=%d: %w", backlog, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listener: set nonblocking: %w", err)
	}

	return fd, nil
}
