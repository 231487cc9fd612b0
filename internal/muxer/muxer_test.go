package muxer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/editor"
	"github.com/fungusproxy/socks5intercept/internal/metrics"
)

func newListener(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Port: 0}))
	require.NoError(t, unix.Listen(fd, 4))
	require.NoError(t, unix.SetNonblock(fd, true))
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func newTestConfig(t *testing.T, listenFD int) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenFD = listenFD
	cfg.MaxSessions = 2
	cfg.AcceptPollTimeoutMs = 5
	cfg.TransferPollTimeoutMs = 5
	cfg.Editor = editor.New("cat", nil)
	cfg.Metrics = metrics.New(prometheus.NewRegistry())
	return cfg
}

func TestRunExitsCleanlyOnContextCancel(t *testing.T) {
	listenFD := newListener(t)
	m := New(newTestConfig(t, listenFD))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
	require.Equal(t, 0, m.ActiveSessions())
}

func TestHandleNewClientRejectsBadHandshake(t *testing.T) {
	listenFD := newListener(t)
	m := New(newTestConfig(t, listenFD))

	clientSide, serverSide := mustSocketpair(t)
	go unix.Write(clientSide, []byte{0x04, 0x01, 0x00}) // wrong SOCKS version

	m.handleNewClient(context.Background(), serverSide)
	require.Equal(t, 0, m.ActiveSessions())
}

func mustSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}
