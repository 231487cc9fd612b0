package handshake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (clientSide, serverSide int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRunRejectsWrongVersion(t *testing.T) {
	clientSide, serverSide := socketpair(t)

	go func() {
		unix.Write(clientSide, []byte{0x04, 0x01, 0x00})
	}()

	_, err := Run(context.Background(), serverSide, 2000)
	require.Error(t, err)

	reply := make([]byte, 2)
	n, rerr := unix.Read(clientSide, reply)
	require.NoError(t, rerr)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{version, authUnsuitable}, reply)
}

func TestRunRejectsZeroMethods(t *testing.T) {
	clientSide, serverSide := socketpair(t)

	go func() {
		unix.Write(clientSide, []byte{version, 0x00})
	}()

	_, err := Run(context.Background(), serverSide, 2000)
	require.Error(t, err)

	reply := make([]byte, 2)
	n, rerr := unix.Read(clientSide, reply)
	require.NoError(t, rerr)
	require.Equal(t, 2, n)
	require.Equal(t, []byte{version, authUnsuitable}, reply)
}

func TestRunRejectsUnsupportedAuthMethods(t *testing.T) {
	clientSide, serverSide := socketpair(t)

	go func() {
		unix.Write(clientSide, []byte{version, 0x01, 0x02}) // only username/password offered
	}()

	_, err := Run(context.Background(), serverSide, 2000)
	require.Error(t, err)
}

func TestRunRejectsUnsupportedCommand(t *testing.T) {
	clientSide, serverSide := socketpair(t)

	go func() {
		unix.Write(clientSide, []byte{version, 0x01, 0x00})                     // greeting: no-auth
		unix.Write(clientSide, []byte{version, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0, 80}) // BIND, not CONNECT
	}()

	_, err := Run(context.Background(), serverSide, 2000)
	require.Error(t, err)

	// Drain the method-selection reply before checking the request reply.
	drain := make([]byte, 2)
	unix.Read(clientSide, drain)

	reply := make([]byte, 10)
	n, rerr := unix.Read(clientSide, reply)
	require.NoError(t, rerr)
	require.Equal(t, 10, n)
	require.Equal(t, byte(0x07), reply[1]) // REP: command not supported
}

func TestRunRejectsZeroLengthDomain(t *testing.T) {
	clientSide, serverSide := socketpair(t)

	go func() {
		unix.Write(clientSide, []byte{version, 0x01, 0x00})
		unix.Write(clientSide, []byte{version, cmdConnect, 0x00, atypDomain, 0x00})
	}()

	_, err := Run(context.Background(), serverSide, 2000)
	require.Error(t, err)
}
