package httpmsg

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func writeAll(t *testing.T, fd int, b []byte) {
	t.Helper()
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		require.NoError(t, err)
		b = b[n:]
	}
}

func TestReadSizedBody(t *testing.T) {
	writer, reader := socketpair(t)

	wire := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	go writeAll(t, writer, []byte(wire))

	msg, both, err := Read(reader, 5000)
	require.NoError(t, err)
	require.False(t, both)
	require.Equal(t, []byte("hello"), msg.Body())
	require.True(t, bytes.HasSuffix(msg.Header(), sentinel))
	require.Equal(t, wire, string(msg.Buf))
}

func TestReadChunkedBodyPreservesWireBytes(t *testing.T) {
	writer, reader := socketpair(t)

	wire := "POST /submit HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	go writeAll(t, writer, []byte(wire))

	msg, both, err := Read(reader, 5000)
	require.NoError(t, err)
	require.False(t, both)
	require.Equal(t, "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n", string(msg.Body()))
	require.Equal(t, wire, string(msg.Buf))
}

func TestReadChunkedWinsOverContentLength(t *testing.T) {
	writer, reader := socketpair(t)

	wire := "POST /x HTTP/1.1\r\nContent-Length: 999\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n0\r\n\r\n"
	go writeAll(t, writer, []byte(wire))

	msg, both, err := Read(reader, 5000)
	require.NoError(t, err)
	require.True(t, both)
	require.Equal(t, "3\r\nabc\r\n0\r\n\r\n", string(msg.Body()))
}

func TestReadChunkSizeZeroDigitsIsInvalidSyntax(t *testing.T) {
	writer, reader := socketpair(t)

	wire := "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n\r\nabc\r\n0\r\n\r\n"
	go writeAll(t, writer, []byte(wire))

	_, _, err := Read(reader, 5000)
	require.ErrorIs(t, err, proxyerr.ErrInvalidHTTPSyntax)
}

func TestParseHexDigitsRejectsEmptyRun(t *testing.T) {
	_, err := parseHexDigits(nil)
	require.Error(t, err)
}

func TestHeaderAtExactLimitIsAccepted(t *testing.T) {
	writer, reader := socketpair(t)

	padding := bytes.Repeat([]byte("x"), MaxHeaderSize-len("GET / HTTP/1.1\r\nX-Pad: \r\n\r\n"))
	wire := append([]byte("GET / HTTP/1.1\r\nX-Pad: "), padding...)
	wire = append(wire, []byte("\r\n\r\n")...)
	require.Len(t, wire, MaxHeaderSize)

	go writeAll(t, writer, wire)

	msg, _, err := Read(reader, 5000)
	require.NoError(t, err)
	require.Equal(t, MaxHeaderSize, msg.HeaderLen)
}

func TestHeaderOverLimitExceedsMaxBufferSize(t *testing.T) {
	writer, reader := socketpair(t)

	padding := bytes.Repeat([]byte("x"), MaxHeaderSize-len("GET / HTTP/1.1\r\nX-Pad: \r\n\r\n")+1)
	wire := append([]byte("GET / HTTP/1.1\r\nX-Pad: "), padding...)
	wire = append(wire, []byte("\r\n\r\n")...)

	go writeAll(t, writer, wire)

	_, _, err := Read(reader, 5000)
	require.ErrorIs(t, err, proxyerr.ErrExceededMaxBufferSize)
}

func TestBodyOverLimitExceedsMaxBufferSize(t *testing.T) {
	writer, reader := socketpair(t)

	header := "POST /x HTTP/1.1\r\nContent-Length: 128001\r\n\r\n"
	go writeAll(t, writer, []byte(header))

	_, _, err := Read(reader, 5000)
	require.ErrorIs(t, err, proxyerr.ErrExceededMaxBufferSize)
}
