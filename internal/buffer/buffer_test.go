package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
)

func TestAppendAtExactMaxIsAccepted(t *testing.T) {
	b := New(5)
	require.NoError(t, b.Append([]byte("hello")))
	require.Equal(t, 5, b.Len())
	require.Equal(t, []byte("hello"), b.Bytes())
}

func TestAppendPastMaxIsRejected(t *testing.T) {
	b := New(5)
	err := b.Append([]byte("hello!"))
	require.ErrorIs(t, err, proxyerr.ErrExceededMaxBufferSize)
	require.Equal(t, 0, b.Len())
}

func TestAppendAccumulatesAcrossCalls(t *testing.T) {
	b := New(10)
	require.NoError(t, b.Append([]byte("abc")))
	require.NoError(t, b.Append([]byte("def")))
	require.Equal(t, "abcdef", string(b.Bytes()))

	err := b.Append([]byte("12345"))
	require.ErrorIs(t, err, proxyerr.ErrExceededMaxBufferSize)
	require.Equal(t, "abcdef", string(b.Bytes()))
}
