package socksaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddressStringIPv4(t *testing.T) {
	a := NewIPv4([4]byte{93, 184, 216, 34}, 80)
	require.Equal(t, "93.184.216.34:80", a.String())
}

func TestAddressStringDomain(t *testing.T) {
	a, err := NewDomain("example.com", 443)
	require.NoError(t, err)
	require.Equal(t, "example.com:443", a.String())
}

func TestNewDomainRejectsOutOfRangeLength(t *testing.T) {
	_, err := NewDomain("", 80)
	require.Error(t, err)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewDomain(string(long), 80)
	require.Error(t, err)
}

func TestDestinationSockaddr(t *testing.T) {
	d := Destination{IP: net.IPv4(10, 0, 0, 1), Port: 8080}
	sa := d.Sockaddr()
	inet4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	require.Equal(t, 8080, inet4.Port)
	require.Equal(t, []byte{10, 0, 0, 1}, inet4.Addr[:])
}
