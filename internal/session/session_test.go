package session

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func fdPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestTableInsertRespectsCapacity(t *testing.T) {
	table := NewTable(2)
	require.False(t, table.Full())

	c1, d1 := fdPair(t)
	require.NoError(t, table.Insert(&Session{ClientFD: c1, DestFD: d1}))
	require.Equal(t, 1, table.Len())

	c2, d2 := fdPair(t)
	require.NoError(t, table.Insert(&Session{ClientFD: c2, DestFD: d2}))
	require.True(t, table.Full())

	c3, d3 := fdPair(t)
	err := table.Insert(&Session{ClientFD: c3, DestFD: d3})
	require.Error(t, err)
	unix.Close(c3)
	unix.Close(d3)

	table.Each(func(i int, s *Session) {
		s.Close()
	})
}

func TestRetireTombstonesWithoutShiftingIndices(t *testing.T) {
	table := NewTable(3)
	var indices []int
	for i := 0; i < 3; i++ {
		c, d := fdPair(t)
		require.NoError(t, table.Insert(&Session{ClientFD: c, DestFD: d}))
	}
	table.Each(func(i int, s *Session) { indices = append(indices, i) })
	require.Equal(t, []int{0, 1, 2}, indices)

	table.Retire(1)
	require.Nil(t, table.At(1))
	require.NotNil(t, table.At(0))
	require.NotNil(t, table.At(2))
	require.Equal(t, 2, table.Len())
}

func TestCompactDropsTombstonesPreservingOrder(t *testing.T) {
	table := NewTable(3)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		c, d := fdPair(t)
		s := &Session{ClientFD: c, DestFD: d}
		sessions = append(sessions, s)
		require.NoError(t, table.Insert(s))
	}

	table.Retire(0)
	removed := table.Compact()
	require.Equal(t, 1, removed)
	require.Equal(t, 2, table.Len())

	var seen []*Session
	table.Each(func(i int, s *Session) { seen = append(seen, s) })
	require.Equal(t, []*Session{sessions[1], sessions[2]}, seen)

	table.Each(func(i int, s *Session) { s.Close() })
}

func TestRetireIsNoopOnAlreadyTombstonedSlot(t *testing.T) {
	table := NewTable(1)
	c, d := fdPair(t)
	require.NoError(t, table.Insert(&Session{ClientFD: c, DestFD: d}))

	table.Retire(0)
	require.NotPanics(t, func() { table.Retire(0) })
	require.Equal(t, 0, table.Len())
}

func TestSideFDAndPeerFD(t *testing.T) {
	s := &Session{ClientFD: 10, DestFD: 20}
	require.Equal(t, 10, s.FD(Client))
	require.Equal(t, 20, s.FD(Destination))
	require.Equal(t, 20, s.PeerFD(Client))
	require.Equal(t, 10, s.PeerFD(Destination))
	require.Equal(t, Destination, Client.Opposite())
	require.Equal(t, Client, Destination.Opposite())
}
