// Package session implements the data model shared by the multiplexer:
// Session (a paired client/destination socket), SessionTable (the bounded,
// order-preserving, tombstone-and-compact collection of live sessions),
// and PollEntry (one descriptor's slot in a poll(2) call).
package session

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/socksaddr"
)

// Side identifies which end of a Session a descriptor belongs to.
type Side int

const (
	Client Side = iota
	Destination
)

func (s Side) String() string {
	if s == Client {
		return "client"
	}
	return "destination"
}

// Opposite returns the other side of a session pair.
func (s Side) Opposite() Side {
	if s == Client {
		return Destination
	}
	return Client
}

// Session is an unordered pair of sockets, {client, destination}, that
// exists from a successful handshake until either side hangs up or a
// parse/forward error retires it. Both descriptors are open for as long
// as the Session exists; closing one closes the other in the same tick.
type Session struct {
	ClientFD int
	DestFD   int
	Addr     socksaddr.Address
	Dest     socksaddr.Destination
}

// FD returns the descriptor for side.
func (s *Session) FD(side Side) int {
	if side == Client {
		return s.ClientFD
	}
	return s.DestFD
}

// PeerFD returns the descriptor on the opposite side from side.
func (s *Session) PeerFD(side Side) int {
	if side == Client {
		return s.DestFD
	}
	return s.ClientFD
}

// Close closes both descriptors, ignoring errors — a session that is
// being retired has no further use for either end.
func (s *Session) Close() {
	unix.Close(s.ClientFD)
	unix.Close(s.DestFD)
}

// PollEntry is one descriptor's slot in a poll(2) call: the descriptor
// plus requested event mask plus the events poll(2) returned. A
// descriptor of -1 is a tombstone, dropped by the next Compact.
type PollEntry struct {
	FD      int32
	Events  int16
	Revents int16
}

// Tombstone is the sentinel descriptor value marking a retired slot.
const Tombstone int32 = -1

// Table is the ordered collection of up to Max live sessions. Insertion
// is always at the end; Compact drops retired sessions while preserving
// the relative order of the survivors, so iteration order is stable
// within a tick.
type Table struct {
	Max      int
	sessions []*Session
}

// NewTable returns an empty table capped at max concurrent sessions.
func NewTable(max int) *Table {
	return &Table{Max: max}
}

// Len returns the number of live (non-tombstoned) sessions.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// Full reports whether the table is at capacity.
func (t *Table) Full() bool { return t.Len() >= t.Max }

// Insert appends a new session. The caller must have already checked
// Full(); Insert returns an error instead of silently exceeding Max.
func (t *Table) Insert(s *Session) error {
	if t.Full() {
		return fmt.Errorf("session: table at capacity (%d)", t.Max)
	}
	t.sessions = append(t.sessions, s)
	return nil
}

// Retire closes and tombstones the session at index i. It is a no-op if
// i is already tombstoned.
func (t *Table) Retire(i int) {
	if i < 0 || i >= len(t.sessions) || t.sessions[i] == nil {
		return
	}
	t.sessions[i].Close()
	t.sessions[i] = nil
}

// Compact drops every tombstoned slot, preserving the order of the
// survivors, and reports how many sessions were removed.
func (t *Table) Compact() (removed int) {
	live := t.sessions[:0]
	for _, s := range t.sessions {
		if s == nil {
			removed++
			continue
		}
		live = append(live, s)
	}
	t.sessions = live
	return removed
}

// Each calls f for every live session in table order, passing its index.
// f may be called with sessions in any order across ticks but is always
// called in ascending index order within one call to Each.
func (t *Table) Each(f func(i int, s *Session)) {
	for i, s := range t.sessions {
		if s != nil {
			f(i, s)
		}
	}
}

// At returns the session at index i, or nil if tombstoned or
// out of range.
func (t *Table) At(i int) *Session {
	if i < 0 || i >= len(t.sessions) {
		return nil
	}
	return t.sessions[i]
}
