// Package muxer implements the session multiplexer (C5): the
// single-threaded accept/poll loop that readies sockets, dispatches HTTP
// messages between paired sockets through the editor gateway on the
// client side, and retires closed or failed pairs every tick.
package muxer

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fungusproxy/socks5intercept/internal/editor"
	"github.com/fungusproxy/socks5intercept/internal/handshake"
	"github.com/fungusproxy/socks5intercept/internal/httpmsg"
	"github.com/fungusproxy/socks5intercept/internal/metrics"
	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
	"github.com/fungusproxy/socks5intercept/internal/session"
	"github.com/fungusproxy/socks5intercept/internal/transport"
)

// Config carries every timeout and collaborator the multiplexer needs.
// New uses the values as given; DefaultConfig returns a Config holding
// the values spec.md mandates.
type Config struct {
	ListenFD int

	MaxSessions            int
	AcceptPollTimeoutMs    int
	HandshakeStepTimeoutMs int
	TransferPollTimeoutMs  int
	MessageTimeoutMs       int

	Editor  *editor.Gateway
	Metrics *metrics.Metrics
}

// DefaultConfig fills in the timeouts and limits §4.5 specifies, leaving
// ListenFD and Editor for the caller to set.
func DefaultConfig() Config {
	return Config{
		MaxSessions:            12,
		AcceptPollTimeoutMs:    10,
		HandshakeStepTimeoutMs: 300,
		TransferPollTimeoutMs:  500,
		MessageTimeoutMs:       60000,
		Metrics:                metrics.Default(),
	}
}

// Muxer runs the accept/poll loop described in §4.5. It is not safe for
// concurrent use — it is a single-threaded cooperative loop by design.
type Muxer struct {
	cfg   Config
	table *session.Table
}

// New builds a Muxer from cfg.
func New(cfg Config) *Muxer {
	return &Muxer{cfg: cfg, table: session.NewTable(cfg.MaxSessions)}
}

// ActiveSessions reports the number of currently live sessions.
func (m *Muxer) ActiveSessions() int { return m.table.Len() }

// Run executes the accept/transfer loop until ctx is canceled (SIGINT or
// SIGTERM, observed between ticks per §5) or a SystemInterrupt surfaces
// during a blocking call, which exits the loop cleanly per §4.5. On
// return, every remaining session socket has been closed.
func (m *Muxer) Run(ctx context.Context) error {
	defer m.closeAll()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := m.acceptPhase(ctx); err != nil {
			if errors.Is(err, proxyerr.ErrSystemInterrupt) {
				return nil
			}
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		interrupted, err := m.transferPhase()
		if err != nil {
			return err
		}
		if interrupted {
			return nil
		}
	}
}

func (m *Muxer) closeAll() {
	m.table.Each(func(i int, s *session.Session) {
		m.table.Retire(i)
	})
	m.table.Compact()
}

// acceptPhase accepts at most as many clients as there is free capacity
// for, each gated by a 10ms poll of the listening socket, per §4.5.
func (m *Muxer) acceptPhase(ctx context.Context) error {
	for !m.table.Full() {
		pfds := []unix.PollFd{{Fd: int32(m.cfg.ListenFD), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, m.cfg.AcceptPollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				return proxyerr.ErrSystemInterrupt
			}
			return err
		}
		if n == 0 {
			return nil
		}

		clientFD, _, err := unix.Accept(m.cfg.ListenFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			if errors.Is(err, unix.EINTR) {
				return proxyerr.ErrSystemInterrupt
			}
			return err
		}

		m.handleNewClient(ctx, clientFD)
	}
	return nil
}

func (m *Muxer) handleNewClient(ctx context.Context, clientFD int) {
	if err := unix.SetNonblock(clientFD, true); err != nil {
		log.Printf("[handshake] set nonblocking failed: %v", err)
		unix.Close(clientFD)
		return
	}

	start := time.Now()
	result, err := handshake.Run(ctx, clientFD, m.cfg.HandshakeStepTimeoutMs)
	m.cfg.Metrics.HandshakeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		m.cfg.Metrics.HandshakeFailures.WithLabelValues(proxyerr.Kind(err)).Inc()
		log.Printf("[handshake] failed: %v", err)
		unix.Close(clientFD)
		return
	}

	sess := &session.Session{
		ClientFD: clientFD,
		DestFD:   result.DestFD,
		Addr:     result.Addr,
		Dest:     result.Dest,
	}
	if err := m.table.Insert(sess); err != nil {
		log.Printf("[muxer] %v", err)
		sess.Close()
		return
	}

	m.cfg.Metrics.SessionsOpenedTotal.Inc()
	m.cfg.Metrics.SessionsActive.Set(float64(m.table.Len()))
	log.Printf("[muxer] session opened: client=%d -> %s", clientFD, result.Addr)
}

// pollSlot remembers which session and side a pollfd array entry belongs
// to, so the transfer phase can map a ready descriptor back to its pair.
type pollSlot struct {
	sessionIdx int
	side       session.Side
}

// transferPhase polls every live session's sockets once, forwards at
// most one HTTP message per ready descriptor, retires hung-up or failed
// pairs, and compacts the table at the end, per §4.5. The returned bool
// reports whether a SystemInterrupt requires the whole loop to stop.
func (m *Muxer) transferPhase() (interrupted bool, err error) {
	var entries []session.PollEntry
	var slots []pollSlot

	m.table.Each(func(i int, s *session.Session) {
		entries = append(entries, session.PollEntry{FD: int32(s.ClientFD), Events: unix.POLLIN | unix.POLLHUP})
		slots = append(slots, pollSlot{i, session.Client})
		entries = append(entries, session.PollEntry{FD: int32(s.DestFD), Events: unix.POLLIN | unix.POLLHUP})
		slots = append(slots, pollSlot{i, session.Destination})
	})
	if len(entries) == 0 {
		return false, nil
	}

	// entries[2k]/entries[2k+1] are the client/destination slots of session
	// k; peer of index i is i^1. This is what lets retirement below
	// tombstone a pair in place without a separate "already retired"
	// lookup structure.
	pfds := make([]unix.PollFd, len(entries))
	for k, e := range entries {
		pfds[k] = unix.PollFd{Fd: e.FD, Events: e.Events}
	}

	n, perr := unix.Poll(pfds, m.cfg.TransferPollTimeoutMs)
	if perr != nil {
		if errors.Is(perr, unix.EINTR) {
			return true, nil
		}
		return false, perr
	}
	for k := range pfds {
		entries[k].Revents = pfds[k].Revents
	}
	if n == 0 {
		return false, nil
	}

	for k := range entries {
		if entries[k].FD == session.Tombstone {
			continue
		}
		if entries[k].Revents == 0 {
			continue
		}
		slot := slots[k]
		sess := m.table.At(slot.sessionIdx)
		if sess == nil {
			continue
		}
		peer := k ^ 1

		if entries[k].Revents&unix.POLLHUP != 0 && entries[k].Revents&unix.POLLIN == 0 {
			m.retire(slot.sessionIdx, sess, "hangup")
			entries[k].FD = session.Tombstone
			entries[peer].FD = session.Tombstone
			continue
		}

		if entries[k].Revents&unix.POLLIN != 0 {
			stop, retiredNow := m.forwardOne(slot, sess)
			if stop {
				return true, nil
			}
			if retiredNow {
				entries[k].FD = session.Tombstone
				entries[peer].FD = session.Tombstone
			}
		}
	}

	removed := m.table.Compact()
	if removed > 0 {
		m.cfg.Metrics.SessionsActive.Set(float64(m.table.Len()))
	}
	return false, nil
}

// forwardOne reads one HTTP message from slot's descriptor, edits it if
// it came from the client side, and forwards it to the peer. It reports
// whether a SystemInterrupt requires a clean loop exit, and whether it
// retired the session.
func (m *Muxer) forwardOne(slot pollSlot, sess *session.Session) (stop, retired bool) {
	srcFD := sess.FD(slot.side)

	msg, bothHeaders, err := httpmsg.Read(srcFD, m.cfg.MessageTimeoutMs)
	if bothHeaders {
		log.Printf("[httpmsg] session %d: both Content-Length and Transfer-Encoding: chunked present; chunked wins", slot.sessionIdx)
	}
	if err != nil {
		if errors.Is(err, proxyerr.ErrSystemInterrupt) {
			return true, false
		}
		log.Printf("[muxer] session %d retiring (%s side): %v", slot.sessionIdx, slot.side, err)
		m.retire(slot.sessionIdx, sess, proxyerr.Kind(err))
		return false, true
	}

	out := msg.Buf
	if slot.side == session.Client {
		m.cfg.Metrics.EditorInvocations.Inc()
		edited, err := m.cfg.Editor.Run(msg.Buf)
		if err != nil {
			m.cfg.Metrics.EditorFailures.Inc()
			log.Printf("[editor] session %d: %v; retiring session", slot.sessionIdx, err)
			m.retire(slot.sessionIdx, sess, "editor_failure")
			return false, true
		}
		out = edited
	}

	if err := transport.SendExact(sess.PeerFD(slot.side), out); err != nil {
		if errors.Is(err, proxyerr.ErrSystemInterrupt) {
			return true, false
		}
		log.Printf("[muxer] session %d retiring (forward to %s): %v", slot.sessionIdx, slot.side.Opposite(), err)
		m.retire(slot.sessionIdx, sess, proxyerr.Kind(err))
		return false, true
	}

	m.cfg.Metrics.MessagesForwarded.WithLabelValues(slot.side.String()).Inc()
	m.cfg.Metrics.BytesForwarded.WithLabelValues(slot.side.String()).Add(float64(len(out)))
	return false, false
}

func (m *Muxer) retire(i int, sess *session.Session, reason string) {
	m.cfg.Metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	log.Printf("[muxer] session %d closed: reason=%s", i, reason)
	m.table.Retire(i)
}
