package netsim

import (
	"fmt"
	"time"
)

// Event is a notification delivered to a connection's handler.
type Event interface {
	isEvent()
}

// Connected is delivered to the dialing side once the handshake completes.
type Connected struct{}

// DataReceived carries bytes delivered by the peer, in order.
type DataReceived struct {
	Data []byte
}

// SendReady signals that send buffer space was released.
type SendReady struct {
	Available int
}

// PeerClosed is delivered after the last byte the peer sent before closing.
type PeerClosed struct{}

// Closed is delivered when the connection could not be established.
type Closed struct {
	Err error
}

func (Connected) isEvent()    {}
func (DataReceived) isEvent() {}
func (SendReady) isEvent()    {}
func (PeerClosed) isEvent()   {}
func (Closed) isEvent()       {}

// Handler reacts to connection events.
type Handler interface {
	HandleEvent(c *Conn, ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(c *Conn, ev Event)

// HandleEvent calls f(c, ev).
func (f HandlerFunc) HandleEvent(c *Conn, ev Event) {
	f(c, ev)
}

type connState int

const (
	stateConnecting connState = iota
	stateEstablished
	stateClosed
)

// Conn is one endpoint of a simulated byte stream.
type Conn struct {
	id      uint64
	net     *Network
	local   *Node
	remote  *Node
	link    *Link
	dir     int
	peer    *Conn
	handler Handler
	state   connState

	// queued is the number of accepted bytes not yet serialized.
	queued     int
	peerClosed bool
}

// ID returns a network-unique connection identifier.
func (c *Conn) ID() uint64 { return c.id }

// LocalNode returns the node this endpoint lives on.
func (c *Conn) LocalNode() *Node { return c.local }

// RemoteNode returns the node at the other end.
func (c *Conn) RemoteNode() *Node { return c.remote }

// String implements fmt.Stringer.
func (c *Conn) String() string {
	return fmt.Sprintf("conn#%d(%s->%s)", c.id, c.local.name, c.remote.name)
}

// SetHandler replaces the event handler.
func (c *Conn) SetHandler(h Handler) {
	c.handler = h
}

// Established reports whether data can be sent.
func (c *Conn) Established() bool {
	return c.state == stateEstablished
}

// PeerClosed reports whether the peer has closed its side.
func (c *Conn) PeerClosed() bool {
	return c.peerClosed
}

// TxAvailable returns the free space in the send buffer.
func (c *Conn) TxAvailable() int {
	if c.state != stateEstablished {
		return 0
	}
	return c.net.config.SendBuffer - c.queued
}

// Send queues up to TxAvailable bytes of p for transmission and returns the
// number of bytes accepted. It returns -1 if the connection is not
// established.
func (c *Conn) Send(p []byte) int {
	if c.state != stateEstablished {
		return -1
	}
	n := len(p)
	if avail := c.TxAvailable(); n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}

	data := make([]byte, n)
	copy(data, p[:n])
	c.queued += n

	mss := c.net.config.MSS
	for off := 0; off < n; off += mss {
		end := off + mss
		if end > n {
			end = n
		}
		c.transmit(data[off:end])
	}
	return n
}

// transmit serializes one packet after everything already queued in the same
// direction, releases its buffer space when serialization ends and delivers it
// to the peer after the propagation delay.
func (c *Conn) transmit(packet []byte) {
	s := c.net.sim
	now := s.Now()
	start := c.link.busyUntil[c.dir]
	if start < now {
		start = now
	}
	done := start + c.link.serializationTime(len(packet))
	c.link.busyUntil[c.dir] = done

	size := len(packet)
	s.Schedule(done-now, func() {
		if c.state == stateClosed && c.peer == nil {
			return
		}
		c.queued -= size
		c.local.txBytes += int64(size)
		if c.state == stateEstablished {
			c.dispatch(SendReady{Available: c.TxAvailable()})
		}
	})

	peer := c.peer
	s.Schedule(done+c.link.delay-now, func() {
		if peer == nil || peer.state == stateClosed || c.peer == nil {
			return
		}
		peer.local.rxBytes += int64(size)
		peer.dispatch(DataReceived{Data: packet})
	})
}

// Close shuts the connection down after queued data has been delivered. No
// further events reach the local handler. Close is idempotent.
func (c *Conn) Close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.handler = nil
	if c.peer == nil {
		return
	}

	s := c.net.sim
	now := s.Now()
	at := c.link.busyUntil[c.dir]
	if at < now {
		at = now
	}
	peer := c.peer
	s.Schedule(at+c.link.delay-now, func() {
		peer.notifyPeerClosed()
	})
}

// Abort closes the connection immediately and discards data that has not
// been delivered yet.
func (c *Conn) Abort() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.handler = nil
	peer := c.peer
	c.peer = nil
	if peer == nil {
		return
	}
	c.net.sim.Schedule(c.link.delay, func() {
		peer.notifyPeerClosed()
	})
}

func (c *Conn) notifyPeerClosed() {
	if c.state == stateClosed || c.peerClosed {
		return
	}
	c.peerClosed = true
	c.dispatch(PeerClosed{})
}

func (c *Conn) fail(err error) {
	if c.state == stateClosed {
		return
	}
	h := c.handler
	c.state = stateClosed
	c.handler = nil
	if h != nil {
		h.HandleEvent(c, Closed{Err: err})
	}
}

func (c *Conn) dispatch(ev Event) {
	if c.handler != nil {
		c.handler.HandleEvent(c, ev)
	}
}

// RoundTrip returns twice the link's propagation delay.
func (c *Conn) RoundTrip() time.Duration {
	return 2 * c.link.delay
}
