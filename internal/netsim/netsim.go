// Package netsim models a reliable, ordered byte-stream transport on top of the
// discrete-event simulator.
//
// Links serialize packets at a fixed (but changeable) rate and add a constant
// propagation delay. Every connection owns a bounded send buffer; buffer space
// is released when a packet finishes serialization, at which point the owner
// receives a SendReady event. There is no loss and no congestion control.
package netsim

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/dashsim/internal/sim"
)

var (
	// ErrUnknownHost is returned by Dial when no node has the given hostname.
	ErrUnknownHost = errors.New("unknown host")
	// ErrNoRoute is returned by Dial when the two nodes share no link.
	ErrNoRoute = errors.New("no route to host")
	// ErrConnectionRefused is reported through a Closed event when nothing
	// listens on the dialed port.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrAddressInUse is returned by Listen when the port is taken.
	ErrAddressInUse = errors.New("address already in use")
)

const (
	// DefaultMSS is the default maximum payload carried by one packet.
	DefaultMSS = 1460
	// DefaultSendBuffer is the default per-connection send buffer capacity.
	DefaultSendBuffer = 131072
)

// Config holds transport-wide parameters.
type Config struct {
	// MSS is the maximum number of payload bytes per packet.
	MSS int
	// SendBuffer is the capacity of each connection's send buffer in bytes.
	SendBuffer int
}

// Validate fills in defaults and checks ranges.
func (c *Config) Validate() error {
	if c.MSS == 0 {
		c.MSS = DefaultMSS
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MSS < 0 {
		return fmt.Errorf("mss must be positive, got %d", c.MSS)
	}
	if c.SendBuffer < c.MSS {
		return fmt.Errorf("send buffer (%d) must hold at least one packet (%d)", c.SendBuffer, c.MSS)
	}
	return nil
}

// Node is a simulated host.
type Node struct {
	id      int
	name    string
	txBytes int64
	rxBytes int64
}

// ID returns the node's numeric identifier.
func (n *Node) ID() int { return n.id }

// Name returns the node's hostname.
func (n *Node) Name() string { return n.name }

// TxBytes returns the number of payload bytes this node has put on the wire.
func (n *Node) TxBytes() int64 { return n.txBytes }

// RxBytes returns the number of payload bytes delivered to this node.
func (n *Node) RxBytes() int64 { return n.rxBytes }

// Link is a full-duplex point-to-point link between two nodes.
type Link struct {
	a, b      *Node
	rate      int64
	delay     time.Duration
	busyUntil [2]time.Duration
}

// Rate returns the link rate in bits per second.
func (l *Link) Rate() int64 { return l.rate }

// Delay returns the one-way propagation delay.
func (l *Link) Delay() time.Duration { return l.delay }

// SetRate changes the link rate. Packets already being serialized keep their
// scheduled timing.
func (l *Link) SetRate(bitsPerSecond int64) {
	if bitsPerSecond > 0 {
		l.rate = bitsPerSecond
	}
}

// direction returns 0 for a→b and 1 for b→a.
func (l *Link) direction(from *Node) int {
	if from == l.a {
		return 0
	}
	return 1
}

func (l *Link) serializationTime(bytes int) time.Duration {
	return time.Duration(float64(bytes*8) / float64(l.rate) * float64(time.Second))
}

type linkKey struct{ a, b int }

func newLinkKey(x, y *Node) linkKey {
	if x.id < y.id {
		return linkKey{x.id, y.id}
	}
	return linkKey{y.id, x.id}
}

type listenKey struct {
	node int
	port int
}

// AcceptFunc is invoked with the server side of every accepted connection. It
// must install a handler before returning.
type AcceptFunc func(c *Conn)

// Network holds nodes, links and listeners.
type Network struct {
	sim       *sim.Simulator
	config    Config
	nodes     []*Node
	byName    map[string]*Node
	links     map[linkKey]*Link
	listeners map[listenKey]AcceptFunc
	nextConn  uint64
	logger    *slog.Logger
}

// New creates an empty network driven by s.
func New(s *sim.Simulator, config Config, logger *slog.Logger) (*Network, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	return &Network{
		sim:       s,
		config:    config,
		byName:    make(map[string]*Node),
		links:     make(map[linkKey]*Link),
		listeners: make(map[listenKey]AcceptFunc),
		logger:    logger,
	}, nil
}

// Simulator returns the simulator driving the network.
func (n *Network) Simulator() *sim.Simulator {
	return n.sim
}

// AddNode creates a node reachable under name.
func (n *Network) AddNode(name string) (*Node, error) {
	if _, ok := n.byName[name]; ok {
		return nil, fmt.Errorf("node %q already exists", name)
	}
	node := &Node{id: len(n.nodes), name: name}
	n.nodes = append(n.nodes, node)
	n.byName[name] = node
	return node, nil
}

// Node looks a node up by hostname.
func (n *Network) Node(name string) (*Node, bool) {
	node, ok := n.byName[name]
	return node, ok
}

// Connect links two nodes.
func (n *Network) Connect(x, y *Node, bitsPerSecond int64, delay time.Duration) (*Link, error) {
	if bitsPerSecond <= 0 {
		return nil, fmt.Errorf("link rate must be positive, got %d", bitsPerSecond)
	}
	if delay < 0 {
		return nil, fmt.Errorf("link delay must not be negative, got %s", delay)
	}
	key := newLinkKey(x, y)
	if _, ok := n.links[key]; ok {
		return nil, fmt.Errorf("nodes %q and %q are already linked", x.name, y.name)
	}
	l := &Link{a: x, b: y, rate: bitsPerSecond, delay: delay}
	n.links[key] = l
	return l, nil
}

// Link returns the link between two nodes, if any.
func (n *Network) Link(x, y *Node) (*Link, bool) {
	l, ok := n.links[newLinkKey(x, y)]
	return l, ok
}

// Listen registers accept for connections to node:port.
func (n *Network) Listen(node *Node, port int, accept AcceptFunc) error {
	key := listenKey{node: node.id, port: port}
	if _, ok := n.listeners[key]; ok {
		return fmt.Errorf("listen %s:%d: %w", node.name, port, ErrAddressInUse)
	}
	n.listeners[key] = accept
	return nil
}

// Unlisten stops accepting new connections on node:port.
func (n *Network) Unlisten(node *Node, port int) {
	delete(n.listeners, listenKey{node: node.id, port: port})
}

// Dial opens a connection from node to host:port. The handler receives
// Connected once the handshake completes, or Closed with
// ErrConnectionRefused if nothing listens on the port.
func (n *Network) Dial(from *Node, host string, port int, h Handler) (*Conn, error) {
	to, ok := n.byName[host]
	if !ok {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, ErrUnknownHost)
	}
	link, ok := n.Link(from, to)
	if !ok {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, ErrNoRoute)
	}

	c := n.newConn(from, to, link, h)

	n.sim.Schedule(link.delay, func() {
		if c.state == stateClosed {
			return
		}
		accept, ok := n.listeners[listenKey{node: to.id, port: port}]
		if !ok {
			n.sim.Schedule(link.delay, func() {
				c.fail(ErrConnectionRefused)
			})
			return
		}

		srv := n.newConn(to, from, link, nil)
		srv.peer = c
		srv.state = stateEstablished
		c.peer = srv
		accept(srv)

		n.sim.Schedule(link.delay, func() {
			if c.state != stateConnecting {
				return
			}
			c.state = stateEstablished
			c.dispatch(Connected{})
		})
	})

	return c, nil
}

func (n *Network) newConn(local, remote *Node, link *Link, h Handler) *Conn {
	n.nextConn++
	return &Conn{
		id:      n.nextConn,
		net:     n,
		local:   local,
		remote:  remote,
		link:    link,
		dir:     link.direction(local),
		handler: h,
	}
}
