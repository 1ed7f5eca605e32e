package client

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/netsim"
)

var (
	// ErrBusy is returned when a transfer is started while another one is active.
	ErrBusy = errors.New("transfer already in progress")
	// ErrStatus is returned for responses other than 200.
	ErrStatus = errors.New("unexpected response status")
	// ErrConnectionClosed is returned when the server closes mid-transfer.
	ErrConnectionClosed = errors.New("connection closed before transfer completed")
)

const headerTerminator = "\r\n\r\n"

// Result describes a completed transfer.
type Result struct {
	Path          string
	Status        int
	ContentLength int64
	BodyBytes     int64
	// Body is set only when the transfer was asked to retain it
	Body    []byte
	Elapsed time.Duration
	// Bitrate is body bits per second measured from request start
	Bitrate float64
}

// DoneFunc is called once per Get with the transfer outcome.
type DoneFunc func(Result, error)

// Fetcher issues GET requests over simulated connections, one at a time,
// reusing a keep-alive connection when the server allows it.
type Fetcher struct {
	net     *netsim.Network
	node    *netsim.Node
	metrics *metrics.Metrics
	logger  *slog.Logger

	host string
	port int

	conn     *netsim.Conn
	connHost string

	// Active transfer.
	active      bool
	path        string
	retain      bool
	started     time.Duration
	done        DoneFunc
	header      []byte
	headerDone  bool
	status      int
	length      int64
	received    int64
	body        []byte
	lastBitrate float64
}

// NewFetcher creates a fetcher on node. m may be nil.
func NewFetcher(net *netsim.Network, node *netsim.Node, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		net:     net,
		node:    node,
		metrics: m,
		logger:  logger,
		port:    80,
	}
}

// SetRemote changes the server subsequent requests are sent to.
func (f *Fetcher) SetRemote(host string, port int) {
	f.host = host
	f.port = port
}

// Remote returns the current server host.
func (f *Fetcher) Remote() string {
	return f.host
}

// Busy reports whether a transfer is in progress.
func (f *Fetcher) Busy() bool {
	return f.active
}

// LastBitrate returns the bitrate of the last completed transfer in bit/s.
func (f *Fetcher) LastBitrate() float64 {
	return f.lastBitrate
}

// Get requests path from the current remote. done runs from the simulator
// once the response is complete or the transfer failed. When retain is set
// the response body is kept in the Result.
func (f *Fetcher) Get(path string, retain bool, done DoneFunc) error {
	if f.active {
		return ErrBusy
	}
	if f.host == "" {
		return fmt.Errorf("no remote host set for %s", path)
	}

	f.active = true
	f.path = path
	f.retain = retain
	f.done = done
	f.started = f.net.Simulator().Now()
	f.header = f.header[:0]
	f.headerDone = false
	f.status = 0
	f.length = 0
	f.received = 0
	f.body = nil

	if f.conn != nil && f.connHost == f.host && f.conn.Established() && !f.conn.PeerClosed() {
		f.logger.Debug("reusing connection", "conn", f.conn.ID(), "path", path)
		f.sendRequest(f.conn)
		return nil
	}

	f.dropConn()
	conn, err := f.net.Dial(f.node, f.host, f.port, netsim.HandlerFunc(f.handleEvent))
	if err != nil {
		f.active = false
		return fmt.Errorf("failed to connect: %w", err)
	}
	f.conn = conn
	f.connHost = f.host
	return nil
}

// Stop abandons the active transfer without calling its DoneFunc. An
// incomplete transfer aborts the connection.
func (f *Fetcher) Stop() {
	if !f.active {
		return
	}
	f.logger.Debug("stopping transfer", "path", f.path, "received", f.received, "length", f.length)
	f.active = false
	f.done = nil
	if f.conn != nil {
		f.conn.Abort()
		f.conn = nil
	}
}

// Close aborts any transfer and releases the connection.
func (f *Fetcher) Close() {
	f.Stop()
	f.dropConn()
}

func (f *Fetcher) dropConn() {
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *Fetcher) sendRequest(c *netsim.Conn) {
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n\r\n", f.path, f.host)
	if n := c.Send([]byte(req)); n < len(req) {
		f.fail(fmt.Errorf("request for %s did not fit into the send buffer", f.path))
	}
}

func (f *Fetcher) handleEvent(c *netsim.Conn, ev netsim.Event) {
	if c != f.conn {
		return
	}
	switch e := ev.(type) {
	case netsim.Connected:
		if f.active {
			f.sendRequest(c)
		}
	case netsim.DataReceived:
		if f.active {
			f.receive(e.Data)
		}
	case netsim.PeerClosed:
		f.conn = nil
		c.Close()
		if f.active {
			f.fail(fmt.Errorf("%s: %w", f.path, ErrConnectionClosed))
		}
	case netsim.Closed:
		f.conn = nil
		if f.active {
			f.fail(fmt.Errorf("%s: %w", f.path, e.Err))
		}
	}
}

func (f *Fetcher) receive(data []byte) {
	if !f.headerDone {
		f.header = append(f.header, data...)
		idx := bytes.Index(f.header, []byte(headerTerminator))
		if idx < 0 {
			return
		}
		rest := f.header[idx+len(headerTerminator):]
		if err := f.parseHeader(string(f.header[:idx])); err != nil {
			f.fail(err)
			return
		}
		f.headerDone = true
		data = append([]byte(nil), rest...)
		f.header = f.header[:0]
	}

	if len(data) > 0 {
		n := int64(len(data))
		if remaining := f.length - f.received; n > remaining {
			n = remaining
		}
		f.received += n
		f.metrics.AddDownloadedBytes(n)
		if f.retain {
			f.body = append(f.body, data[:n]...)
		}
	}

	if f.received >= f.length {
		f.complete()
	}
}

func (f *Fetcher) parseHeader(header string) error {
	lines := strings.Split(header, "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return fmt.Errorf("malformed status line %q", lines[0])
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("malformed status line %q: %w", lines[0], err)
	}
	f.status = status

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		length, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || length < 0 {
			return fmt.Errorf("invalid content length %q", value)
		}
		f.length = length
	}
	return nil
}

func (f *Fetcher) complete() {
	elapsed := f.net.Simulator().Now() - f.started
	result := Result{
		Path:          f.path,
		Status:        f.status,
		ContentLength: f.length,
		BodyBytes:     f.received,
		Body:          f.body,
		Elapsed:       elapsed,
	}
	if elapsed > 0 {
		result.Bitrate = float64(f.received*8) / elapsed.Seconds()
	}

	done := f.done
	f.active = false
	f.done = nil

	var err error
	if f.status != 200 {
		err = fmt.Errorf("%s: %w %d", f.path, ErrStatus, f.status)
	} else {
		f.lastBitrate = result.Bitrate
	}

	f.logger.Debug("transfer complete",
		"path", f.path,
		"status", f.status,
		"bytes", f.received,
		"elapsed", elapsed,
		"bitrate", result.Bitrate,
	)
	if done != nil {
		done(result, err)
	}
}

func (f *Fetcher) fail(err error) {
	done := f.done
	f.active = false
	f.done = nil
	if f.conn != nil {
		f.conn.Abort()
		f.conn = nil
	}
	f.logger.Debug("transfer failed", "path", f.path, "error", err)
	if done != nil {
		done(Result{Path: f.path, Status: f.status, BodyBytes: f.received}, err)
	}
}
