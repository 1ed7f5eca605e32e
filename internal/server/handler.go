package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/registry"
)

const (
	// ChunkCeiling is the largest number of bytes handed to the transport in
	// one send call.
	ChunkCeiling = 2860

	// diskChunkSize is the read size used when streaming real files.
	diskChunkSize = 4096

	crlf = "\r\n"
)

var (
	// ErrMalformedRequest is returned for requests without a GET path.
	ErrMalformedRequest = errors.New("malformed request")

	notFoundResponse   = []byte("HTTP/1.1 404 Not Found\r\n\r\n")
	badRequestResponse = []byte("HTTP/1.1 400 Bad Request\r\n\r\n")
	requestToken       = []byte("GET ")
	keepAliveToken     = []byte("Connection: keep-alive")
)

// Transport is the part of a connection a handler writes to.
type Transport interface {
	Send(p []byte) int
	TxAvailable() int
	Close()
}

// Resolver maps request paths to servable resources.
type Resolver interface {
	Resolve(path string) (registry.Resource, error)
}

// State is the lifecycle position of a Handler.
type State int

const (
	// StateAwaitingRequest accumulates request bytes.
	StateAwaitingRequest State = iota
	// StateProcessingRequest resolves a complete request.
	StateProcessingRequest
	// StateSending drains the response through the transport.
	StateSending
	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "AwaitingRequest"
	case StateProcessingRequest:
		return "ProcessingRequest"
	case StateSending:
		return "Sending"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Request is a parsed request line.
type Request struct {
	Path      string
	KeepAlive bool
}

// ParseRequest extracts the path between the first "GET " and the following
// space, and detects a "Connection: keep-alive" header.
func ParseRequest(data []byte) (Request, error) {
	start := bytes.Index(data, requestToken)
	if start < 0 {
		return Request{}, fmt.Errorf("%w: no GET token", ErrMalformedRequest)
	}
	rest := data[start+len(requestToken):]
	end := bytes.IndexByte(rest, ' ')
	if end <= 0 {
		return Request{}, fmt.Errorf("%w: no path", ErrMalformedRequest)
	}
	return Request{
		Path:      string(rest[:end]),
		KeepAlive: bytes.Contains(data, keepAliveToken),
	}, nil
}

// Handler serves request/response cycles on one accepted connection.
type Handler struct {
	id       uint64
	conn     Transport
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onClose  func(id uint64)

	state   State
	inbound []byte

	// Current response cycle.
	path      string
	keepAlive bool
	header    []byte
	resource  registry.Resource
	total     int64
	sent      int64
	file      *os.File
	diskBuf   []byte
	diskPos   int64
	cycles    int

	scratch []byte
	filler  []byte
}

// NewHandler creates a handler for an accepted connection. onClose is called
// once when the handler reaches StateClosed.
func NewHandler(id uint64, conn Transport, resolver Resolver, m *metrics.Metrics, onClose func(uint64), logger *slog.Logger) *Handler {
	return &Handler{
		id:       id,
		conn:     conn,
		resolver: resolver,
		metrics:  m,
		onClose:  onClose,
		logger:   logger.With("conn", id),
		state:    StateAwaitingRequest,
		scratch:  make([]byte, ChunkCeiling),
		filler:   make([]byte, ChunkCeiling),
	}
}

// ID returns the connection identifier.
func (h *Handler) ID() uint64 { return h.id }

// State returns the current lifecycle state.
func (h *Handler) State() State { return h.state }

// Sent returns the bytes sent in the current response cycle.
func (h *Handler) Sent() int64 { return h.sent }

// Total returns the size of the current response including its header.
func (h *Handler) Total() int64 { return h.total }

// KeepAlive reports whether the current request asked for keep-alive.
func (h *Handler) KeepAlive() bool { return h.keepAlive }

// Cycles returns the number of completed response cycles.
func (h *Handler) Cycles() int { return h.cycles }

// OnData appends received bytes and processes a request once the buffered
// data ends with CRLF. Bytes arriving while a response is in flight are kept
// for the next cycle.
func (h *Handler) OnData(data []byte) {
	if h.state == StateClosed {
		return
	}
	h.inbound = append(h.inbound, data...)
	if h.state != StateAwaitingRequest {
		return
	}
	h.maybeProcess()
}

// OnSendReady resumes a suspended response.
func (h *Handler) OnSendReady() {
	if h.state != StateSending {
		return
	}
	h.transmit()
}

// OnPeerClosed releases the handler after the client went away.
func (h *Handler) OnPeerClosed() {
	h.logger.Debug("peer closed connection", "state", h.state, "sent", h.sent, "total", h.total)
	h.close()
}

// Abort closes the handler regardless of its state.
func (h *Handler) Abort() {
	h.close()
}

func (h *Handler) maybeProcess() {
	if !bytes.HasSuffix(h.inbound, []byte(crlf)) {
		return
	}

	request := h.inbound
	h.inbound = nil
	h.state = StateProcessingRequest
	h.resetCycle()

	req, err := ParseRequest(request)
	if err != nil {
		h.logger.Warn("rejecting request", "error", err)
		h.metrics.ObserveServerResponse(400)
		h.keepAlive = false
		h.header = badRequestResponse
		h.total = int64(len(h.header))
		h.startSending()
		return
	}

	h.path = req.Path
	h.keepAlive = req.KeepAlive

	res, err := h.resolver.Resolve(req.Path)
	if err != nil {
		h.logger.Debug("resource not found", "path", req.Path)
		h.metrics.ObserveServerResponse(404)
		h.header = notFoundResponse
		h.total = int64(len(h.header))
		h.startSending()
		return
	}

	if res.Kind == registry.KindDisk {
		f, err := os.Open(res.DiskPath)
		if err != nil {
			h.logger.Warn("failed to open file", "path", res.DiskPath, "error", err)
			h.metrics.ObserveServerResponse(404)
			h.header = notFoundResponse
			h.total = int64(len(h.header))
			h.startSending()
			return
		}
		h.file = f
	}

	h.metrics.ObserveServerResponse(200)
	h.resource = res
	h.header = []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/xml; charset=utf-8\r\nContent-Length: %d\r\n\r\n", res.Size))
	h.total = int64(len(h.header)) + res.Size

	h.logger.Debug("serving request",
		"path", req.Path,
		"kind", res.Kind,
		"size", res.Size,
		"keep_alive", req.KeepAlive,
	)
	h.startSending()
}

func (h *Handler) startSending() {
	h.state = StateSending
	h.transmit()
}

// transmit sends min(remaining, ChunkCeiling, available) bytes at a time
// until the response is complete or the transport stops accepting data.
func (h *Handler) transmit() {
	for h.state == StateSending && h.sent < h.total {
		avail := h.conn.TxAvailable()
		if avail <= 0 {
			return
		}
		n := h.total - h.sent
		if n > ChunkCeiling {
			n = ChunkCeiling
		}
		if n > int64(avail) {
			n = int64(avail)
		}

		chunk, err := h.chunk(int(n))
		if err != nil {
			h.logger.Error("failed to read payload", "path", h.path, "error", err)
			h.close()
			return
		}

		accepted := h.conn.Send(chunk)
		if accepted <= 0 {
			h.logger.Debug("transport full, waiting for capacity", "sent", h.sent, "total", h.total)
			return
		}
		h.sent += int64(accepted)
		h.metrics.AddServerBytes(accepted)
	}

	if h.state == StateSending && h.sent >= h.total {
		h.finishCycle()
	}
}

// chunk assembles the next n response bytes starting at h.sent.
func (h *Handler) chunk(n int) ([]byte, error) {
	buf := h.scratch[:n]
	filled := 0
	headerLen := int64(len(h.header))

	if h.sent < headerLen {
		filled = copy(buf, h.header[h.sent:])
	}
	if filled == n {
		return buf, nil
	}

	offset := h.sent + int64(filled) - headerLen
	switch h.resource.Kind {
	case registry.KindBlob:
		copy(buf[filled:], h.resource.Data[offset:])
	case registry.KindVirtual:
		copy(buf[filled:], h.filler)
	case registry.KindDisk:
		for filled < n {
			if err := h.loadDisk(offset); err != nil {
				return nil, err
			}
			c := copy(buf[filled:], h.diskBuf[offset-h.diskPos:])
			filled += c
			offset += int64(c)
		}
	}
	return buf, nil
}

// loadDisk makes sure the read-ahead block covers payload offset off.
func (h *Handler) loadDisk(off int64) error {
	if off >= h.diskPos && off < h.diskPos+int64(len(h.diskBuf)) {
		return nil
	}
	if cap(h.diskBuf) < diskChunkSize {
		h.diskBuf = make([]byte, diskChunkSize)
	}
	read, err := h.file.ReadAt(h.diskBuf[:diskChunkSize], off)
	if read == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	h.diskPos = off
	h.diskBuf = h.diskBuf[:read]
	return nil
}

// finishCycle ends a response cycle: keep-alive connections return to
// AwaitingRequest, others are closed.
func (h *Handler) finishCycle() {
	h.cycles++
	h.logger.Debug("response complete", "path", h.path, "bytes", h.sent, "keep_alive", h.keepAlive)

	if !h.keepAlive {
		h.close()
		return
	}

	h.releaseCycle()
	h.state = StateAwaitingRequest
	h.sent = 0
	h.total = 0
	if len(h.inbound) > 0 {
		h.maybeProcess()
	}
}

func (h *Handler) resetCycle() {
	h.releaseCycle()
	h.path = ""
	h.keepAlive = false
	h.sent = 0
	h.total = 0
}

func (h *Handler) releaseCycle() {
	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	h.header = nil
	h.resource = registry.Resource{}
	h.diskBuf = nil
	h.diskPos = 0
}

// close is idempotent.
func (h *Handler) close() {
	if h.state == StateClosed {
		return
	}
	h.state = StateClosed
	h.releaseCycle()
	h.inbound = nil
	h.conn.Close()
	if h.onClose != nil {
		h.onClose(h.id)
	}
}
