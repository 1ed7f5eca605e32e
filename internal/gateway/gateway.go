// Package gateway serves the content registry over real HTTP, so that the
// synthesized manifests and segments can be fetched by external players.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/registry"
)

const (
	shutdownTimeout = 10 * time.Second
	fillerSize      = 32 * 1024
)

// Content is the registry view the gateway serves.
type Content interface {
	Resolve(path string) (registry.Resource, error)
	Stats() registry.Stats
}

// ClusterStatus reports replication state on /health. Optional.
type ClusterStatus interface {
	NodeID() string
	State() string
	LeaderAddr() string
}

// Gateway serves registry content over HTTP.
type Gateway struct {
	content    Content
	port       int
	metrics    *metrics.Metrics
	cluster    ClusterStatus
	logger     *slog.Logger
	httpServer *http.Server
	filler     []byte
}

// New creates a gateway listening on port. m may be nil.
func New(content Content, port int, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		content: content,
		port:    port,
		metrics: m,
		logger:  logger,
		filler:  make([]byte, fillerSize),
	}
}

// SetCluster attaches replication status to the health report.
func (g *Gateway) SetCluster(c ClusterStatus) {
	g.cluster = c
}

// Router returns the HTTP handler.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.loggingMiddleware)
	if g.metrics != nil {
		r.Use(metrics.RequestMiddleware(g.metrics))
		r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	}
	r.Get("/health", g.handleHealth)
	r.Get("/*", g.handleContent)
	r.Head("/*", g.handleContent)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	g.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", g.port),
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("starting HTTP gateway", "port", g.port)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("gateway failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	g.logger.Info("shutting down HTTP gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.httpServer.Shutdown(shutdownCtx)
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(path, ".mpd"):
		return "application/dash+xml"
	case strings.HasSuffix(path, ".264"), strings.HasSuffix(path, ".mp4"), strings.HasSuffix(path, ".m4s"):
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// handleContent resolves the request path against the registry and writes
// exactly the resolved size.
func (g *Gateway) handleContent(w http.ResponseWriter, r *http.Request) {
	res, err := g.content.Resolve(r.URL.Path)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		g.logger.Error("failed to resolve content", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var body io.Reader
	switch res.Kind {
	case registry.KindBlob:
		body = bytes.NewReader(res.Data)
	case registry.KindVirtual:
		body = &fillerReader{filler: g.filler, remaining: res.Size}
	case registry.KindDisk:
		f, err := os.Open(res.DiskPath)
		if err != nil {
			g.logger.Error("failed to open content file", "path", res.DiskPath, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		body = f
	}

	w.Header().Set("Content-Type", contentType(res.Path))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	if n, err := io.CopyN(w, body, res.Size); err != nil {
		g.logger.Debug("content transfer interrupted", "path", res.Path, "sent", n, "error", err)
	}
}

// handleHealth reports registry contents and, when clustered, raft state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":   "ok",
		"registry": g.content.Stats(),
	}
	if g.cluster != nil {
		health["cluster"] = map[string]string{
			"node_id": g.cluster.NodeID(),
			"state":   g.cluster.State(),
			"leader":  g.cluster.LeaderAddr(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// loggingMiddleware logs HTTP requests
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", status,
			"size", wrapped.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// fillerReader yields remaining bytes of filler content.
type fillerReader struct {
	filler    []byte
	remaining int64
}

func (f *fillerReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n := 0
	for n < len(p) {
		n += copy(p[n:], f.filler)
	}
	f.remaining -= int64(n)
	return n, nil
}
