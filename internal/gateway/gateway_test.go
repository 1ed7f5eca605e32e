package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/registry"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fakeCluster struct{}

func (fakeCluster) NodeID() string     { return "node1" }
func (fakeCluster) State() string      { return "Leader" }
func (fakeCluster) LeaderAddr() string { return "127.0.0.1:7000" }

func newTestGateway(t *testing.T) (*Gateway, *registry.Registry, *metrics.Metrics) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "static", "init.mp4"), []byte("disk-bytes"), 0o644))

	reg := registry.New(root)
	require.NoError(t, reg.AddVirtual("/content/segments/vid1/repr_a_seg_0.264", 100_000))
	reg.AddBlob("/content/mpds/vid1.m3u8", []byte("#EXTM3U\n"))

	m := metrics.New()
	return New(reg, 8080, m, createTestLogger()), reg, m
}

func get(t *testing.T, h http.Handler, method, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestGateway_VirtualContent(t *testing.T) {
	g, _, _ := newTestGateway(t)

	resp := get(t, g.Router(), http.MethodGet, "/content/segments/vid1/repr_a_seg_0.264")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "100000", resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 100_000)
}

func TestGateway_BlobContent(t *testing.T) {
	g, _, _ := newTestGateway(t)

	resp := get(t, g.Router(), http.MethodGet, "/content/mpds/vid1.m3u8")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "#EXTM3U\n", string(body))
}

func TestGateway_DiskContent(t *testing.T) {
	g, reg, _ := newTestGateway(t)

	resp := get(t, g.Router(), http.MethodGet, "/static/init.mp4")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "disk-bytes", string(body))
	assert.Equal(t, 1, reg.Stats().CachedDisk)
}

func TestGateway_Head(t *testing.T) {
	g, _, _ := newTestGateway(t)

	resp := get(t, g.Router(), http.MethodHead, "/content/segments/vid1/repr_a_seg_0.264")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100000", resp.Header.Get("Content-Length"))
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestGateway_NotFound(t *testing.T) {
	g, reg, m := newTestGateway(t)
	before := len(reg.Paths())

	resp := get(t, g.Router(), http.MethodGet, "/content/segments/vid9/missing.264")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, reg.Paths(), before)

	metricsResp := get(t, m.Handler(), http.MethodGet, "/metrics")
	defer metricsResp.Body.Close()
	body, _ := io.ReadAll(metricsResp.Body)
	assert.Contains(t, string(body), "dashsim_http_errors_total 1")
}

func TestGateway_Health(t *testing.T) {
	g, _, _ := newTestGateway(t)

	resp := get(t, g.Router(), http.MethodGet, "/health")
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	stats := health["registry"].(map[string]any)
	assert.Equal(t, float64(1), stats["virtual"])
	assert.Equal(t, float64(1), stats["blobs"])
	assert.NotContains(t, health, "cluster")

	g.SetCluster(fakeCluster{})
	resp = get(t, g.Router(), http.MethodGet, "/health")
	defer resp.Body.Close()
	health = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	cluster := health["cluster"].(map[string]any)
	assert.Equal(t, "Leader", cluster["state"])
	assert.Equal(t, "node1", cluster["node_id"])
}

func TestGateway_Metrics(t *testing.T) {
	g, _, _ := newTestGateway(t)
	router := g.Router()

	get(t, router, http.MethodGet, "/content/mpds/vid1.m3u8").Body.Close()

	resp := get(t, router, http.MethodGet, "/metrics")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "dashsim_http_requests_total"))
}

func TestGateway_StartShutdown(t *testing.T) {
	reg := registry.New("")
	g := New(reg, 0, nil, createTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestFillerReader(t *testing.T) {
	r := &fillerReader{filler: make([]byte, 7), remaining: 20}
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, data, 20)
}
