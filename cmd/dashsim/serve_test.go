package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/agleyzer/dashsim/internal/config"
	"github.com/agleyzer/dashsim/internal/manifest"
)

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

func fetch(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, body
}

func TestServe_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	port := findAvailablePort(t)
	cfg := &config.Config{
		Seed: 1,
		Server: config.ServerConfig{
			Catalogs:    []string{writeCatalog(t)},
			SegmentDir:  "/content/segments/",
			ManifestDir: "/content/mpds/",
		},
		Gateway: config.GatewayConfig{Port: port},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, options{}, createTestLogger()) }()

	base := fmt.Sprintf("http://localhost:%d", port)
	waitForServer(t, base+"/health", 5*time.Second)

	// DASH manifest
	_, compressed := fetch(t, base+"/content/mpds/vid1.mpd.gz")
	doc, err := manifest.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	mpd, err := manifest.Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(mpd.BaseURLs) != 1 || mpd.BaseURLs[0] != base+"/content/segments/vid1/" {
		t.Errorf("BaseURLs = %v", mpd.BaseURLs)
	}

	// HLS rendition of the same video
	_, masterData := fetch(t, base+"/content/mpds/vid1.m3u8")
	reps, uris, err := manifest.ParseHLSMaster(masterData)
	if err != nil {
		t.Fatalf("ParseHLSMaster() error = %v", err)
	}
	if len(reps) != 2 {
		t.Fatalf("got %d variants, want 2", len(reps))
	}

	_, mediaData := fetch(t, base+"/content/mpds/"+uris[0])
	segments, err := manifest.ParseHLSMedia(mediaData, "a")
	if err != nil {
		t.Fatalf("ParseHLSMedia() error = %v", err)
	}
	if len(segments) != 5 {
		t.Fatalf("got %d segments, want 5", len(segments))
	}

	resp, body := fetch(t, base+segments[0].URL)
	length, _ := strconv.Atoi(resp.Header.Get("Content-Length"))
	if length == 0 || len(body) != length {
		t.Errorf("segment body %d bytes, Content-Length %d", len(body), length)
	}

	// Health reports the published content
	_, healthData := fetch(t, base+"/health")
	var health struct {
		Status   string `json:"status"`
		Registry struct {
			Virtual int `json:"virtual"`
		} `json:"registry"`
	}
	if err := json.Unmarshal(healthData, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Registry.Virtual != 10 {
		t.Errorf("health = %+v", health)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
