package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/config"
	"github.com/searchktools/h1server/core"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAppServesStockRoutes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.Static.Dir = dir
	cfg.Events.Enabled = true
	cfg.Shutdown.Grace = 2 * time.Second

	a, err := NewWithLogger(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWithLogger failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var c net.Conn
	for i := 0; i < 50; i++ {
		if c, err = net.Dial("tcp", cfg.Addr()); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)

	tests := []struct {
		path   string
		status int
	}{
		{"/health", 200},
		{"/health/live", 200},
		{"/health/ready", 200},
		{"/debug/stats", 200},
		{"/static/hello.txt", 200},
		{"/static/../x", 403},
		{"/nope", 404},
	}
	for _, tt := range tests {
		fmt.Fprintf(c, "GET %s HTTP/1.1\r\nHost: x\r\n\r\n", tt.path)
		resp, err := nethttp.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.status, resp.StatusCode)
		}
	}

	// An open event stream must not hold up shutdown.
	ec, err := net.Dial("tcp", cfg.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer ec.Close()
	ec.SetDeadline(time.Now().Add(5 * time.Second))
	ebr := bufio.NewReader(ec)
	fmt.Fprint(ec, "GET /events HTTP/1.1\r\nHost: x\r\n\r\n")
	eresp, err := nethttp.ReadResponse(ebr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ct := eresp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected event stream, got %q", ct)
	}
	line, err := bufio.NewReader(eresp.Body).ReadString('\n')
	if err != nil || line != "event: connected\n" {
		t.Errorf("Expected connected event, got %q (%v)", line, err)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, core.ErrServerClosed) {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Expected shutdown well inside the grace period, took %v", d)
	}
}

func TestAppRejectsMissingStaticDir(t *testing.T) {
	cfg := config.Default()
	cfg.Static.Dir = filepath.Join(t.TempDir(), "missing")
	if _, err := NewWithLogger(cfg, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing static dir")
	}
}

func TestAppRedisFallback(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Redis.Addr = "127.0.0.1:1"
	a, err := NewWithLogger(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected fallback to memory stats, got %v", err)
	}
	defer a.Close()
	if a.rdb != nil {
		t.Error("Expected no redis client after failed ping")
	}
}
