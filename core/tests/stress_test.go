package tests

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/config"
	"github.com/searchktools/h1server/core"
	"github.com/searchktools/h1server/core/http"
)

func startServer(t testing.TB, cfg *config.Config) (*core.Engine, string) {
	t.Helper()
	e, err := core.NewEngine(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	e.GET("/items/:id", func(req *http.Request) (*http.Response, error) {
		return http.JSONBytes(http.StatusOK, []byte(`{"id":"`+req.Param("id")+`"}`)), nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		e.Serve(ln)
		close(done)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
		<-done
	})
	return e, ln.Addr().String()
}

func stressConfig() *config.Config {
	cfg := config.Default()
	cfg.Workers.Min = 4
	cfg.Workers.Max = 64
	cfg.Queue.Capacity = 256
	cfg.RateLimit.Enabled = false
	return cfg
}

// TestConcurrentKeepAliveClients runs many persistent clients at once and
// checks every response belongs to its request.
func TestConcurrentKeepAliveClients(t *testing.T) {
	const clients, perClient = 32, 50
	e, addr := startServer(t, stressConfig())

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			c, err := net.Dial("tcp", addr)
			if err != nil {
				failures.Add(1)
				return
			}
			defer c.Close()
			c.SetDeadline(time.Now().Add(10 * time.Second))
			br := bufio.NewReader(c)

			for j := 0; j < perClient; j++ {
				id := fmt.Sprintf("%d-%d", client, j)
				fmt.Fprintf(c, "GET /items/%s HTTP/1.1\r\nHost: x\r\n\r\n", id)
				resp, err := nethttp.ReadResponse(br, nil)
				if err != nil {
					failures.Add(1)
					return
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if resp.StatusCode != 200 || string(body) != `{"id":"`+id+`"}` {
					failures.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("Expected no failures, got %d", n)
	}
	stats := e.Stats()
	if stats.Requests != clients*perClient {
		t.Errorf("Expected %d requests recorded, got %d", clients*perClient, stats.Requests)
	}
	if stats.Pool.Workers > 64 {
		t.Errorf("Expected at most 64 workers, got %d", stats.Pool.Workers)
	}
}

// TestOverloadStaysBounded opens more connections than the pool can hold
// and checks that the excess is refused rather than queued without limit.
func TestOverloadStaysBounded(t *testing.T) {
	cfg := stressConfig()
	cfg.Workers.Min = 2
	cfg.Workers.Max = 4
	cfg.Queue.Capacity = 4
	cfg.Queue.Policy = config.QueueBlock
	cfg.Queue.Wait = 20 * time.Millisecond
	e, addr := startServer(t, cfg)

	var conns []net.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < 20; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial %d failed: %v", i, err)
		}
		conns = append(conns, c)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s := e.Stats().Pool
		if s.Rejected >= 12 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s := e.Stats().Pool
	if s.Workers > 4 {
		t.Errorf("Expected at most 4 workers, got %d", s.Workers)
	}
	if s.Queued > 4 {
		t.Errorf("Expected at most 4 queued, got %d", s.Queued)
	}
	if s.Rejected < 12 {
		t.Errorf("Expected at least 12 rejections, got %d", s.Rejected)
	}
}

func BenchmarkKeepAliveRequests(b *testing.B) {
	_, addr := startServer(b, stressConfig())
	c, err := net.Dial("tcp", addr)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()
	br := bufio.NewReader(c)
	req := []byte("GET /items/1 HTTP/1.1\r\nHost: x\r\n\r\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Write(req)
		resp, err := nethttp.ReadResponse(br, nil)
		if err != nil {
			b.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
