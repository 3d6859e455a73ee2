/*
Package h1server provides an HTTP/1.1 server engine that works directly on
TCP byte streams.

Each connection runs a small state machine: it reads into a pooled buffer,
parses requests incrementally, hands each one to a middleware pipeline and
router, and writes the response with explicit Content-Length or chunked
framing. Connections are served by a bounded worker pool; when the pool and
its queue are full, new connections get a 503 and are closed.

Features

  - Incremental HTTP/1.1 parser with pipelining, chunked bodies and strict
    framing checks (Content-Length with Transfer-Encoding is rejected)
  - Persistent connections with idle and per-request timeouts
  - Segment router with :param and *wildcard captures, 404 and 405 with Allow
  - Continuation-style middleware: logging, metrics, CORS, rate limiting,
    gzip compression
  - Per-client token buckets, with decision counters optionally in Redis
  - Bounded worker pool that grows under load and shrinks when idle
  - Graceful shutdown that drains in-flight requests
  - Health probes, static files and a JSON stats endpoint

Quick Start

	package main

	import (
		"context"
		"os"

		"github.com/searchktools/h1server/app"
		"github.com/searchktools/h1server/config"
		"github.com/searchktools/h1server/core/http"
	)

	func main() {
		cfg, err := config.Load(os.Args[1:])
		if err != nil {
			panic(err)
		}
		a, err := app.New(cfg)
		if err != nil {
			panic(err)
		}
		a.Engine().GET("/hello/:name", func(req *http.Request) (*http.Response, error) {
			return http.Text(200, "Hello, "+req.Param("name")), nil
		})
		if err := a.Run(context.Background()); err != nil {
			panic(err)
		}
	}

Modules

  - app: Application lifecycle, signals and stock routes
  - config: Layered configuration (defaults, JSON file, H1_ environment, flags)
  - core: Engine, connection state machine and acceptor
  - core/http: Request and response model, parser and writer
  - core/router: Route matching
  - core/middleware: Pipeline and built-in middleware
  - core/pools: Worker pool and buffer pool
  - core/ratelimit: Token buckets and decision stats
  - core/codec: JSON and protobuf body codecs
  - core/observability: Logger setup and per-route monitor
  - handlers: Health and static file handlers
*/
package h1server
