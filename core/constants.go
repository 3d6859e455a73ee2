package core

import (
	"errors"
	"time"
)

// Error definitions
var (
	// ErrServerClosed is returned by Serve and ListenAndServe after
	// Shutdown.
	ErrServerClosed = errors.New("core: server closed")

	errShuttingDown = errors.New("core: shutting down")
	errBufferFull   = errors.New("core: request exceeds connection buffer")
)

// ConnState is the position of a connection in its request cycle.
type ConnState int32

// Connection states
const (
	StateAwaitingRequestLine ConnState = iota
	StateReadingHeaders
	StateReadingBody
	StateDispatching
	StateWritingResponse
	StateClosed
)

var connStateNames = [...]string{
	StateAwaitingRequestLine: "awaiting-request-line",
	StateReadingHeaders:      "reading-headers",
	StateReadingBody:         "reading-body",
	StateDispatching:         "dispatching",
	StateWritingResponse:     "writing-response",
	StateClosed:              "closed",
}

func (s ConnState) String() string {
	if s >= 0 && int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return "unknown"
}

// minReadSize is the smallest free space handed to Read.
const minReadSize = 512

// bufferSlack is what the connection buffer may hold beyond the header
// and body limits, for chunk framing and the start of a pipelined
// request.
const bufferSlack = 64 << 10

// lingerDelay bounds how long a connection stays half-closed after an
// error response, draining input until the peer closes.
const lingerDelay = 100 * time.Millisecond

// lingerMaxBytes caps how much unread input the linger discards.
const lingerMaxBytes = 64 << 10

// serviceUnavailable is written by the acceptor when the pool cannot
// take a connection. It never passes through the parser or pipeline.
const serviceUnavailable = "HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: 19\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable"
