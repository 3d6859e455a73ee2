package core

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/pools"
)

// Conn serves one accepted socket for its whole life: read, parse,
// dispatch, write, and loop while the connection stays persistent.
// Requests on a connection are handled strictly one after another.
type Conn struct {
	id     uint64
	engine *Engine
	nc     net.Conn
	remote string

	state  atomic.Int32
	parser http.Parser

	// bufp is the pooled backing array; buf holds the unparsed bytes.
	bufp   *[]byte
	buf    []byte
	maxBuf int

	served    int
	closeOnce sync.Once
}

func newConn(e *Engine, id uint64, nc net.Conn) *Conn {
	c := &Conn{
		id:     id,
		engine: e,
		nc:     nc,
		remote: nc.RemoteAddr().String(),
		parser: http.Parser{
			MaxBodySize:    e.cfg.Limits.Body,
			MaxHeaderBytes: e.cfg.Limits.Header,
		},
		maxBuf: e.cfg.Limits.Header + int(e.cfg.Limits.Body) + bufferSlack,
	}
	c.bufp = e.buffers.Get(pools.SmallBufferSize)
	c.buf = (*c.bufp)[:0]
	return c
}

// State reports where the connection is in its cycle. Safe to call from
// any goroutine.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) setState(s ConnState) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(s))
}

// serve runs the request loop. It is the pool task for this connection.
func (c *Conn) serve() {
	e := c.engine
	defer func() {
		c.close()
		c.release()
	}()

	for {
		req, err := c.readRequest()
		if err != nil {
			c.fail(err)
			return
		}

		c.setState(StateDispatching)
		resp := e.pipeline.Execute(req)
		c.served++

		keep := c.keepAlive(req)
		c.setState(StateWritingResponse)
		opts := c.writeOptions(req, resp, keep)
		if opts.RawStream {
			keep = false
		}
		if err := c.write(resp, opts); err != nil {
			e.logger.Debug().Err(err).Str("remote_addr", c.remote).Msg("response write failed")
			return
		}
		if !keep {
			return
		}
		c.setState(StateAwaitingRequestLine)
	}
}

// readRequest parses the next request from the buffer, reading more from
// the socket as needed. Pipelined bytes left over from the previous
// request are parsed before anything new is read.
func (c *Conn) readRequest() (*http.Request, error) {
	e := c.engine
	var started bool

	for {
		if len(c.buf) > 0 {
			req, n, err := c.parser.Parse(c.buf)
			switch {
			case err == nil:
				c.consume(n)
				req.RemoteAddr = c.remote
				return req, nil
			case !errors.Is(err, http.ErrIncomplete):
				return nil, err
			}
			c.setState(stageState(c.parser.Stage()))
		}

		if len(c.buf) == 0 {
			c.setState(StateAwaitingRequestLine)
			c.nc.SetReadDeadline(time.Now().Add(e.cfg.Timeouts.Idle))
			// Checked after the deadline is armed so Shutdown's wake-up
			// cannot be lost.
			if e.shuttingDown.Load() {
				return nil, errShuttingDown
			}
		} else if !started {
			started = true
			c.nc.SetReadDeadline(time.Now().Add(e.cfg.Timeouts.Request))
		}

		if err := c.reserve(); err != nil {
			return nil, err
		}
		n, err := c.nc.Read(c.buf[len(c.buf):cap(c.buf)])
		c.buf = c.buf[:len(c.buf)+n]
		if n > 0 && !started && len(c.buf) == n {
			// First bytes of a request: switch from the idle to the
			// request deadline.
			started = true
			c.nc.SetReadDeadline(time.Now().Add(e.cfg.Timeouts.Request))
		}
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

// reserve makes room for the next Read, growing the buffer up to maxBuf.
func (c *Conn) reserve() error {
	if cap(c.buf)-len(c.buf) >= minReadSize {
		return nil
	}
	if cap(c.buf) >= c.maxBuf {
		if len(c.buf) < cap(c.buf) {
			return nil
		}
		return errBufferFull
	}

	newCap := cap(c.buf) * 2
	if newCap > c.maxBuf {
		newCap = c.maxBuf
	}
	grown := make([]byte, len(c.buf), newCap)
	copy(grown, c.buf)
	c.engine.buffers.Put(c.bufp)
	c.bufp = &grown
	c.buf = grown
	return nil
}

// consume drops n parsed bytes and moves any pipelined remainder to the
// front of the buffer.
func (c *Conn) consume(n int) {
	rest := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:rest]
}

func stageState(s http.Stage) ConnState {
	switch s {
	case http.StageHeaders:
		return StateReadingHeaders
	case http.StageBody:
		return StateReadingBody
	default:
		return StateAwaitingRequestLine
	}
}

// keepAlive decides whether the connection survives this response.
func (c *Conn) keepAlive(req *http.Request) bool {
	e := c.engine
	switch {
	case !req.KeepAlive:
		return false
	case !e.cfg.KeepAlive:
		return false
	case e.shuttingDown.Load():
		return false
	case e.cfg.Limits.Requests > 0 && c.served >= e.cfg.Limits.Requests:
		return false
	}
	return true
}

func (c *Conn) writeOptions(req *http.Request, resp *http.Response, keep bool) http.WriteOptions {
	opts := http.WriteOptions{
		KeepAlive:        keep,
		KeepAliveTimeout: c.engine.cfg.Timeouts.Idle,
		ServerName:       c.engine.cfg.ServerName,
		Head:             req.Method == http.MethodHead,
	}
	if resp.Streaming() && !req.IsHTTP11() {
		opts.RawStream = true
		opts.KeepAlive = false
	}
	return opts
}

func (c *Conn) write(resp *http.Response, opts http.WriteOptions) error {
	e := c.engine
	c.nc.SetWriteDeadline(time.Now().Add(e.cfg.Timeouts.Write))

	headp := e.buffers.Get(pools.SmallBufferSize)
	head := http.AppendResponseHead((*headp)[:0], resp, opts)
	var w io.Writer = c.nc
	if resp.Streaming() {
		w = deadlineWriter{nc: c.nc, timeout: e.cfg.Timeouts.Write}
	}
	_, err := http.WriteResponse(w, head, resp, opts)
	*headp = head
	e.buffers.Put(headp)
	return err
}

// fail answers a read-side error where HTTP allows one, then the caller
// closes the connection.
func (c *Conn) fail(err error) {
	e := c.engine
	log := e.logger.With().Str("remote_addr", c.remote).Str("state", c.State().String()).Logger()

	var pe *http.ParseError
	var ne net.Error
	switch {
	case errors.As(err, &pe):
		log.Debug().Err(err).Msg("malformed request")
		c.writeError(pe.Status)

	case errors.Is(err, errBufferFull):
		status := http.StatusRequestEntityTooLarge
		if c.parser.Stage() != http.StageBody {
			status = http.StatusRequestHeaderFieldsTooLarge
		}
		log.Debug().Int("buffered", len(c.buf)).Msg("connection buffer full")
		c.writeError(status)

	case errors.Is(err, errShuttingDown):

	case errors.As(err, &ne) && ne.Timeout():
		if e.shuttingDown.Load() && len(c.buf) == 0 {
			return
		}
		log.Debug().Msg("request timeout")
		c.writeError(http.StatusRequestTimeout)

	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):

	default:
		log.Debug().Err(err).Msg("connection read failed")
	}
}

// writeError sends a framework error response and marks the connection
// for closing.
func (c *Conn) writeError(status int) {
	c.setState(StateWritingResponse)
	opts := http.WriteOptions{
		ServerName: c.engine.cfg.ServerName,
	}
	if err := c.write(http.Error(status), opts); err != nil {
		c.engine.logger.Debug().Err(err).Int("status", status).Msg("error response not written")
		return
	}
	// Half-close and drain until the peer closes, so unread input does
	// not turn the final close into a reset. A peer that stays silent
	// holds the worker for at most lingerDelay.
	if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		c.nc.SetReadDeadline(time.Now().Add(lingerDelay))
		io.CopyN(io.Discard, c.nc, lingerMaxBytes)
	}
}

// close releases the socket. Safe to call more than once and from
// Shutdown's force-close path.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.nc.Close()
		c.engine.untrack(c)
	})
}

// release returns the read buffer. Only the serving goroutine calls it.
func (c *Conn) release() {
	if c.bufp != nil {
		c.engine.buffers.Put(c.bufp)
		c.bufp, c.buf = nil, nil
	}
}

// wakeIfIdle interrupts a blocked read on an idle connection so it
// notices shutdown.
func (c *Conn) wakeIfIdle() {
	if c.State() == StateAwaitingRequestLine {
		c.nc.SetReadDeadline(time.Now())
	}
}

// deadlineWriter renews the write deadline before every write, so a long
// stream fails only when a single chunk stalls.
type deadlineWriter struct {
	nc      net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	w.nc.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.nc.Write(p)
}
