package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/core/http"
)

// Middleware wraps one step of request handling. It may inspect or change
// req, call next zero or one time, and inspect or replace the response
// next returns. Not calling next short-circuits the rest of the chain.
type Middleware func(req *http.Request, next http.Handler) (*http.Response, error)

// Pipeline runs a request through the middlewares in registration order
// and then the final handler; responses unwind in reverse. The chain is
// compiled once, so a Pipeline is safe for concurrent use after Compile.
type Pipeline struct {
	middlewares []Middleware
	final       http.Handler
	chain       http.Handler
	logger      zerolog.Logger
}

// NewPipeline returns a compiled pipeline around final.
func NewPipeline(final http.Handler, logger zerolog.Logger, mws ...Middleware) *Pipeline {
	p := &Pipeline{
		middlewares: make([]Middleware, 0, len(mws)),
		final:       final,
		logger:      logger,
	}
	return p.Use(mws...).Compile()
}

// Use appends middlewares. Call Compile afterwards; requests keep using
// the previous chain until then.
func (p *Pipeline) Use(mws ...Middleware) *Pipeline {
	for _, mw := range mws {
		if mw != nil {
			p.middlewares = append(p.middlewares, mw)
		}
	}
	return p
}

// Len returns the number of middlewares.
func (p *Pipeline) Len() int { return len(p.middlewares) }

// Compile folds the middlewares into one handler.
func (p *Pipeline) Compile() *Pipeline {
	h := p.final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		mw, next := p.middlewares[i], h
		h = func(req *http.Request) (*http.Response, error) {
			return mw(req, next)
		}
	}
	p.chain = h
	return p
}

// Execute processes req and always returns a response. Panics and errors
// from inside the chain stop here: the client sees a generic status and
// the details go to the log.
func (p *Pipeline) Execute(req *http.Request) (resp *http.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("method", string(req.Method)).
				Str("path", req.Path).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			resp = http.Error(http.StatusInternalServerError)
		}
	}()

	resp, err := p.chain(req)
	if err != nil {
		return p.errorResponse(req, err)
	}
	if resp == nil {
		p.logger.Error().
			Str("method", string(req.Method)).
			Str("path", req.Path).
			Msg("handler returned no response")
		return http.Error(http.StatusInternalServerError)
	}
	return resp
}

func (p *Pipeline) errorResponse(req *http.Request, err error) *http.Response {
	status := StatusFromError(err)
	if status >= 500 {
		p.logger.Error().
			Err(err).
			Str("method", string(req.Method)).
			Str("path", req.Path).
			Int("status", status).
			Msg("handler failed")
		return http.Error(status)
	}

	var se *http.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return http.Text(status, se.Message)
	}
	return http.Error(status)
}

// StatusFromError maps a handler error onto the status the client will
// see: the error's own status if it has a known one, otherwise 500.
func StatusFromError(err error) int {
	var sc http.StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && http.ValidStatus(code) {
			return code
		}
	}
	return http.StatusInternalServerError
}
