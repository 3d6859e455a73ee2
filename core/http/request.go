package http

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Method is an HTTP request method token.
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
	MethodConnect Method = "CONNECT"
)

var knownMethods = map[string]Method{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"PATCH":   MethodPatch,
	"OPTIONS": MethodOptions,
	"TRACE":   MethodTrace,
	"CONNECT": MethodConnect,
}

// ParseMethod returns the Method for s if it is one the engine implements.
func ParseMethod(s string) (Method, bool) {
	m, ok := knownMethods[s]
	return m, ok
}

// Protocol versions accepted by the parser.
const (
	Proto10 = "HTTP/1.0"
	Proto11 = "HTTP/1.1"
)

// Request is a parsed HTTP/1.x request. Once the parser returns it, only the
// router touches it again (to fill Params) plus whatever middleware stores
// with Set.
type Request struct {
	Method Method
	// Target is the raw request-target from the request line.
	Target   string
	Path     string
	RawQuery string
	Query    map[string][]string
	Proto    string
	Header   Header
	Body     []byte
	Params   map[string]string

	RemoteAddr string
	KeepAlive  bool

	values map[string]any
}

// Param returns the path parameter captured by the router.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// QueryValue returns the first value of a query parameter.
func (r *Request) QueryValue(name string) string {
	if vs := r.Query[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Set attaches a request-scoped value.
func (r *Request) Set(key string, v any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[key] = v
}

func (r *Request) Get(key string) any {
	return r.values[key]
}

// IsHTTP11 reports whether the request was sent as HTTP/1.1.
func (r *Request) IsHTTP11() bool {
	return r.Proto == Proto11
}

// keepAlive derives persistence from the version and Connection tokens.
func keepAlive(proto string, h *Header) bool {
	conn := h.Values(HeaderConnection)
	if proto == Proto11 {
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	}
	return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
}

// AppendRequest writes req in wire form. The body is always framed with
// Content-Length, so a chunked request comes back out with its decoded
// length.
func AppendRequest(dst []byte, req *Request) []byte {
	dst = append(dst, req.Method...)
	dst = append(dst, ' ')
	dst = append(dst, req.Path...)
	if req.RawQuery != "" {
		dst = append(dst, '?')
		dst = append(dst, req.RawQuery...)
	}
	dst = append(dst, ' ')
	dst = append(dst, req.Proto...)
	dst = append(dst, "\r\n"...)

	req.Header.Each(func(name, value string) {
		if strings.EqualFold(name, HeaderContentLength) || strings.EqualFold(name, HeaderTransferEncoding) {
			return
		}
		dst = appendHeaderLine(dst, name, value)
	})
	if len(req.Body) > 0 || req.Header.Has(HeaderContentLength) || req.Header.Has(HeaderTransferEncoding) {
		dst = append(dst, HeaderContentLength...)
		dst = append(dst, ": "...)
		dst = appendInt(dst, len(req.Body))
		dst = append(dst, "\r\n"...)
	}
	dst = append(dst, "\r\n"...)
	return append(dst, req.Body...)
}
