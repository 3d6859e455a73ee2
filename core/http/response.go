package http

import (
	"fmt"
	"strconv"
)

// ChunkSource produces a body of unknown length. It calls emit once per
// chunk and stops at the first emit error.
type ChunkSource func(emit func(chunk []byte) error) error

// Response is what a handler returns. The body is either a known-length
// byte slice framed with Content-Length, or a ChunkSource framed with
// Transfer-Encoding: chunked, never both.
type Response struct {
	Status int
	Reason string
	Header Header

	body   []byte
	stream ChunkSource
}

// NewResponse returns an empty response with the given status. It panics
// on a status outside the known set, like writing an invalid status line
// would be.
func NewResponse(status int) *Response {
	if !ValidStatus(status) {
		panic(fmt.Sprintf("http: invalid response status %d", status))
	}
	r := &Response{Status: status, Reason: StatusText(status)}
	r.SetBody(nil)
	return r
}

// Text returns a text/plain response.
func Text(status int, body string) *Response {
	r := NewResponse(status)
	r.Header.Set(HeaderContentType, "text/plain; charset=utf-8")
	r.SetBody([]byte(body))
	return r
}

// Bytes returns a response with the given content type and body.
func Bytes(status int, contentType string, body []byte) *Response {
	r := NewResponse(status)
	if contentType != "" {
		r.Header.Set(HeaderContentType, contentType)
	}
	r.SetBody(body)
	return r
}

// JSONBytes returns an application/json response around an encoded body.
func JSONBytes(status int, body []byte) *Response {
	return Bytes(status, "application/json", body)
}

// Error returns a plain-text response whose body is the reason phrase.
func Error(status int) *Response {
	return Text(status, StatusText(status))
}

// SetBody replaces the body with a known-length slice and frames it with
// exactly one Content-Length.
func (r *Response) SetBody(b []byte) {
	r.body = b
	r.stream = nil
	r.Header.Del(HeaderTransferEncoding)
	r.Header.Set(HeaderContentLength, strconv.Itoa(len(b)))
}

// SetStream replaces the body with a chunked stream.
func (r *Response) SetStream(src ChunkSource) {
	r.body = nil
	r.stream = src
	r.Header.Del(HeaderContentLength)
	r.Header.Set(HeaderTransferEncoding, "chunked")
}

func (r *Response) Body() []byte { return r.body }

func (r *Response) Stream() ChunkSource { return r.stream }

// Streaming reports whether the body length is unknown.
func (r *Response) Streaming() bool { return r.stream != nil }

// ContentLength returns the body length, or -1 for a stream.
func (r *Response) ContentLength() int {
	if r.stream != nil {
		return -1
	}
	return len(r.body)
}

// SetHeader sets a header. Set-Cookie accumulates; every other name
// replaces. Framing headers belong to SetBody and SetStream and are
// ignored here.
func (r *Response) SetHeader(name, value string) {
	switch lowerKey(name) {
	case "content-length", "transfer-encoding":
		return
	case "set-cookie":
		r.Header.Add(name, value)
	default:
		r.Header.Set(name, value)
	}
}

// Handler serves a request. A returned error becomes a 500 unless it
// implements StatusCoder.
type Handler func(req *Request) (*Response, error)
