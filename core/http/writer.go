package http

import (
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// WriteOptions carries what the connection knows about the exchange.
type WriteOptions struct {
	KeepAlive        bool
	KeepAliveTimeout time.Duration
	ServerName       string
	Now              time.Time
	// Head suppresses the body of a HEAD response.
	Head bool
	// RawStream writes a stream without chunk framing, for HTTP/1.0
	// peers. The connection must close afterwards.
	RawStream bool
}

// managed headers are emitted by the writer itself.
var managedHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
}

// AppendResponseHead appends the status line and header section. Framing
// is derived from the body, so a stale Content-Length set by hand never
// reaches the wire.
func AppendResponseHead(dst []byte, resp *Response, opts WriteOptions) []byte {
	status := resp.Status
	if !ValidStatus(status) {
		status = StatusInternalServerError
	}
	reason := resp.Reason
	if reason == "" || status != resp.Status {
		reason = StatusText(status)
	}

	dst = append(dst, Proto11...)
	dst = append(dst, ' ')
	dst = appendInt(dst, status)
	dst = append(dst, ' ')
	dst = append(dst, sanitizeHeaderValue(reason)...)
	dst = append(dst, "\r\n"...)

	resp.Header.Each(func(name, value string) {
		if managedHeaders[lowerKey(name)] || !httpguts.ValidHeaderFieldName(name) {
			return
		}
		dst = appendHeaderLine(dst, name, value)
	})

	if !resp.Header.Has(HeaderDate) {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		dst = append(dst, "Date: "...)
		dst = now.UTC().AppendFormat(dst, TimeFormat)
		dst = append(dst, "\r\n"...)
	}
	if opts.ServerName != "" && !resp.Header.Has(HeaderServer) {
		dst = appendHeaderLine(dst, HeaderServer, opts.ServerName)
	}

	if bodyAllowed(status) {
		switch {
		case resp.stream == nil:
			dst = append(dst, "Content-Length: "...)
			dst = appendInt(dst, len(resp.body))
			dst = append(dst, "\r\n"...)
		case !opts.RawStream:
			dst = append(dst, "Transfer-Encoding: chunked\r\n"...)
		}
	}

	if opts.KeepAlive && !opts.RawStream {
		dst = append(dst, "Connection: keep-alive\r\n"...)
		if opts.KeepAliveTimeout > 0 {
			dst = append(dst, "Keep-Alive: timeout="...)
			dst = appendInt(dst, int(opts.KeepAliveTimeout/time.Second))
			dst = append(dst, "\r\n"...)
		}
	} else {
		dst = append(dst, "Connection: close\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// WriteResponse writes resp to w. head is scratch space for the header
// section and may be nil. It returns the number of bytes written.
func WriteResponse(w io.Writer, head []byte, resp *Response, opts WriteOptions) (int64, error) {
	head = AppendResponseHead(head[:0], resp, opts)
	n, err := w.Write(head)
	written := int64(n)
	if err != nil || opts.Head || !bodyAllowed(resp.Status) {
		return written, err
	}

	if resp.stream == nil {
		n, err = w.Write(resp.body)
		return written + int64(n), err
	}

	var sizeBuf [20]byte
	err = resp.stream(func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		if opts.RawStream {
			n, err := w.Write(chunk)
			written += int64(n)
			return err
		}
		line := strconv.AppendInt(sizeBuf[:0], int64(len(chunk)), 16)
		line = append(line, '\r', '\n')
		for _, part := range [][]byte{line, chunk, []byte("\r\n")} {
			n, err := w.Write(part)
			written += int64(n)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || opts.RawStream {
		return written, err
	}
	n, err = io.WriteString(w, "0\r\n\r\n")
	return written + int64(n), err
}

// TimeFormat is the IMF-fixdate layout used by Date and Last-Modified.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func appendHeaderLine(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, sanitizeHeaderValue(value)...)
	return append(dst, "\r\n"...)
}

// sanitizeHeaderValue replaces CR and LF so a value can never start a new
// header line.
func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, v)
}

func appendInt(b []byte, i int) []byte {
	return strconv.AppendInt(b, int64(i), 10)
}
