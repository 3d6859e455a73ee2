package http

import (
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Stage is the part of a request the parser is waiting on.
type Stage uint8

const (
	StageRequestLine Stage = iota
	StageHeaders
	StageBody
)

func (s Stage) String() string {
	switch s {
	case StageRequestLine:
		return "request-line"
	case StageHeaders:
		return "headers"
	case StageBody:
		return "body"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxBodySize    = 10 << 20
	DefaultMaxHeaderBytes = 16 << 10

	maxChunkLine = 4096
)

var errBareLF = errors.New("http: line not terminated by CRLF")

// Parser turns a growing buffer into requests. It keeps no bytes of its
// own: the caller owns the buffer and drops the consumed prefix after each
// request. A Parser is not safe for concurrent use; each connection has one.
type Parser struct {
	MaxBodySize    int64
	MaxHeaderBytes int

	stage Stage
}

// Stage reports which part of the request the last Parse call stopped in.
func (p *Parser) Stage() Stage { return p.stage }

func (p *Parser) maxBody() int64 {
	if p.MaxBodySize > 0 {
		return p.MaxBodySize
	}
	return DefaultMaxBodySize
}

func (p *Parser) maxHeader() int {
	if p.MaxHeaderBytes > 0 {
		return p.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

// Parse parses one request from the front of buf. It returns the request
// and the number of bytes it used, ErrIncomplete if buf ends before the
// request does, or a *ParseError.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	p.stage = StageRequestLine
	maxHeader := p.maxHeader()

	pos := 0
	for bytes.HasPrefix(buf[pos:], []byte("\r\n")) {
		pos += 2
	}
	if pos >= maxHeader {
		return nil, 0, parseErr(StatusBadRequest, ErrInvalidRequestLine)
	}
	start := pos

	line, next, err := readLine(buf, pos)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			if len(buf)-start > maxHeader {
				return nil, 0, parseErr(StatusRequestURITooLong, ErrInvalidTarget)
			}
			return nil, 0, ErrIncomplete
		}
		return nil, 0, parseErr(StatusBadRequest, ErrInvalidRequestLine)
	}
	req, err := parseRequestLine(line)
	if err != nil {
		return nil, 0, err
	}
	pos = next

	p.stage = StageHeaders
	for {
		line, next, err := readLine(buf, pos)
		if err != nil {
			if errors.Is(err, ErrIncomplete) {
				if len(buf)-start > maxHeader {
					return nil, 0, parseErr(StatusRequestHeaderFieldsTooLarge, ErrHeadersTooLarge)
				}
				return nil, 0, ErrIncomplete
			}
			return nil, 0, parseErr(StatusBadRequest, ErrInvalidHeader)
		}
		if next-start > maxHeader {
			return nil, 0, parseErr(StatusRequestHeaderFieldsTooLarge, ErrHeadersTooLarge)
		}
		pos = next
		if len(line) == 0 {
			break
		}
		if err := parseHeaderLine(&req.Header, line); err != nil {
			return nil, 0, err
		}
	}

	chunked, length, err := bodyFraming(&req.Header, p.maxBody())
	if err != nil {
		return nil, 0, err
	}

	p.stage = StageBody
	switch {
	case chunked:
		body, n, err := decodeChunked(buf[pos:], p.maxBody(), maxHeader)
		if err != nil {
			return nil, 0, err
		}
		req.Body = body
		pos += n
	case length > 0:
		if int64(len(buf)-pos) < length {
			return nil, 0, ErrIncomplete
		}
		req.Body = make([]byte, length)
		copy(req.Body, buf[pos:])
		pos += int(length)
	}

	req.KeepAlive = keepAlive(req.Proto, &req.Header)
	return req, pos, nil
}

// readLine returns the line starting at start without its CRLF and the
// offset just past it.
func readLine(buf []byte, start int) ([]byte, int, error) {
	i := bytes.IndexByte(buf[start:], '\n')
	if i < 0 {
		return nil, 0, ErrIncomplete
	}
	end := start + i
	if i == 0 || buf[end-1] != '\r' {
		return nil, 0, errBareLF
	}
	return buf[start : end-1], end + 1, nil
}

func parseRequestLine(line []byte) (*Request, error) {
	parts := strings.Split(string(line), " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, parseErr(StatusBadRequest, ErrInvalidRequestLine)
	}
	rawMethod, target, proto := parts[0], parts[1], parts[2]

	major, minor, ok := parseVersion(proto)
	if !ok {
		return nil, parseErr(StatusBadRequest, ErrInvalidVersion)
	}
	if major != 1 || minor > 1 {
		return nil, parseErr(StatusHTTPVersionNotSupported, ErrUnsupportedVersion)
	}

	if !validToken(rawMethod) {
		return nil, parseErr(StatusBadRequest, ErrInvalidMethod)
	}
	method, ok := ParseMethod(rawMethod)
	if !ok {
		return nil, parseErr(StatusNotImplemented, ErrUnknownMethod)
	}

	path, rawQuery, err := splitTarget(method, target)
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:   method,
		Target:   target,
		Path:     path,
		RawQuery: rawQuery,
		Query:    parseQuery(rawQuery),
		Proto:    proto,
	}, nil
}

// parseVersion accepts exactly "HTTP/d.d".
func parseVersion(s string) (major, minor int, ok bool) {
	if len(s) != 8 || !strings.HasPrefix(s, "HTTP/") || s[6] != '.' {
		return 0, 0, false
	}
	if !isDigit(s[5]) || !isDigit(s[7]) {
		return 0, 0, false
	}
	return int(s[5] - '0'), int(s[7] - '0'), true
}

// splitTarget separates path and query. Origin-form is the norm;
// absolute-form has its scheme and authority dropped, and "*" is only
// valid for OPTIONS. Dot segments and empty segments are left alone.
func splitTarget(method Method, target string) (string, string, error) {
	for i := 0; i < len(target); i++ {
		if c := target[i]; c <= ' ' || c == 0x7f {
			return "", "", parseErr(StatusBadRequest, ErrInvalidTarget)
		}
	}

	if target == "*" {
		if method != MethodOptions {
			return "", "", parseErr(StatusBadRequest, ErrInvalidTarget)
		}
		return "*", "", nil
	}

	if target[0] != '/' {
		lower := strings.ToLower(target)
		var rest string
		switch {
		case strings.HasPrefix(lower, "http://"):
			rest = target[len("http://"):]
		case strings.HasPrefix(lower, "https://"):
			rest = target[len("https://"):]
		default:
			return "", "", parseErr(StatusBadRequest, ErrInvalidTarget)
		}
		if i := strings.IndexAny(rest, "/?"); i >= 0 {
			target = rest[i:]
		} else {
			target = "/"
		}
		if target[0] == '?' {
			target = "/" + target
		}
	}

	path, rawQuery, _ := strings.Cut(target, "?")
	return path, rawQuery, nil
}

func parseHeaderLine(h *Header, line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		return parseErr(StatusBadRequest, ErrHeaderFolding)
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return parseErr(StatusBadRequest, ErrInvalidHeader)
	}
	// Whitespace before the colon fails the token check, which is what
	// RFC 7230 section 3.2.4 asks for.
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return parseErr(StatusBadRequest, ErrInvalidHeader)
	}
	value := strings.Trim(string(line[colon+1:]), " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return parseErr(StatusBadRequest, ErrInvalidHeader)
	}
	h.Add(name, value)
	return nil
}

// bodyFraming decides how the body is delimited. Ambiguous framing is
// always an error.
func bodyFraming(h *Header, maxBody int64) (chunked bool, length int64, err error) {
	te := h.Values(HeaderTransferEncoding)
	cl := h.Values(HeaderContentLength)

	if len(te) > 0 {
		if len(cl) > 0 {
			return false, 0, parseErr(StatusBadRequest, ErrConflictingFraming)
		}
		var codings []string
		for _, v := range te {
			for _, c := range strings.Split(v, ",") {
				if c = strings.ToLower(strings.Trim(c, " \t")); c != "" {
					codings = append(codings, c)
				}
			}
		}
		if len(codings) == 0 || codings[len(codings)-1] != "chunked" {
			return false, 0, parseErr(StatusBadRequest, ErrUnsupportedEncoding)
		}
		if len(codings) > 1 {
			return false, 0, parseErr(StatusNotImplemented, ErrUnsupportedEncoding)
		}
		return true, 0, nil
	}

	if len(cl) == 0 {
		return false, 0, nil
	}
	length = -1
	for _, v := range cl {
		for _, s := range strings.Split(v, ",") {
			s = strings.Trim(s, " \t")
			n, err := parseContentLength(s)
			if err != nil {
				return false, 0, err
			}
			if length >= 0 && n != length {
				return false, 0, parseErr(StatusBadRequest, ErrDuplicateLength)
			}
			length = n
		}
	}
	if length > maxBody {
		return false, 0, parseErr(StatusRequestEntityTooLarge, ErrBodyTooLarge)
	}
	return false, length, nil
}

func parseContentLength(s string) (int64, error) {
	if s == "" || len(s) > 18 {
		return 0, parseErr(StatusBadRequest, ErrInvalidLength)
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return 0, parseErr(StatusBadRequest, ErrInvalidLength)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, parseErr(StatusBadRequest, ErrInvalidLength)
	}
	return n, nil
}

// parseQuery decodes a raw query. Pairs with a malformed percent sequence
// are skipped.
func parseQuery(raw string) map[string][]string {
	q := make(map[string][]string)
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		q[key] = append(q[key], val)
	}
	return q
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httpguts.IsTokenRune(rune(s[i])) {
			return false
		}
	}
	return true
}
