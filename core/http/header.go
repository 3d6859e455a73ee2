package http

import "strings"

// Header is an ordered, case-insensitive multimap of header fields.
// Names keep the spelling they were added with so a parsed message can be
// written back unchanged; lookups go through the lower-cased key.
type Header struct {
	fields []headerField
}

type headerField struct {
	name  string
	key   string
	value string
}

func lowerKey(name string) string {
	for i := 0; i < len(name); i++ {
		if c := name[i]; c >= 'A' && c <= 'Z' {
			return strings.ToLower(name)
		}
	}
	return name
}

// Add appends a value, keeping any existing values for name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, headerField{name: name, key: lowerKey(name), value: value})
}

// Set replaces every value of name with value. The first occurrence keeps
// its position.
func (h *Header) Set(name, value string) {
	key := lowerKey(name)
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if f.key != key {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, headerField{name: name, key: key, value: value})
			replaced = true
		}
	}
	h.fields = out
	if !replaced {
		h.fields = append(h.fields, headerField{name: name, key: key, value: value})
	}
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	key := lowerKey(name)
	for _, f := range h.fields {
		if f.key == key {
			return f.value
		}
	}
	return ""
}

// Values returns every value of name in arrival order.
func (h *Header) Values(name string) []string {
	key := lowerKey(name)
	var vals []string
	for _, f := range h.fields {
		if f.key == key {
			vals = append(vals, f.value)
		}
	}
	return vals
}

func (h *Header) Has(name string) bool {
	key := lowerKey(name)
	for _, f := range h.fields {
		if f.key == key {
			return true
		}
	}
	return false
}

func (h *Header) Del(name string) {
	key := lowerKey(name)
	out := h.fields[:0]
	for _, f := range h.fields {
		if f.key != key {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Len returns the number of fields, counting repeated names separately.
func (h *Header) Len() int { return len(h.fields) }

// Each visits fields in order.
func (h *Header) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	if h.fields == nil {
		return Header{}
	}
	fields := make([]headerField, len(h.fields))
	copy(fields, h.fields)
	return Header{fields: fields}
}

// Common header names.
const (
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderAllow            = "Allow"
	HeaderCacheControl     = "Cache-Control"
	HeaderConnection       = "Connection"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderDate             = "Date"
	HeaderETag             = "ETag"
	HeaderHost             = "Host"
	HeaderIfNoneMatch      = "If-None-Match"
	HeaderKeepAlive        = "Keep-Alive"
	HeaderLastModified     = "Last-Modified"
	HeaderOrigin           = "Origin"
	HeaderRetryAfter       = "Retry-After"
	HeaderServer           = "Server"
	HeaderSetCookie        = "Set-Cookie"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderVary             = "Vary"
	HeaderRequestID        = "X-Request-ID"
)
