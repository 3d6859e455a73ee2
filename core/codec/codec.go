// Package codec encodes handler payloads and picks an encoding from the
// request's Accept and Content-Type headers.
package codec

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/searchktools/h1server/core/http"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Codec defines the interface for encoding/decoding message bodies
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v any) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v any) error

	// Name returns the codec name
	Name() string

	// ContentType is the media type the codec produces.
	ContentType() string
}

// Media types
const (
	MediaJSON     = "application/json"
	MediaProtobuf = "application/x-protobuf"
)

var (
	jsonCodec     Codec = &JSONCodec{}
	protobufCodec Codec = &ProtobufCodec{}
)

// ForMediaType returns the codec for a Content-Type value, ignoring
// parameters.
func ForMediaType(contentType string) (Codec, error) {
	mt, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case MediaJSON, "":
		return jsonCodec, nil
	case MediaProtobuf, "application/protobuf", "application/vnd.google.protobuf":
		return protobufCodec, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// Negotiate picks the codec the client prefers from its Accept values.
// JSON wins ties and is the fallback when nothing matches.
func Negotiate(accept []string) Codec {
	best, bestQ := jsonCodec, -1.0
	for _, v := range accept {
		for _, item := range strings.Split(v, ",") {
			mt, params, _ := strings.Cut(strings.TrimSpace(item), ";")
			c, err := ForMediaType(mt)
			if err != nil || strings.TrimSpace(mt) == "" {
				continue
			}
			q := quality(params)
			if q <= 0 {
				continue
			}
			if q > bestQ || (q == bestQ && c == jsonCodec) {
				best, bestQ = c, q
			}
		}
	}
	return best
}

func quality(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "q") {
			q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return 0
			}
			return q
		}
	}
	return 1
}

// Respond encodes v with the codec req asks for.
func Respond(req *http.Request, status int, v any) (*http.Response, error) {
	c := Negotiate(req.Header.Values("Accept"))
	body, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	resp := http.Bytes(status, c.ContentType(), body)
	resp.SetHeader(http.HeaderVary, "Accept")
	return resp, nil
}

// Bind decodes the request body according to its Content-Type. Unknown
// types fail with 415 and undecodable bodies with 400.
func Bind(req *http.Request, v any) error {
	c, err := ForMediaType(req.Header.Get(http.HeaderContentType))
	if err != nil {
		return &http.StatusError{Status: http.StatusUnsupportedMediaType, Message: "unsupported content type", Err: err}
	}
	if err := c.Decode(req.Body, v); err != nil {
		return &http.StatusError{Status: http.StatusBadRequest, Message: "malformed " + c.Name() + " body", Err: err}
	}
	return nil
}

// JSONCodec implements JSON encoding/decoding. Protobuf messages use
// their canonical JSON mapping.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Marshal(msg)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, msg)
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string { return MediaJSON }
