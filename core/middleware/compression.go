package middleware

import (
	"bytes"
	"compress/gzip"
	"strconv"
	"strings"
	"sync"

	"github.com/searchktools/h1server/core/http"
)

// CompressionConfig configures gzip response compression.
type CompressionConfig struct {
	// MinSize is the smallest body worth compressing.
	MinSize int
	Level   int
	// Types are content-type prefixes that compress well.
	Types []string
}

// DefaultCompressionConfig compresses text, JSON, JS and SVG bodies of
// 1KB and more.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize: 1024,
		Level:   gzip.DefaultCompression,
		Types: []string{
			"text/",
			"application/json",
			"application/javascript",
			"application/xml",
			"image/svg+xml",
		},
	}
}

// Compression gzips known-length bodies for clients that accept gzip.
// Streams, bodies that already carry a Content-Encoding and bodies that
// do not shrink are passed through unchanged.
func Compression(cfg CompressionConfig) Middleware {
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	writers := sync.Pool{
		New: func() any {
			w, err := gzip.NewWriterLevel(nil, cfg.Level)
			if err != nil {
				w = gzip.NewWriter(nil)
			}
			return w
		},
	}

	return func(req *http.Request, next http.Handler) (*http.Response, error) {
		resp, err := next(req)
		if err != nil || resp == nil {
			return resp, err
		}
		if resp.Streaming() || !bodyAllowed(resp.Status) || req.Method == http.MethodHead {
			return resp, nil
		}
		if resp.Header.Has(http.HeaderContentEncoding) || !compressible(resp.Header.Get(http.HeaderContentType), cfg.Types) {
			return resp, nil
		}
		// Vary applies as soon as the representation depends on the header.
		addVary(resp, http.HeaderAcceptEncoding)

		body := resp.Body()
		if len(body) < cfg.MinSize || !acceptsGzip(req.Header.Values(http.HeaderAcceptEncoding)) {
			return resp, nil
		}

		var buf bytes.Buffer
		buf.Grow(len(body) / 2)
		zw := writers.Get().(*gzip.Writer)
		zw.Reset(&buf)
		_, werr := zw.Write(body)
		cerr := zw.Close()
		writers.Put(zw)
		if werr != nil || cerr != nil || buf.Len() >= len(body) {
			return resp, nil
		}

		resp.SetHeader(http.HeaderContentEncoding, "gzip")
		resp.SetBody(buf.Bytes())
		return resp, nil
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func compressible(contentType string, types []string) bool {
	if contentType == "" {
		return false
	}
	ct := strings.ToLower(contentType)
	for _, t := range types {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}

// acceptsGzip reports whether any Accept-Encoding value lists gzip (or
// "*") with a non-zero quality.
// acceptsGzip reports whether gzip has a non-zero quality. An explicit
// gzip entry overrides "*".
func acceptsGzip(values []string) bool {
	gzipQ, starQ := -1.0, -1.0
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(item), ";")
			switch strings.ToLower(strings.TrimSpace(coding)) {
			case "gzip", "x-gzip":
				gzipQ = max(gzipQ, qualityOf(params))
			case "*":
				starQ = max(starQ, qualityOf(params))
			}
		}
	}
	if gzipQ >= 0 {
		return gzipQ > 0
	}
	return starQ > 0
}

func qualityOf(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return q
	}
	return 1
}
