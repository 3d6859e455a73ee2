package http

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func writeString(t *testing.T, resp *Response, opts WriteOptions) string {
	t.Helper()
	var buf bytes.Buffer
	n, err := WriteResponse(&buf, nil, resp, opts)
	if err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("Expected %d bytes reported, got %d", buf.Len(), n)
	}
	return buf.String()
}

func TestWriteKnownLengthResponse(t *testing.T) {
	resp := Text(StatusOK, "hello")
	out := writeString(t, resp, WriteOptions{KeepAlive: true, KeepAliveTimeout: 5 * time.Second, ServerName: "h1server"})

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Expected status line, got %q", out)
	}
	for _, want := range []string{
		"Content-Length: 5\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n",
		"Connection: keep-alive\r\n",
		"Keep-Alive: timeout=5\r\n",
		"Server: h1server\r\n",
		"Date: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "Transfer-Encoding") {
		t.Errorf("Expected no Transfer-Encoding, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello") {
		t.Errorf("Expected body after blank line, got %q", out)
	}
}

func TestWriteContentLengthMatchesBody(t *testing.T) {
	bodies := [][]byte{nil, {}, []byte("x"), bytes.Repeat([]byte("abc"), 1000)}
	for _, body := range bodies {
		resp := Bytes(StatusOK, "application/octet-stream", body)
		// a stale value set by hand must not survive
		resp.Header.Set(HeaderContentLength, "99")
		out := writeString(t, resp, WriteOptions{})

		if c := strings.Count(out, "Content-Length:"); c != 1 {
			t.Errorf("Expected exactly one Content-Length, got %d", c)
		}
		want := "Content-Length: " + itoa(len(body)) + "\r\n"
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in head", want)
		}
		if strings.Contains(out, "Transfer-Encoding") {
			t.Error("Expected no Transfer-Encoding for a known-length body")
		}
	}
}

func itoa(i int) string { return string(appendInt(nil, i)) }

func TestWriteChunkedStream(t *testing.T) {
	resp := NewResponse(StatusOK)
	resp.SetStream(func(emit func([]byte) error) error {
		for _, c := range []string{"ab", "", "cdefghijklmnopqrs"} {
			if err := emit([]byte(c)); err != nil {
				return err
			}
		}
		return nil
	})

	out := writeString(t, resp, WriteOptions{})
	if strings.Contains(out, "Content-Length") {
		t.Errorf("Expected no Content-Length on a stream, got %q", out)
	}
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Errorf("Expected chunked framing, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n2\r\nab\r\n11\r\ncdefghijklmnopqrs\r\n0\r\n\r\n") {
		t.Errorf("Unexpected chunked body: %q", out)
	}
	if resp.ContentLength() != -1 {
		t.Errorf("Expected -1 content length, got %d", resp.ContentLength())
	}
}

func TestWriteRawStream(t *testing.T) {
	resp := NewResponse(StatusOK)
	resp.SetStream(func(emit func([]byte) error) error {
		return emit([]byte("plain"))
	})

	out := writeString(t, resp, WriteOptions{KeepAlive: true, RawStream: true})
	if strings.Contains(out, "Transfer-Encoding") || strings.Contains(out, "Content-Length") {
		t.Errorf("Expected close-delimited body, got %q", out)
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Errorf("Expected Connection: close, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nplain") {
		t.Errorf("Expected raw body, got %q", out)
	}
}

func TestWriteStreamError(t *testing.T) {
	boom := errors.New("boom")
	resp := NewResponse(StatusOK)
	resp.SetStream(func(emit func([]byte) error) error { return boom })

	var buf bytes.Buffer
	if _, err := WriteResponse(&buf, nil, resp, WriteOptions{}); !errors.Is(err, boom) {
		t.Errorf("Expected stream error, got %v", err)
	}
}

func TestWriteHeadOmitsBody(t *testing.T) {
	out := writeString(t, Text(StatusOK, "hello"), WriteOptions{Head: true})
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Errorf("Expected Content-Length kept for HEAD, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("Expected no body for HEAD, got %q", out)
	}
}

func TestWriteNoContent(t *testing.T) {
	for _, status := range []int{StatusNoContent, StatusNotModified} {
		resp := NewResponse(status)
		out := writeString(t, resp, WriteOptions{})
		if strings.Contains(out, "Content-Length") || strings.Contains(out, "Transfer-Encoding") {
			t.Errorf("Expected no framing headers for %d, got %q", status, out)
		}
	}
}

func TestWriteFixedDate(t *testing.T) {
	now := time.Date(1994, time.November, 6, 8, 49, 37, 0, time.UTC)
	out := writeString(t, NewResponse(StatusOK), WriteOptions{Now: now})
	if !strings.Contains(out, "Date: Sun, 06 Nov 1994 08:49:37 GMT\r\n") {
		t.Errorf("Expected IMF-fixdate, got %q", out)
	}
}

func TestWriteSanitizesHeaderValues(t *testing.T) {
	resp := NewResponse(StatusOK)
	resp.SetHeader("X-Note", "a\r\nInjected: 1")
	out := writeString(t, resp, WriteOptions{})
	if strings.Contains(out, "\r\nInjected: 1") {
		t.Errorf("Expected CRLF in value to be neutralized, got %q", out)
	}
}

func TestResponseSetHeader(t *testing.T) {
	resp := NewResponse(StatusOK)
	resp.SetHeader("Set-Cookie", "a=1")
	resp.SetHeader("Set-Cookie", "b=2")
	resp.SetHeader("X-Token", "one")
	resp.SetHeader("x-token", "two")
	resp.SetHeader("Content-Length", "42")

	if got := resp.Header.Values("set-cookie"); len(got) != 2 {
		t.Errorf("Expected 2 Set-Cookie values, got %v", got)
	}
	if got := resp.Header.Values("X-Token"); len(got) != 1 || got[0] != "two" {
		t.Errorf("Expected X-Token replaced, got %v", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "0" {
		t.Errorf("Expected framing header untouched, got %q", got)
	}
}

func TestResponseFramingExclusive(t *testing.T) {
	resp := Text(StatusOK, "abc")
	resp.SetStream(func(emit func([]byte) error) error { return nil })
	if resp.Header.Has(HeaderContentLength) {
		t.Error("Expected Content-Length removed by SetStream")
	}
	resp.SetBody([]byte("xy"))
	if resp.Header.Has(HeaderTransferEncoding) {
		t.Error("Expected Transfer-Encoding removed by SetBody")
	}
	if got := resp.Header.Values(HeaderContentLength); len(got) != 1 || got[0] != "2" {
		t.Errorf("Expected single Content-Length 2, got %v", got)
	}
}

func TestNewResponseRejectsUnknownStatus(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for unknown status")
		}
	}()
	NewResponse(799)
}

func TestHeaderOrderAndCase(t *testing.T) {
	var h Header
	h.Add("X-B", "1")
	h.Add("x-a", "2")
	h.Add("X-B", "3")
	h.Set("x-b", "4")

	var names []string
	h.Each(func(name, value string) { names = append(names, name+"="+value) })
	if got := strings.Join(names, ","); got != "x-b=4,x-a=2" {
		t.Errorf("Expected x-b=4,x-a=2, got %s", got)
	}

	h.Del("X-A")
	if h.Has("x-a") || h.Len() != 1 {
		t.Errorf("Expected x-a deleted, got %d fields", h.Len())
	}

	clone := h.Clone()
	clone.Set("X-B", "5")
	if h.Get("X-B") != "4" {
		t.Error("Expected Clone to be independent")
	}
}

func BenchmarkWriteResponse(b *testing.B) {
	resp := JSONBytes(StatusOK, []byte(`{"message":"hello"}`))
	var buf bytes.Buffer
	head := make([]byte, 0, 512)
	opts := WriteOptions{KeepAlive: true, ServerName: "h1server"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if _, err := WriteResponse(&buf, head, resp, opts); err != nil {
			b.Fatal(err)
		}
	}
}
