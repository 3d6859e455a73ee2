package handlers

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/h1server/core/http"
)

// FileParam is the wildcard name Static expects in its route, as in
// "/static/*filepath".
const FileParam = "filepath"

const (
	indexFile = "index.html"
	// streamThreshold is the size above which files go out chunked
	// instead of being read whole.
	streamThreshold = 1 << 20
	streamChunk     = 32 << 10
)

// Static serves files below a root directory.
type Static struct {
	root   string
	maxAge time.Duration
}

// NewStatic resolves root, which must be an existing directory.
func NewStatic(root string, maxAge time.Duration) (*Static, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static: %s is not a directory", root)
	}
	return &Static{root: abs, maxAge: maxAge}, nil
}

func (s *Static) Root() string { return s.root }

// Handler serves the file named by the FileParam path parameter.
func (s *Static) Handler() http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		full, ok := s.resolve(req.Param(FileParam))
		if !ok {
			return http.Error(http.StatusForbidden), nil
		}

		info, err := os.Stat(full)
		if err != nil {
			return statError(err), nil
		}
		if info.IsDir() {
			full = filepath.Join(full, indexFile)
			if info, err = os.Stat(full); err != nil || info.IsDir() {
				return http.Error(http.StatusNotFound), nil
			}
		}
		// A symlink inside root may still point outside it.
		target, err := filepath.EvalSymlinks(full)
		if err != nil {
			return statError(err), nil
		}
		if !s.contains(target) {
			return http.Error(http.StatusForbidden), nil
		}
		if !info.Mode().IsRegular() {
			return http.Error(http.StatusNotFound), nil
		}
		return s.serveFile(req, target, info)
	}
}

// resolve joins the request path onto root and reports whether the
// result stays inside it.
func (s *Static) resolve(rel string) (string, bool) {
	if strings.ContainsRune(rel, 0) {
		return "", false
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	return full, s.contains(full)
}

func (s *Static) contains(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(filepath.Separator))
}

func statError(err error) *http.Response {
	if errors.Is(err, fs.ErrPermission) {
		return http.Error(http.StatusForbidden)
	}
	return http.Error(http.StatusNotFound)
}

func (s *Static) serveFile(req *http.Request, path string, info fs.FileInfo) (*http.Response, error) {
	etag := ETag(info)
	if match := req.Header.Get(http.HeaderIfNoneMatch); match != "" && etagMatches(match, etag) {
		resp := http.NewResponse(http.StatusNotModified)
		resp.SetHeader(http.HeaderETag, etag)
		return resp, nil
	}

	resp := http.NewResponse(http.StatusOK)
	resp.SetHeader(http.HeaderContentType, ContentType(path))
	resp.SetHeader(http.HeaderETag, etag)
	resp.SetHeader(http.HeaderLastModified, info.ModTime().UTC().Format(http.TimeFormat))
	resp.SetHeader(http.HeaderCacheControl, "public, max-age="+strconv.Itoa(int(s.maxAge/time.Second)))

	if info.Size() > streamThreshold {
		resp.SetStream(streamFile(path))
		return resp, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	resp.SetBody(body)
	return resp, nil
}

func streamFile(path string) http.ChunkSource {
	return func(emit func([]byte) error) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		buf := make([]byte, streamChunk)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				if werr := emit(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// ETag derives a validator from modification time and size.
func ETag(info fs.FileInfo) string {
	return `"` + strconv.FormatInt(info.ModTime().Unix(), 10) + "-" + strconv.FormatInt(info.Size(), 10) + `"`
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		c := strings.TrimSpace(candidate)
		if c == "*" || strings.TrimPrefix(c, "W/") == etag {
			return true
		}
	}
	return false
}

// ContentType maps a file extension to its media type.
func ContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".webp":
		return "image/webp"
	case ".woff2":
		return "font/woff2"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
