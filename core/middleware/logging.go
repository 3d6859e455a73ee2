package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/core/http"
)

// RequestIDKey is the request value holding the request ID.
const RequestIDKey = "request_id"

// LoggingConfig configures the access log.
type LoggingConfig struct {
	// SkipPaths are not logged, e.g. health probes.
	SkipPaths []string
	// NewID generates request IDs. Defaults to a process prefix plus a
	// counter.
	NewID func() string
}

// RequestID returns the ID Logging assigned to req, if any.
func RequestID(req *http.Request) string {
	id, _ := req.Get(RequestIDKey).(string)
	return id
}

// Logging assigns every request an ID, echoes it in X-Request-ID and
// writes one record per request after the rest of the chain is done,
// including when it fails or panics.
func Logging(logger zerolog.Logger, cfg LoggingConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	newID := cfg.NewID
	if newID == nil {
		newID = counterIDs()
	}

	return func(req *http.Request, next http.Handler) (resp *http.Response, err error) {
		start := time.Now()
		id := req.Header.Get(http.HeaderRequestID)
		if !validRequestID(id) {
			id = newID()
		}
		req.Set(RequestIDKey, id)

		defer func() {
			rec := recover()
			status, sent := http.StatusInternalServerError, 0
			switch {
			case rec != nil:
			case err != nil:
				status = StatusFromError(err)
			case resp != nil:
				status = resp.Status
				sent = resp.ContentLength()
			}

			if !skip[req.Path] {
				var ev *zerolog.Event
				switch {
				case status >= 500:
					ev = logger.Error()
				case status >= 400:
					ev = logger.Warn()
				default:
					ev = logger.Info()
				}
				ev.Str("request_id", id).
					Str("method", string(req.Method)).
					Str("path", req.Path).
					Int("status", status).
					Dur("duration", time.Since(start)).
					Int("bytes_sent", sent).
					Str("remote_addr", req.RemoteAddr).
					Msg("request")
			}

			if rec != nil {
				panic(rec)
			}
		}()

		resp, err = next(req)
		if resp != nil {
			resp.SetHeader(http.HeaderRequestID, id)
		}
		return resp, err
	}
}

// counterIDs yields IDs of the form "<8 hex>-<n>", unique per process.
func counterIDs() func() string {
	var prefix [4]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		prefix = [4]byte{0, 0, 0, 1}
	}
	p := hex.EncodeToString(prefix[:]) + "-"
	var counter atomic.Uint64
	return func() string {
		return p + strconv.FormatUint(counter.Add(1), 36)
	}
}

// validRequestID accepts client-supplied IDs that are short and made of
// visible ASCII.
func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] >= 0x7f {
			return false
		}
	}
	return true
}
