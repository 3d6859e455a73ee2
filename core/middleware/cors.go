package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/h1server/core/http"
)

// CORSConfig lists what cross-origin callers may do.
type CORSConfig struct {
	// AllowOrigins may contain "*" to permit any origin.
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSConfig permits any origin with the common methods.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:       24 * time.Hour,
	}
}

const (
	headerACAO      = "Access-Control-Allow-Origin"
	headerACAM      = "Access-Control-Allow-Methods"
	headerACAH      = "Access-Control-Allow-Headers"
	headerACAC      = "Access-Control-Allow-Credentials"
	headerACEH      = "Access-Control-Expose-Headers"
	headerACMA      = "Access-Control-Max-Age"
	headerACRM      = "Access-Control-Request-Method"
	headerACRH      = "Access-Control-Request-Headers"
	wildcardOrigins = "*"
)

// CORS answers preflight requests itself and tags other responses with
// Access-Control-Allow-Origin when the caller's origin is permitted.
// Requests from origins that are not permitted get no CORS headers.
func CORS(cfg CORSConfig) Middleware {
	anyOrigin := false
	origins := make(map[string]bool, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		if o == wildcardOrigins {
			anyOrigin = true
		}
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(int(cfg.MaxAge / time.Second))

	// allowOrigin returns the Access-Control-Allow-Origin value, or "".
	allowOrigin := func(origin string) string {
		switch {
		case origin == "":
			return ""
		case anyOrigin && cfg.AllowCredentials:
			return origin
		case anyOrigin:
			return wildcardOrigins
		case origins[origin]:
			return origin
		default:
			return ""
		}
	}

	decorate := func(resp *http.Response, allowed string) {
		resp.SetHeader(headerACAO, allowed)
		if cfg.AllowCredentials {
			resp.SetHeader(headerACAC, "true")
		}
		if allowed != wildcardOrigins {
			addVary(resp, http.HeaderOrigin)
		}
	}

	return func(req *http.Request, next http.Handler) (*http.Response, error) {
		origin := req.Header.Get(http.HeaderOrigin)

		if req.Method == http.MethodOptions && origin != "" && req.Header.Has(headerACRM) {
			resp := http.NewResponse(http.StatusNoContent)
			if allowed := allowOrigin(origin); allowed != "" {
				decorate(resp, allowed)
				resp.SetHeader(headerACAM, methods)
				if headers != "" {
					resp.SetHeader(headerACAH, headers)
				} else if rh := req.Header.Get(headerACRH); rh != "" {
					resp.SetHeader(headerACAH, rh)
				}
				if cfg.MaxAge > 0 {
					resp.SetHeader(headerACMA, maxAge)
				}
			}
			return resp, nil
		}

		resp, err := next(req)
		if err != nil || resp == nil {
			return resp, err
		}
		if allowed := allowOrigin(origin); allowed != "" {
			decorate(resp, allowed)
			if expose != "" {
				resp.SetHeader(headerACEH, expose)
			}
		}
		return resp, nil
	}
}

// addVary appends token to the Vary header unless it is already listed.
func addVary(resp *http.Response, token string) {
	vary := resp.Header.Get(http.HeaderVary)
	for _, v := range strings.Split(vary, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return
		}
	}
	if vary == "" {
		resp.SetHeader(http.HeaderVary, token)
		return
	}
	resp.SetHeader(http.HeaderVary, vary+", "+token)
}
