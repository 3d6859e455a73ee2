package middleware

import (
	"time"

	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/observability"
	"github.com/searchktools/h1server/core/router"
)

// UnmatchedRoute groups requests that matched no route.
const UnmatchedRoute = "unmatched"

// Metrics records per-route latency and error counts. Requests are keyed
// by method and route pattern, not by raw path, so parameterised routes
// stay one entry.
func Metrics(mon *observability.Monitor) Middleware {
	return func(req *http.Request, next http.Handler) (resp *http.Response, err error) {
		start := time.Now()
		defer func() {
			pattern, _ := req.Get(router.RouteKey).(string)
			if pattern == "" {
				pattern = UnmatchedRoute
			}
			failed := err != nil || resp == nil || resp.Status >= 500
			mon.Record(string(req.Method)+" "+pattern, time.Since(start), failed)
		}()
		return next(req)
	}
}
