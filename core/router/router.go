package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/searchktools/h1server/core/http"
)

// ErrNotFound means no route matches the path.
var ErrNotFound = errors.New("router: no route matches")

// RouteKey is the request value under which Handler stores the matched
// route pattern.
const RouteKey = "router.pattern"

// MethodNotAllowedError means the path matched but the method did not.
type MethodNotAllowedError struct {
	Allow []string
}

func (e *MethodNotAllowedError) Error() string {
	return "router: method not allowed, allow " + strings.Join(e.Allow, ", ")
}

// Route is one registration.
type Route struct {
	Method  http.Method
	Pattern string
	Index   int
	Handler http.Handler

	segs []segment
}

// Match is the result of a successful lookup.
type Match struct {
	Route   *Route
	Handler http.Handler
	Params  map[string]string
}

// Router dispatches by method and path. Routes are tried in registration
// order and the first full match wins. Registration must finish before
// the router serves requests; lookups take no locks.
type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// Handle registers handler for method and pattern.
func (r *Router) Handle(method http.Method, pattern string, handler http.Handler) error {
	if _, ok := http.ParseMethod(string(method)); !ok {
		return fmt.Errorf("router: unsupported method %q", method)
	}
	if handler == nil {
		return fmt.Errorf("router: nil handler for %s %s", method, pattern)
	}
	segs, err := compile(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &Route{
		Method:  method,
		Pattern: pattern,
		Index:   len(r.routes),
		Handler: handler,
		segs:    segs,
	})
	return nil
}

// Routes returns the registrations in order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Lookup finds the handler for method and path. It returns ErrNotFound,
// or a *MethodNotAllowedError listing the methods registered for the
// path. HEAD falls back to a matching GET route.
func (r *Router) Lookup(method http.Method, path string) (Match, error) {
	parts := decodeSegments(path)

	var allowed []string
	var headFallback *Match
	for _, route := range r.routes {
		params, ok := match(route.segs, parts)
		if !ok {
			continue
		}
		if route.Method == method {
			return Match{Route: route, Handler: route.Handler, Params: params}, nil
		}
		if method == http.MethodHead && route.Method == http.MethodGet && headFallback == nil {
			headFallback = &Match{Route: route, Handler: route.Handler, Params: params}
		}
		allowed = append(allowed, string(route.Method))
		if route.Method == http.MethodGet {
			allowed = append(allowed, string(http.MethodHead))
		}
	}

	if headFallback != nil {
		return *headFallback, nil
	}
	if len(allowed) == 0 {
		return Match{}, ErrNotFound
	}

	sort.Strings(allowed)
	uniq := allowed[:1]
	for _, m := range allowed[1:] {
		if m != uniq[len(uniq)-1] {
			uniq = append(uniq, m)
		}
	}
	return Match{}, &MethodNotAllowedError{Allow: uniq}
}

// Handler returns the router as the innermost handler of a pipeline. It
// injects path parameters and answers 404 and 405 itself.
func (r *Router) Handler() http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		m, err := r.Lookup(req.Method, req.Path)
		if err != nil {
			var mna *MethodNotAllowedError
			if errors.As(err, &mna) {
				resp := http.Error(http.StatusMethodNotAllowed)
				resp.Header.Set(http.HeaderAllow, strings.Join(mna.Allow, ", "))
				return resp, nil
			}
			return http.Error(http.StatusNotFound), nil
		}
		req.Params = m.Params
		req.Set(RouteKey, m.Route.Pattern)
		if req.Params == nil {
			req.Params = map[string]string{}
		}
		return m.Handler(req)
	}
}

// Group registers routes under a common prefix.
type Group struct {
	router *Router
	prefix string
}

func (r *Router) Group(prefix string) *Group {
	return &Group{router: r, prefix: strings.TrimSuffix(prefix, "/")}
}

func (g *Group) Handle(method http.Method, pattern string, handler http.Handler) error {
	if pattern == "/" {
		pattern = ""
	}
	return g.router.Handle(method, g.prefix+pattern, handler)
}

// Group nests a further prefix.
func (g *Group) Group(prefix string) *Group {
	return &Group{router: g.router, prefix: g.prefix + strings.TrimSuffix(prefix, "/")}
}
