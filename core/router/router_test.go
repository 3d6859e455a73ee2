package router

import (
	"errors"
	"reflect"
	"testing"

	"github.com/searchktools/h1server/core/http"
)

func named(name string) http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		return http.Text(http.StatusOK, name), nil
	}
}

func mustHandle(t *testing.T, r *Router, method http.Method, pattern, name string) {
	t.Helper()
	if err := r.Handle(method, pattern, named(name)); err != nil {
		t.Fatalf("Handle(%s %s) failed: %v", method, pattern, err)
	}
}

func routeName(t *testing.T, m Match) string {
	t.Helper()
	resp, err := m.Handler(&http.Request{})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	return string(resp.Body())
}

func TestRouterCaptureSegment(t *testing.T) {
	r := New()
	mustHandle(t, r, http.MethodGet, "/users/:id", "user")

	m, err := r.Lookup(http.MethodGet, "/users/42")
	if err != nil {
		t.Fatalf("Expected match, got %v", err)
	}
	if !reflect.DeepEqual(m.Params, map[string]string{"id": "42"}) {
		t.Errorf("Expected params {id:42}, got %v", m.Params)
	}

	if _, err := r.Lookup(http.MethodGet, "/users/42/x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for extra segment, got %v", err)
	}
	if _, err := r.Lookup(http.MethodGet, "/users/"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty capture, got %v", err)
	}
}

func TestRouterMatching(t *testing.T) {
	r := New()
	mustHandle(t, r, http.MethodGet, "/", "root")
	mustHandle(t, r, http.MethodGet, "/hello", "hello")
	mustHandle(t, r, http.MethodGet, "/hello/world", "hello-world")
	mustHandle(t, r, http.MethodGet, "/users/:id/posts/:post", "post")
	mustHandle(t, r, http.MethodGet, "/static/*filepath", "static")

	tests := []struct {
		path   string
		name   string
		params map[string]string
	}{
		{"/", "root", nil},
		{"/hello", "hello", nil},
		{"/hello/world", "hello-world", nil},
		{"/users/7/posts/99", "post", map[string]string{"id": "7", "post": "99"}},
		{"/static", "static", map[string]string{"filepath": ""}},
		{"/static/css/site.css", "static", map[string]string{"filepath": "css/site.css"}},
		{"/static/a%20b.txt", "static", map[string]string{"filepath": "a b.txt"}},
		{"/users/a%2Fb/posts/1", "post", map[string]string{"id": "a/b", "post": "1"}},
	}

	for _, tt := range tests {
		m, err := r.Lookup(http.MethodGet, tt.path)
		if err != nil {
			t.Errorf("Path %s: expected match, got %v", tt.path, err)
			continue
		}
		if got := routeName(t, m); got != tt.name {
			t.Errorf("Path %s: expected route %s, got %s", tt.path, tt.name, got)
		}
		if !reflect.DeepEqual(m.Params, tt.params) {
			t.Errorf("Path %s: expected params %v, got %v", tt.path, tt.params, m.Params)
		}
	}

	for _, path := range []string{"/nope", "/hello/", "/hello/world/again", "/users/1/posts"} {
		if _, err := r.Lookup(http.MethodGet, path); !errors.Is(err, ErrNotFound) {
			t.Errorf("Path %s: expected ErrNotFound, got %v", path, err)
		}
	}
}

func TestRouterRegistrationOrderWins(t *testing.T) {
	r := New()
	mustHandle(t, r, http.MethodGet, "/user/:id", "param")
	mustHandle(t, r, http.MethodGet, "/user/admin", "exact")

	m, err := r.Lookup(http.MethodGet, "/user/admin")
	if err != nil {
		t.Fatal(err)
	}
	if got := routeName(t, m); got != "param" {
		t.Errorf("Expected earliest registration to win, got %s", got)
	}

	r = New()
	mustHandle(t, r, http.MethodGet, "/user/admin", "exact")
	mustHandle(t, r, http.MethodGet, "/user/:id", "param")
	m, _ = r.Lookup(http.MethodGet, "/user/admin")
	if got := routeName(t, m); got != "exact" {
		t.Errorf("Expected exact route registered first to win, got %s", got)
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	r := New()
	mustHandle(t, r, http.MethodPost, "/items/:id", "post")
	mustHandle(t, r, http.MethodGet, "/items/:id", "get")
	mustHandle(t, r, http.MethodDelete, "/items/:id", "delete")
	mustHandle(t, r, http.MethodPost, "/items/:id", "post-again")

	_, err := r.Lookup(http.MethodPut, "/items/1")
	var mna *MethodNotAllowedError
	if !errors.As(err, &mna) {
		t.Fatalf("Expected MethodNotAllowedError, got %v", err)
	}
	want := []string{"DELETE", "GET", "HEAD", "POST"}
	if !reflect.DeepEqual(mna.Allow, want) {
		t.Errorf("Expected Allow %v, got %v", want, mna.Allow)
	}
}

func TestRouterHeadFallsBackToGet(t *testing.T) {
	r := New()
	mustHandle(t, r, http.MethodGet, "/page", "page")

	m, err := r.Lookup(http.MethodHead, "/page")
	if err != nil {
		t.Fatalf("Expected HEAD to use GET route, got %v", err)
	}
	if got := routeName(t, m); got != "page" {
		t.Errorf("Expected page, got %s", got)
	}
}

func TestRouterInvalidPatterns(t *testing.T) {
	r := New()
	patterns := []string{"", "users", "/files/*path/more", "/a/:", "/a/:id/b/:id", "/x/*"}
	for _, p := range patterns {
		if err := r.Handle(http.MethodGet, p, named("x")); err == nil {
			t.Errorf("Pattern %q: expected error", p)
		}
	}
	if err := r.Handle(http.Method("BREW"), "/coffee", named("x")); err == nil {
		t.Error("Expected unknown method to be rejected")
	}
	if len(r.Routes()) != 0 {
		t.Errorf("Expected no routes registered, got %d", len(r.Routes()))
	}
}

func TestRouterHandler(t *testing.T) {
	r := New()
	if err := r.Handle(http.MethodGet, "/users/:id", func(req *http.Request) (*http.Response, error) {
		return http.Text(http.StatusOK, "user "+req.Param("id")), nil
	}); err != nil {
		t.Fatal(err)
	}
	mustHandle(t, r, http.MethodGet, "/plain", "plain")
	h := r.Handler()

	resp, _ := h(&http.Request{Method: http.MethodGet, Path: "/users/42"})
	if resp.Status != http.StatusOK || string(resp.Body()) != "user 42" {
		t.Errorf("Expected 200 'user 42', got %d %q", resp.Status, resp.Body())
	}

	req := &http.Request{Method: http.MethodGet, Path: "/plain"}
	h(req)
	if req.Params == nil {
		t.Error("Expected empty, non-nil params after routing")
	}

	resp, _ = h(&http.Request{Method: http.MethodGet, Path: "/missing"})
	if resp.Status != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.Status)
	}

	resp, _ = h(&http.Request{Method: http.MethodPost, Path: "/users/42"})
	if resp.Status != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.Status)
	}
	if got := resp.Header.Get(http.HeaderAllow); got != "GET, HEAD" {
		t.Errorf("Expected Allow 'GET, HEAD', got %q", got)
	}
}

func TestRouterGroup(t *testing.T) {
	r := New()
	api := r.Group("/api/")
	v1 := api.Group("/v1")
	if err := v1.Handle(http.MethodGet, "/users/:id", named("v1-user")); err != nil {
		t.Fatal(err)
	}
	if err := api.Handle(http.MethodGet, "/", named("api-root")); err != nil {
		t.Fatal(err)
	}

	m, err := r.Lookup(http.MethodGet, "/api/v1/users/3")
	if err != nil || routeName(t, m) != "v1-user" {
		t.Errorf("Expected v1-user, got %v", err)
	}
	m, err = r.Lookup(http.MethodGet, "/api")
	if err != nil || routeName(t, m) != "api-root" {
		t.Errorf("Expected api-root, got %v", err)
	}

	routes := r.Routes()
	if len(routes) != 2 || routes[0].Pattern != "/api/v1/users/:id" || routes[1].Index != 1 {
		t.Errorf("Unexpected route listing: %+v", routes)
	}
}

func BenchmarkRouterStatic(b *testing.B) {
	r := New()
	r.Handle(http.MethodGet, "/hello/world", named("x"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Lookup(http.MethodGet, "/hello/world")
	}
}

func BenchmarkRouterParam(b *testing.B) {
	r := New()
	r.Handle(http.MethodGet, "/health", named("health"))
	r.Handle(http.MethodGet, "/static/*filepath", named("static"))
	r.Handle(http.MethodGet, "/api/users/:id", named("user"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Lookup(http.MethodGet, "/api/users/123")
	}
}
