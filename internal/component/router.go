// ABOUTME: Per-component HTTP route registration with auth and function guards
// ABOUTME: Records installed routes so the OpenAPI aggregator can walk them

package component

import (
	"net/http"
)

// Route is one installed HTTP route, retained for the OpenAPI walk.
type Route struct {
	Method  string
	Pattern string         // absolute path with ServeMux wildcards
	Doc     map[string]any // operation fragment; nil means undocumented
	Public  bool
}

type routeConfig struct {
	doc      map[string]any
	public   bool
	function string
}

// RouteOption tunes one route registration.
type RouteOption func(*routeConfig)

// WithDoc attaches an OpenAPI operation fragment to the route.
func WithDoc(doc map[string]any) RouteOption {
	return func(c *routeConfig) { c.doc = doc }
}

// Public skips the bearer-token middleware for this route.
func Public() RouteOption {
	return func(c *routeConfig) { c.public = true }
}

// RequireFunction gates the route on the caller holding the named function.
func RequireFunction(name string) RouteOption {
	return func(c *routeConfig) { c.function = name }
}

// Router registers routes for one component under a base path.
type Router struct {
	host *Host
	base string
	mw   func(http.Handler) http.Handler
}

// Handle registers method+pattern relative to the router's base. An empty
// pattern addresses the base path itself. Routes are authenticated unless
// marked Public.
func (r *Router) Handle(method, pattern string, h http.HandlerFunc, opts ...RouteOption) {
	var cfg routeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	full := r.base + pattern

	var handler http.Handler = h
	if r.mw != nil {
		handler = r.mw(handler)
	}
	if cfg.function != "" {
		handler = r.host.requireFunction(cfg.function, handler)
	}
	if !cfg.public && r.host.auth != nil {
		handler = r.host.auth(handler)
	}

	r.host.addRoute(Route{
		Method:  method,
		Pattern: full,
		Doc:     cfg.doc,
		Public:  cfg.public,
	}, method+" "+full, handler)
}

// Mount returns a sibling router rooted at /api/<alias>, sharing the
// component's middleware. Built-in components use this when they own more
// than one top-level API path.
func (r *Router) Mount(alias string) *Router {
	return &Router{host: r.host, base: "/api/" + alias, mw: r.mw}
}
