// ABOUTME: Component plugin contracts and the environment handed to each component
// ABOUTME: Components expose routes, session message providers, middleware, and OpenAPI fragments

package component

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/store"
)

// Component is the unit of server extension. Implementations register
// themselves with the host; the configuration selects which registered
// names are active.
type Component interface {
	// Name is the stable component name. It prefixes the component's data
	// collections and default route mount.
	Name() string

	// Setup wires the component into its environment. Called concurrently
	// with other components' setups; errors are recorded per component and
	// do not abort the server.
	Setup(ctx context.Context, env *Env) error

	// Shutdown is invoked concurrently on server stop with the stop reason.
	Shutdown(ctx context.Context, reason string) error
}

// MessageProvider is implemented by components that handle session frames.
// The outer map key is the provider name (the first segment of a frame
// type); the inner map key is the message suffix.
type MessageProvider interface {
	Providers() map[string]map[string]protocol.Handler
}

// MiddlewareProvider is implemented by components that wrap their own
// route subtree.
type MiddlewareProvider interface {
	Middleware() func(http.Handler) http.Handler
}

// OpenAPIProvider is implemented by components that contribute top-level
// OpenAPI fragments (components, security, tags).
type OpenAPIProvider interface {
	OpenAPI() map[string]any
}

// ServerInfo describes this server instance to components and peers.
type ServerInfo struct {
	ID      string    `json:"id"`
	Version string    `json:"version"`
	BaseURL string    `json:"baseUrl"`
	Started time.Time `json:"started"`
}

// Env is the scoped environment a component receives at setup.
type Env struct {
	// Name the component was registered under.
	Name string

	// Spec is the free-form configuration block for this component.
	Spec config.ComponentSpec

	// Router mounts HTTP routes under /api/<name> by default.
	Router *Router

	// Data provides collections namespaced by the component name.
	Data store.ComponentDataStore

	// State is the component's durable key-value namespace.
	State store.StateStore

	// Info describes the running server instance.
	Info ServerInfo

	// Logger is pre-tagged with the component name.
	Logger *slog.Logger

	// BaseURL is the externally reachable server base URL.
	BaseURL string
}
