// ABOUTME: Component host loading plugins, wiring environments, and dispatching hooks
// ABOUTME: Captures per-component per-hook errors without aborting the lifecycle

package component

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/store"
)

// Hook names used as keys in the per-component error map.
const (
	HookSetup    = "setup"
	HookShutdown = "onShutdown"
)

// AccessChecker decides whether the request's caller holds a function.
type AccessChecker interface {
	Allow(r *http.Request, function string) error
}

// HostConfig assembles a Host.
type HostConfig struct {
	Mux    *http.ServeMux
	Data   store.DataStore
	State  *store.FileStateStore
	Info   ServerInfo
	Logger *slog.Logger

	// Auth wraps non-public routes with bearer-token authentication.
	Auth func(http.Handler) http.Handler

	// Access gates routes registered with RequireFunction.
	Access AccessChecker

	// Specs carries the per-component configuration blocks.
	Specs map[string]config.ComponentSpec
}

// Host owns the loaded components: it builds each one's environment,
// mounts its router, collects its message providers, and dispatches
// lifecycle hooks concurrently.
type Host struct {
	mux    *http.ServeMux
	data   store.DataStore
	state  *store.FileStateStore
	info   ServerInfo
	logger *slog.Logger
	auth   func(http.Handler) http.Handler
	access AccessChecker
	specs  map[string]config.ComponentSpec

	mu         sync.RWMutex
	components []Component
	providers  map[string]map[string]protocol.Handler
	routes     []Route
	errs       map[string]map[string]error
	shutdown   bool
}

// NewHost creates an empty host.
func NewHost(cfg HostConfig) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Host{
		mux:       cfg.Mux,
		data:      cfg.Data,
		state:     cfg.State,
		info:      cfg.Info,
		logger:    cfg.Logger.With("component", "host"),
		auth:      cfg.Auth,
		access:    cfg.Access,
		specs:     cfg.Specs,
		providers: make(map[string]map[string]protocol.Handler),
		errs:      make(map[string]map[string]error),
	}
}

// Add registers a component. Call before SetupAll.
func (h *Host) Add(c Component) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components = append(h.components, c)
}

// SetupAll builds each component's environment and invokes Setup
// concurrently. A component's failure (error or panic) is recorded and does
// not stop the others; the server still reaches ready.
func (h *Host) SetupAll(ctx context.Context) {
	h.mu.RLock()
	components := make([]Component, len(h.components))
	copy(components, h.components)
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			if err := h.setupOne(ctx, c); err != nil {
				h.recordError(c.Name(), HookSetup, err)
				h.logger.Error("component setup failed",
					"name", c.Name(),
					"error", err,
				)
				return
			}
			h.logger.Info("component ready", "name", c.Name())
		}(c)
	}
	wg.Wait()
}

func (h *Host) setupOne(ctx context.Context, c Component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panicked: %v", r)
		}
	}()

	name := c.Name()

	state, err := h.state.Namespace(name)
	if err != nil {
		return fmt.Errorf("state namespace: %w", err)
	}

	var mw func(http.Handler) http.Handler
	if p, ok := c.(MiddlewareProvider); ok {
		mw = p.Middleware()
	}

	env := &Env{
		Name:    name,
		Spec:    h.specs[name],
		Router:  &Router{host: h, base: "/api/" + name, mw: mw},
		Data:    store.NewNamespaced(h.data, name),
		State:   state,
		Info:    h.info,
		Logger:  h.logger.With("component", name),
		BaseURL: h.info.BaseURL,
	}

	if err := c.Setup(ctx, env); err != nil {
		return err
	}

	if p, ok := c.(MessageProvider); ok {
		h.registerProviders(p.Providers())
	}
	return nil
}

// registerProviders merges a component's message providers into the host
// map the session manager consults.
func (h *Host) registerProviders(providers map[string]map[string]protocol.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for provider, messages := range providers {
		if existing, ok := h.providers[provider]; ok {
			for msg, handler := range messages {
				existing[msg] = handler
			}
			continue
		}
		m := make(map[string]protocol.Handler, len(messages))
		for msg, handler := range messages {
			m[msg] = handler
		}
		h.providers[provider] = m
	}
}

// ShutdownAll invokes each component's Shutdown concurrently with the stop
// reason. Errors and panics are recorded per component. A second call is a
// no-op: at most one shutdown per component per server lifetime.
func (h *Host) ShutdownAll(ctx context.Context, reason string) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	components := make([]Component, len(h.components))
	copy(components, h.components)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			if err := h.shutdownOne(ctx, c, reason); err != nil {
				h.recordError(c.Name(), HookShutdown, err)
				h.logger.Error("component shutdown failed",
					"name", c.Name(),
					"error", err,
				)
			}
		}(c)
	}
	wg.Wait()
}

func (h *Host) shutdownOne(ctx context.Context, c Component, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return c.Shutdown(ctx, reason)
}

func (h *Host) recordError(component, hook string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.errs[component] == nil {
		h.errs[component] = make(map[string]error)
	}
	h.errs[component][hook] = err
}

// Errors returns a copy of the per-component per-hook error map.
func (h *Host) Errors() map[string]map[string]error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]map[string]error, len(h.errs))
	for name, hooks := range h.errs {
		m := make(map[string]error, len(hooks))
		for hook, err := range hooks {
			m[hook] = err
		}
		out[name] = m
	}
	return out
}

// Lookup implements protocol.ProviderRegistry.
func (h *Host) Lookup(provider, message string) protocol.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messages, ok := h.providers[provider]
	if !ok {
		return nil
	}
	return messages[message]
}

// Routes returns the routes installed by all components.
func (h *Host) Routes() []Route {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Route, len(h.routes))
	copy(out, h.routes)
	return out
}

// Fragments returns each component's top-level OpenAPI fragment.
func (h *Host) Fragments() map[string]map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]map[string]any)
	for _, c := range h.components {
		if p, ok := c.(OpenAPIProvider); ok {
			if frag := p.OpenAPI(); frag != nil {
				out[c.Name()] = frag
			}
		}
	}
	return out
}

// Names returns the registered component names.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.components))
	for _, c := range h.components {
		names = append(names, c.Name())
	}
	return names
}

// addRoute mounts a handler on the shared mux and records the route.
// Components set up concurrently, so registration is serialized here.
func (h *Host) addRoute(route Route, muxPattern string, handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, route)
	h.mux.Handle(muxPattern, handler)
}

// requireFunction wraps a handler with the host's access checker.
func (h *Host) requireFunction(function string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.access == nil {
			http.Error(w, `{"state":"serverConfigurationError","reason":"no access checker installed"}`, http.StatusInternalServerError)
			return
		}
		if err := h.access.Allow(r, function); err != nil {
			http.Error(w, `{"state":"authenticationFailed","reason":"missing function `+function+`"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
