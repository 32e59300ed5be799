// ABOUTME: Tests for the component host lifecycle and routing
// ABOUTME: Covers error isolation, provider lookup, route recording, and guards

package component

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/store"
)

type fakeComponent struct {
	name      string
	setupErr  error
	panicOn   string
	setup     func(ctx context.Context, env *Env) error
	shutdowns []string
	providers map[string]map[string]protocol.Handler
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Setup(ctx context.Context, env *Env) error {
	if f.panicOn == HookSetup {
		panic("boom")
	}
	if f.setup != nil {
		return f.setup(ctx, env)
	}
	return f.setupErr
}

func (f *fakeComponent) Shutdown(ctx context.Context, reason string) error {
	if f.panicOn == HookShutdown {
		panic("boom")
	}
	f.shutdowns = append(f.shutdowns, reason)
	return nil
}

func (f *fakeComponent) Providers() map[string]map[string]protocol.Handler {
	return f.providers
}

type allowAll struct{}

func (allowAll) Allow(*http.Request, string) error { return nil }

type denyAll struct{}

func (denyAll) Allow(*http.Request, string) error { return errors.New("no") }

func newTestHost(t *testing.T, cfg HostConfig) *Host {
	t.Helper()

	if cfg.Mux == nil {
		cfg.Mux = http.NewServeMux()
	}
	if cfg.Data == nil {
		s, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		cfg.Data = s
	}
	if cfg.State == nil {
		st, err := store.NewFileStateStore(t.TempDir())
		require.NoError(t, err)
		cfg.State = st
	}
	return NewHost(cfg)
}

func TestHost_SetupIsolatesFailures(t *testing.T) {
	h := newTestHost(t, HostConfig{})

	good := &fakeComponent{name: "good"}
	bad := &fakeComponent{name: "bad", setupErr: errors.New("broken")}
	panicky := &fakeComponent{name: "panicky", panicOn: HookSetup}

	h.Add(good)
	h.Add(bad)
	h.Add(panicky)
	h.SetupAll(context.Background())

	errs := h.Errors()
	assert.NotContains(t, errs, "good")
	assert.Error(t, errs["bad"][HookSetup])
	assert.Error(t, errs["panicky"][HookSetup])
	assert.Contains(t, errs["panicky"][HookSetup].Error(), "panicked")
}

func TestHost_ShutdownOncePerLifetime(t *testing.T) {
	h := newTestHost(t, HostConfig{})
	c := &fakeComponent{name: "c"}
	h.Add(c)
	h.SetupAll(context.Background())

	h.ShutdownAll(context.Background(), "SIGTERM")
	h.ShutdownAll(context.Background(), "again")

	require.Len(t, c.shutdowns, 1)
	assert.Equal(t, "SIGTERM", c.shutdowns[0])
}

func TestHost_ProviderLookup(t *testing.T) {
	h := newTestHost(t, HostConfig{})

	called := false
	c := &fakeComponent{
		name: "morrigan",
		providers: map[string]map[string]protocol.Handler{
			"client": {
				"token.refresh": func(context.Context, protocol.Message, protocol.SessionHandle) error {
					called = true
					return nil
				},
			},
		},
	}
	h.Add(c)
	h.SetupAll(context.Background())

	handler := h.Lookup("client", "token.refresh")
	require.NotNil(t, handler)
	require.NoError(t, handler(context.Background(), nil, nil))
	assert.True(t, called)

	assert.Nil(t, h.Lookup("client", "unknown"))
	assert.Nil(t, h.Lookup("unknown", "token.refresh"))
}

func TestHost_RoutesRecordedAndMounted(t *testing.T) {
	mux := http.NewServeMux()
	h := newTestHost(t, HostConfig{Mux: mux, Access: allowAll{}})

	c := &fakeComponent{
		name: "ping",
		setup: func(ctx context.Context, env *Env) error {
			env.Router.Handle(http.MethodGet, "/echo", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}, Public())
			return nil
		},
	}
	h.Add(c)
	h.SetupAll(context.Background())

	routes := h.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/api/ping/echo", routes[0].Pattern)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping/echo", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHost_FunctionGuard(t *testing.T) {
	mux := http.NewServeMux()
	h := newTestHost(t, HostConfig{Mux: mux, Access: denyAll{}})

	c := &fakeComponent{
		name: "guarded",
		setup: func(ctx context.Context, env *Env) error {
			env.Router.Handle(http.MethodGet, "/secret", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}, Public(), RequireFunction("secret.read"))
			return nil
		},
	}
	h.Add(c)
	h.SetupAll(context.Background())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/guarded/secret", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_MountAlias(t *testing.T) {
	mux := http.NewServeMux()
	h := newTestHost(t, HostConfig{Mux: mux})

	c := &fakeComponent{
		name: "morrigan",
		setup: func(ctx context.Context, env *Env) error {
			env.Router.Mount("client").Handle(http.MethodGet, "", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}, Public())
			return nil
		},
	}
	h.Add(c)
	h.SetupAll(context.Background())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/client", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
