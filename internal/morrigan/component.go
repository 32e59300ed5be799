// ABOUTME: The morrigan built-in component: agent provisioning and sessions
// ABOUTME: Owns the /api/client and /api/connection surfaces

package morrigan

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/morrigan-server/morrigan/internal/client"
	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/identity"
	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/session"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

// Config carries the agent-management knobs the component cannot read from
// its environment.
type Config struct {
	// ClientTokenTTL is the agent token lifetime.
	ClientTokenTTL time.Duration

	// KeyRotation is the signing key rotation interval for agent tokens.
	KeyRotation time.Duration

	// HeartbeatInterval is the per-session ping cadence.
	HeartbeatInterval time.Duration

	// Providers is the host's registry; the session manager consults it to
	// route inbound frames.
	Providers protocol.ProviderRegistry
}

// Component is the built-in agent management plugin. Despite its component
// name it serves no routes under /api/morrigan; it mounts the client and
// connection API surfaces instead.
type Component struct {
	cfg Config

	tokens   *tokens.Service
	registry *client.Registry
	manager  *session.Manager
	logger   *slog.Logger
}

// New builds the component. The registry and session manager come to life
// in Setup, once the scoped environment exists.
func New(cfg Config) *Component {
	return &Component{cfg: cfg}
}

func (c *Component) Name() string { return "morrigan" }

// Registry exposes the agent registry to the rest of the server.
func (c *Component) Registry() *client.Registry { return c.registry }

// Manager exposes the session manager to the rest of the server.
func (c *Component) Manager() *session.Manager { return c.manager }

func (c *Component) Setup(ctx context.Context, env *component.Env) error {
	c.logger = env.Logger

	tokenSvc, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:      env.Info.ID,
		Records:     env.Data.Collection("clientTokens"),
		TTL:         c.cfg.ClientTokenTTL,
		KeyRotation: c.cfg.KeyRotation,
		Logger:      env.Logger,
	})
	if err != nil {
		return err
	}
	c.tokens = tokenSvc

	c.registry = client.NewRegistry(client.RegistryConfig{
		Clients: env.Data.Collection("clients"),
		Tokens:  tokenSvc,
		Logger:  env.Logger,
	})

	c.manager = session.NewManager(session.ManagerConfig{
		Connections:       env.Data.Collection("connections"),
		Registry:          c.registry,
		Providers:         c.cfg.Providers,
		InstanceID:        env.Info.ID,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		Logger:            env.Logger,
	})
	if err := c.manager.Reset(ctx); err != nil {
		return err
	}

	clientAPI := env.Router.Mount("client")
	clientAPI.Handle(http.MethodPost, "/provision", c.provision,
		component.RequireFunction(identity.FunctionClientProvision),
		component.WithDoc(map[string]any{"summary": "Provision an agent and issue its token", "tags": []any{"client"}}))
	clientAPI.Handle(http.MethodGet, "", c.listClients,
		component.RequireFunction(identity.FunctionClientGetAll),
		component.WithDoc(map[string]any{"summary": "List agents", "tags": []any{"client"}}))
	clientAPI.Handle(http.MethodGet, "/{clientId}", c.getClient,
		component.RequireFunction(identity.FunctionClientGetAll))
	clientAPI.Handle(http.MethodDelete, "/{clientId}", c.deleteClient,
		component.RequireFunction(identity.FunctionClientDeleteAll))

	connAPI := env.Router.Mount("connection")
	connAPI.Handle(http.MethodGet, "", c.listConnections,
		component.RequireFunction(identity.FunctionConnectionGetAll),
		component.WithDoc(map[string]any{"summary": "List agent sessions", "tags": []any{"connection"}}))
	connAPI.Handle(http.MethodGet, "/{connectionId}", c.getConnection,
		component.RequireFunction(identity.FunctionConnectionGetAll))
	connAPI.Handle(http.MethodPost, "/{connectionId}/send", c.send,
		component.RequireFunction(identity.FunctionConnectionSend),
		component.WithDoc(map[string]any{"summary": "Send a message to a live session", "tags": []any{"connection"}}))

	// Agents authenticate with their own tokens inside the handler, so the
	// upgrade endpoint skips the operator middleware.
	connAPI.Handle(http.MethodGet, "/connect", c.manager.HandleConnect, component.Public(),
		component.WithDoc(map[string]any{"summary": "Agent WebSocket endpoint", "tags": []any{"connection"}}))

	return nil
}

func (c *Component) Shutdown(ctx context.Context, reason string) error {
	if c.manager != nil {
		c.manager.CloseAll()
	}
	if c.tokens != nil {
		c.tokens.Dispose()
	}
	return nil
}

// Providers exposes the registry's client and capability handlers on the
// session bus.
func (c *Component) Providers() map[string]map[string]protocol.Handler {
	return c.registry.Providers()
}

// OpenAPI contributes the agent management tags.
func (c *Component) OpenAPI() map[string]any {
	return map[string]any{
		"tags": []any{
			map[string]any{"name": "client", "description": "Agent provisioning and records"},
			map[string]any{"name": "connection", "description": "Live agent sessions"},
		},
	}
}

type provisionRequest struct {
	ID string `json:"id"`
}

func (c *Component) provision(w http.ResponseWriter, r *http.Request) {
	var body provisionRequest
	if err := component.DecodeBody(r, &body); err != nil {
		component.WriteFailure(w, err)
		return
	}

	p, err := c.registry.ProvisionClient(r.Context(), body.ID)
	if err != nil {
		component.WriteFailure(w, err)
		return
	}

	component.WriteJSON(w, http.StatusOK, map[string]any{
		"token": p.Token,
		"record": map[string]any{
			"id":      p.Record.ID,
			"expires": p.Record.Expires,
		},
	})
}

func (c *Component) listClients(w http.ResponseWriter, r *http.Request) {
	agents, err := c.registry.ListClients(r.Context())
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, agents)
}

func (c *Component) getClient(w http.ResponseWriter, r *http.Request) {
	agent, err := c.registry.GetClient(r.Context(), r.PathValue("clientId"))
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, agent)
}

func (c *Component) deleteClient(w http.ResponseWriter, r *http.Request) {
	err := c.registry.Deprovision(r.Context(), r.PathValue("clientId"))
	if errors.Is(err, store.ErrNotFound) {
		component.WriteJSON(w, http.StatusNotFound, component.FailureBody{
			State:  "failed",
			Reason: "no such client",
		})
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, map[string]any{"state": "success"})
}

func (c *Component) listConnections(w http.ResponseWriter, r *http.Request) {
	sessions, err := c.manager.ListSessions(r.Context())
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, sessions)
}

func (c *Component) getConnection(w http.ResponseWriter, r *http.Request) {
	rec, err := c.manager.GetSession(r.Context(), r.PathValue("connectionId"))
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, rec)
}

// send forwards an arbitrary JSON message to a live session on this server.
func (c *Component) send(w http.ResponseWriter, r *http.Request) {
	var message map[string]any
	if err := component.DecodeBody(r, &message); err != nil {
		component.WriteFailure(w, err)
		return
	}

	err := c.manager.Send(r.Context(), r.PathValue("connectionId"), message)
	var se *session.SendError
	if errors.As(err, &se) {
		status := http.StatusBadRequest
		if se.Kind == session.KindNoSuchConnection {
			status = http.StatusNotFound
		}
		component.WriteJSON(w, status, component.FailureBody{State: se.Kind, Reason: se.Reason})
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, map[string]any{"state": "success"})
}
