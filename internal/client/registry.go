// ABOUTME: Agent registry managing agent records and their long-lived tokens
// ABOUTME: Provisioning is idempotent by id; reprovisioning revokes the prior token

package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/result"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

var agentIDRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Client is one provisioned agent.
type Client struct {
	ID             string                `json:"id"`
	Created        time.Time             `json:"created"`
	Updated        time.Time             `json:"updated"`
	CurrentTokenID string                `json:"currentTokenId"`
	LastState      string                `json:"lastState,omitempty"`
	Capabilities   []protocol.Capability `json:"capabilities,omitempty"`
}

// Provisioned pairs the agent record with its freshly issued token.
type Provisioned struct {
	Client Client
	Token  string
	Record tokens.Record
}

// RegistryConfig assembles a Registry.
type RegistryConfig struct {
	// Clients is the agent record collection.
	Clients store.ComponentCollection

	// Tokens issues and verifies long-lived agent tokens.
	Tokens *tokens.Service

	Logger *slog.Logger
}

// Registry manages agents and their tokens. It also carries the protocol
// handlers for the client and capability message providers.
type Registry struct {
	clients store.ComponentCollection
	tokens  *tokens.Service
	logger  *slog.Logger
}

// NewRegistry builds an agent registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		clients: cfg.Clients,
		tokens:  cfg.Tokens,
		logger:  cfg.Logger.With("component", "client"),
	}
}

// ProvisionClient creates the agent on first call and replaces its token on
// every call. The previous token's verification record is discarded by the
// issue path, so the old token stops verifying everywhere at once.
func (r *Registry) ProvisionClient(ctx context.Context, agentID string) (*Provisioned, error) {
	if agentID == "" || !agentIDRe.MatchString(agentID) {
		return nil, result.Request("client id contains invalid characters")
	}

	issued, err := r.tokens.Issue(ctx, agentID, tokens.IssueOptions{})
	if err != nil {
		return nil, fmt.Errorf("issuing agent token: %w", err)
	}

	now := time.Now().UTC()
	var existing Client
	err = r.clients.FindOne(ctx, store.Filter{"id": agentID}, &existing)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = Client{ID: agentID, Created: now}
	case err != nil:
		return nil, fmt.Errorf("fetching agent record: %w", err)
	}

	existing.CurrentTokenID = issued.Record.ID
	existing.Updated = now

	replaced, err := r.clients.ReplaceOne(ctx, store.Filter{"id": agentID}, existing)
	if err != nil {
		return nil, fmt.Errorf("persisting agent record: %w", err)
	}
	if !replaced {
		if err := r.clients.InsertOne(ctx, existing); err != nil {
			return nil, fmt.Errorf("persisting agent record: %w", err)
		}
	}

	r.logger.Info("agent provisioned", "agent_id", agentID, "token_id", issued.Record.ID)
	return &Provisioned{
		Client: existing,
		Token:  wrapAgentToken(agentID, issued.Token),
		Record: issued.Record,
	}, nil
}

// Deprovision removes the agent and revokes its current token.
func (r *Registry) Deprovision(ctx context.Context, agentID string) error {
	var existing Client
	if err := r.clients.FindOne(ctx, store.Filter{"id": agentID}, &existing); err != nil {
		return err
	}

	if err := r.tokens.Revoke(ctx, agentID); err != nil {
		return err
	}
	if _, err := r.clients.DeleteOne(ctx, store.Filter{"id": agentID}); err != nil {
		return fmt.Errorf("removing agent record: %w", err)
	}

	r.logger.Info("agent deprovisioned", "agent_id", agentID)
	return nil
}

// VerifyToken checks an agent token and resolves its subject to a live
// agent record. The base64 agent-id prefix is a locator hint only; the
// token's kid stays authoritative.
func (r *Registry) VerifyToken(ctx context.Context, token string) (*Client, error) {
	compact := unwrapAgentToken(token)

	v, err := r.tokens.Verify(ctx, compact)
	if err != nil {
		var ve *tokens.VerifyError
		if errors.As(err, &ve) {
			return nil, result.AuthFailed("token id and verification record mismatch: " + ve.Reason)
		}
		return nil, err
	}

	var agent Client
	if err := r.clients.FindOne(ctx, store.Filter{"id": v.Subject}, &agent); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, result.AuthFailed("token subject is not a provisioned agent")
		}
		return nil, fmt.Errorf("fetching agent record: %w", err)
	}
	return &agent, nil
}

// GetClient fetches one agent by id.
func (r *Registry) GetClient(ctx context.Context, agentID string) (*Client, error) {
	var agent Client
	if err := r.clients.FindOne(ctx, store.Filter{"id": agentID}, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListClients returns every provisioned agent.
func (r *Registry) ListClients(ctx context.Context) ([]Client, error) {
	docs, err := r.clients.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Client, 0, len(docs))
	for _, raw := range docs {
		var agent Client
		if err := json.Unmarshal(raw, &agent); err != nil {
			return nil, fmt.Errorf("decoding agent record: %w", err)
		}
		out = append(out, agent)
	}
	return out, nil
}

// SetState records the agent's announced lifecycle state.
func (r *Registry) SetState(ctx context.Context, agentID, state string) error {
	return r.mutate(ctx, agentID, func(c *Client) { c.LastState = state })
}

// SetCapabilities records the agent's reported capability list.
func (r *Registry) SetCapabilities(ctx context.Context, agentID string, caps []protocol.Capability) error {
	return r.mutate(ctx, agentID, func(c *Client) { c.Capabilities = caps })
}

func (r *Registry) mutate(ctx context.Context, agentID string, fn func(*Client)) error {
	var agent Client
	if err := r.clients.FindOne(ctx, store.Filter{"id": agentID}, &agent); err != nil {
		return err
	}
	fn(&agent)
	agent.Updated = time.Now().UTC()
	if _, err := r.clients.ReplaceOne(ctx, store.Filter{"id": agentID}, agent); err != nil {
		return fmt.Errorf("persisting agent record: %w", err)
	}
	return nil
}

// wrapAgentToken prefixes the compact token with the base64 agent id.
func wrapAgentToken(agentID, compact string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(agentID)) + "." + compact
}

// unwrapAgentToken strips the agent-id prefix when present. A bare compact
// token has exactly two dots; the wrapped form has three.
func unwrapAgentToken(token string) string {
	if strings.Count(token, ".") == 3 {
		_, rest, _ := strings.Cut(token, ".")
		return rest
	}
	return token
}
