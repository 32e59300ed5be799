// ABOUTME: Session message handlers for the client and capability providers
// ABOUTME: Token refresh issues and pushes a fresh token over the live session

package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/morrigan-server/morrigan/internal/protocol"
)

// Providers exposes the registry's message handlers on the session bus.
func (r *Registry) Providers() map[string]map[string]protocol.Handler {
	return map[string]map[string]protocol.Handler{
		"client": {
			"token.refresh": r.handleTokenRefresh,
			"state":         r.handleState,
		},
		"capability": {
			"report": r.handleCapabilityReport,
		},
	}
}

// handleTokenRefresh reissues the agent's token and pushes it back as
// client.token.issue. The old token stops verifying once the new record
// lands.
func (r *Registry) handleTokenRefresh(ctx context.Context, msg protocol.Message, sess protocol.SessionHandle) error {
	p, err := r.ProvisionClient(ctx, sess.AgentID())
	if err != nil {
		return fmt.Errorf("refreshing token for agent %s: %w", sess.AgentID(), err)
	}

	return sess.Send(protocol.TokenIssue{
		Type:    protocol.TypeTokenIssue,
		Token:   p.Token,
		Expires: p.Record.Expires,
	})
}

// handleState records the agent's announced lifecycle state.
func (r *Registry) handleState(ctx context.Context, msg protocol.Message, sess protocol.SessionHandle) error {
	state := msg.String("state")
	if state == "" {
		return fmt.Errorf("client.state frame carries no state")
	}
	return r.SetState(ctx, sess.AgentID(), state)
}

// handleCapabilityReport records the agent's capability list.
func (r *Registry) handleCapabilityReport(ctx context.Context, msg protocol.Message, sess protocol.SessionHandle) error {
	raw, err := json.Marshal(msg["capabilities"])
	if err != nil {
		return fmt.Errorf("re-encoding capabilities: %w", err)
	}
	var caps []protocol.Capability
	if err := json.Unmarshal(raw, &caps); err != nil {
		return fmt.Errorf("capability.report frame is malformed: %w", err)
	}
	return r.SetCapabilities(ctx, sess.AgentID(), caps)
}
