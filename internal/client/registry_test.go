// ABOUTME: Tests for agent provisioning, token verification, and deprovisioning
// ABOUTME: Reprovisioning must revoke the previous token cluster-wide

package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morrigan-server/morrigan/internal/result"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	ds, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	tokenSvc, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:      "test-server",
		Records:     ds.Collection("morrigan.clientTokens"),
		TTL:         720 * time.Hour,
		KeyRotation: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(tokenSvc.Dispose)

	return NewRegistry(RegistryConfig{
		Clients: ds.Collection("morrigan.clients"),
		Tokens:  tokenSvc,
	})
}

func TestRegistry_ProvisionAndVerify(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	p, err := r.ProvisionClient(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", p.Client.ID)
	assert.Equal(t, p.Record.ID, p.Client.CurrentTokenID)

	// Wrapped format: b64 agent id, then the three compact segments.
	assert.Equal(t, 3, strings.Count(p.Token, "."))

	agent, err := r.VerifyToken(ctx, p.Token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
}

func TestRegistry_ProvisionRejectsBadID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	for _, id := range []string{"", "not ok", "a/b"} {
		_, err := r.ProvisionClient(ctx, id)
		var re *result.Error
		require.ErrorAs(t, err, &re, "id %q", id)
		assert.Equal(t, result.KindRequestError, re.Kind)
	}
}

func TestRegistry_ReprovisionRevokesPriorToken(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	p1, err := r.ProvisionClient(ctx, "agent-1")
	require.NoError(t, err)
	p2, err := r.ProvisionClient(ctx, "agent-1")
	require.NoError(t, err)
	require.NotEqual(t, p1.Record.ID, p2.Record.ID)

	_, err = r.VerifyToken(ctx, p1.Token)
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindAuthenticationFailed, re.Kind)
	assert.Contains(t, re.Reason, "record")

	agent, err := r.VerifyToken(ctx, p2.Token)
	require.NoError(t, err)
	assert.Equal(t, p2.Record.ID, agent.CurrentTokenID)
}

func TestRegistry_Deprovision(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	p, err := r.ProvisionClient(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, r.Deprovision(ctx, "agent-1"))

	_, err = r.GetClient(ctx, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.VerifyToken(ctx, p.Token)
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindAuthenticationFailed, re.Kind)

	assert.ErrorIs(t, r.Deprovision(ctx, "agent-1"), store.ErrNotFound)
}

func TestRegistry_StateAndCapabilities(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.ProvisionClient(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, r.SetState(ctx, "agent-1", "running"))

	agent, err := r.GetClient(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "running", agent.LastState)

	assert.ErrorIs(t, r.SetState(ctx, "ghost", "running"), store.ErrNotFound)
}

func TestRegistry_ListClients(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.ProvisionClient(ctx, "agent-a")
	require.NoError(t, err)
	_, err = r.ProvisionClient(ctx, "agent-b")
	require.NoError(t, err)

	agents, err := r.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-a", agents[0].ID)
	assert.Equal(t, "agent-b", agents[1].ID)
}

func TestUnwrapAgentToken(t *testing.T) {
	assert.Equal(t, "a.b.c", unwrapAgentToken("prefix.a.b.c"))
	assert.Equal(t, "a.b.c", unwrapAgentToken("a.b.c"))
	assert.Equal(t, "garbage", unwrapAgentToken("garbage"))
}
