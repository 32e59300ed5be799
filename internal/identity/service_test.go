// ABOUTME: Tests for the password provider and identity service semantics
// ABOUTME: Covers validation, auth record life-coupling, and bootstrap

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morrigan-server/morrigan/internal/result"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

type testDeps struct {
	svc        *Service
	tokens     *tokens.Service
	identities store.Collection
	auths      store.Collection
}

func newTestService(t *testing.T) testDeps {
	t.Helper()

	ds, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	tokenSvc, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:      "test-server",
		Records:     ds.Collection("auth.tokens"),
		TTL:         30 * time.Minute,
		KeyRotation: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(tokenSvc.Dispose)

	identities := ds.Collection("auth.identities")
	auths := ds.Collection("auth.authentications")
	svc := NewService(ServiceConfig{
		Identities: identities,
		Auths:      auths,
		Tokens:     tokenSvc,
	})
	return testDeps{svc: svc, tokens: tokenSvc, identities: identities, auths: auths}
}

func passwordSpec(name, password string, functions ...string) Spec {
	return Spec{
		Name:      name,
		Auth:      map[string]any{"type": "password", "password": password},
		Functions: functions,
	}
}

func TestPasswordProvider_Validate(t *testing.T) {
	p := PasswordProvider{}

	_, err := p.Validate(map[string]any{"password": "short"})
	require.Error(t, err)
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindRequestError, re.Kind)

	_, err = p.Validate(map[string]any{})
	require.Error(t, err)

	clean, err := p.Validate(map[string]any{"type": "password", "password": "long enough"})
	require.NoError(t, err)
	assert.Equal(t, "long enough", clean["password"])
}

func TestPasswordProvider_CommitAndAuthenticate(t *testing.T) {
	p := PasswordProvider{}

	stored, err := p.Commit(map[string]any{"password": "correct horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored["salt"])
	assert.NotEmpty(t, stored["hash"])
	assert.NotContains(t, stored, "password")

	require.NoError(t, p.Authenticate(stored, map[string]any{"password": "correct horse"}))

	err = p.Authenticate(stored, map[string]any{"password": "battery staple"})
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindFailed, re.Kind)
}

func TestPasswordProvider_SaltsAreUnique(t *testing.T) {
	p := PasswordProvider{}

	a, err := p.Commit(map[string]any{"password": "same password"})
	require.NoError(t, err)
	b, err := p.Commit(map[string]any{"password": "same password"})
	require.NoError(t, err)

	assert.NotEqual(t, a["salt"], b["salt"])
	assert.NotEqual(t, a["hash"], b["hash"])
}

func TestService_AddIdentity(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1", FunctionIdentityGetAll))
	require.NoError(t, err)
	assert.NotEmpty(t, ident.ID)
	assert.NotEmpty(t, ident.AuthID)
	assert.Equal(t, []string{FunctionIdentityGetAll}, ident.Functions)

	var auth AuthRecord
	require.NoError(t, d.auths.FindOne(ctx, store.Filter{"id": ident.AuthID}, &auth))
	assert.Equal(t, "password", auth.Type)
}

func TestService_AddIdentity_Rejections(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	_, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1"))
	require.NoError(t, err)

	tests := []struct {
		name string
		spec Spec
		kind string
	}{
		{"duplicate name", passwordSpec("alice", "password-2"), result.KindRequestError},
		{"bad name format", passwordSpec("not ok", "password-2"), result.KindRequestError},
		{"missing auth", Spec{Name: "bob"}, result.KindRequestError},
		{"short password", passwordSpec("bob", "short"), result.KindRequestError},
		{"unknown auth type", Spec{Name: "bob", Auth: map[string]any{"type": "magic"}}, result.KindServerConfiguration},
		{"unknown function", passwordSpec("bob", "password-2", "no.such.function"), result.KindRequestError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.svc.AddIdentity(ctx, tt.spec)
			var re *result.Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.kind, re.Kind)
		})
	}
}

func TestService_Authenticate(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1", FunctionClientGetAll))
	require.NoError(t, err)

	login, err := d.svc.Authenticate(ctx, "alice", map[string]any{"password": "password-1"})
	require.NoError(t, err)
	assert.Equal(t, ident.ID, login.Identity.ID)

	v, err := d.tokens.Verify(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, v.Subject)
	assert.Equal(t, "alice", v.Context["name"])
	assert.Equal(t, []any{FunctionClientGetAll}, v.Context["functions"])
}

func TestService_Authenticate_Failures(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1"))
	require.NoError(t, err)

	_, err = d.svc.Authenticate(ctx, "alice", map[string]any{"password": "wrong password"})
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindFailed, re.Kind)

	_, err = d.svc.Authenticate(ctx, "nobody", map[string]any{"password": "password-1"})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindAuthenticationFailed, re.Kind)

	// Dangling auth linkage is a server-side failure, not a caller error.
	_, err = d.auths.DeleteOne(ctx, store.Filter{"id": ident.AuthID})
	require.NoError(t, err)
	_, err = d.svc.Authenticate(ctx, "alice", map[string]any{"password": "password-1"})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindServerMissingAuthRecord, re.Kind)
}

func TestService_SetIdentity_FunctionsNeedSecurityEdit(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1", FunctionClientGetAll))
	require.NoError(t, err)

	// Without allowSecurityEdit the functions field is ignored.
	updated, err := d.svc.SetIdentity(ctx, ident.ID, Spec{Functions: []string{FunctionIdentityCreate}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{FunctionClientGetAll}, updated.Functions)

	updated, err = d.svc.SetIdentity(ctx, ident.ID, Spec{Functions: []string{FunctionIdentityCreate}}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{FunctionIdentityCreate}, updated.Functions)
}

func TestService_SetIdentity_PasswordChangeReplacesAuthRecord(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1"))
	require.NoError(t, err)
	oldAuthID := ident.AuthID

	updated, err := d.svc.SetIdentity(ctx, ident.ID, Spec{
		Auth: map[string]any{"type": "password", "password": "password-2"},
	}, false)
	require.NoError(t, err)
	assert.NotEqual(t, oldAuthID, updated.AuthID)

	var gone AuthRecord
	err = d.auths.FindOne(ctx, store.Filter{"id": oldAuthID}, &gone)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = d.svc.Authenticate(ctx, "alice", map[string]any{"password": "password-2"})
	require.NoError(t, err)
	_, err = d.svc.Authenticate(ctx, "alice", map[string]any{"password": "password-1"})
	require.Error(t, err)
}

func TestService_SetIdentity_NameImmutable(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1"))
	require.NoError(t, err)

	_, err = d.svc.SetIdentity(ctx, ident.ID, Spec{Name: "mallory"}, true)
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindRequestError, re.Kind)

	_, err = d.svc.SetIdentity(ctx, "no-such-id", Spec{}, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_RemoveIdentity_Cascades(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	ident, err := d.svc.AddIdentity(ctx, passwordSpec("alice", "password-1"))
	require.NoError(t, err)

	require.NoError(t, d.svc.RemoveIdentity(ctx, ident.ID))

	var auth AuthRecord
	err = d.auths.FindOne(ctx, store.Filter{"id": ident.AuthID}, &auth)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = d.svc.GetIdentity(ctx, ident.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = d.svc.RemoveIdentity(ctx, ident.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_Bootstrap(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	require.NoError(t, d.svc.Bootstrap(ctx, "bootstrap-pass"))

	idents, err := d.svc.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, idents, 1)
	assert.Equal(t, "admin", idents[0].Name)
	assert.Equal(t, AllFunctions(), idents[0].Functions)

	// Second boot with records present is a no-op, even without a password.
	require.NoError(t, d.svc.Bootstrap(ctx, ""))
	idents, err = d.svc.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, idents, 1)

	_, err = d.svc.Authenticate(ctx, "admin", map[string]any{"password": "bootstrap-pass"})
	require.NoError(t, err)
}

func TestService_Bootstrap_RequiresPassword(t *testing.T) {
	ctx := context.Background()
	d := newTestService(t)

	err := d.svc.Bootstrap(ctx, "")
	var re *result.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, result.KindServerConfiguration, re.Kind)
}
