// ABOUTME: HTTP tests for the auth component through a real component host
// ABOUTME: Exercises login, gated CRUD, and the self-edit escalation guard

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

const testBootstrapPassword = "bootstrap-pass"

func newAuthAPI(t *testing.T) (*http.ServeMux, *Service) {
	t.Helper()

	ds, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	state, err := store.NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	tokenSvc, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:      "test-server",
		Records:     ds.Collection("auth.tokens"),
		TTL:         30 * time.Minute,
		KeyRotation: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(tokenSvc.Dispose)

	svc := NewService(ServiceConfig{
		Identities: ds.Collection("auth.identities"),
		Auths:      ds.Collection("auth.authentications"),
		Tokens:     tokenSvc,
	})

	mux := http.NewServeMux()
	host := component.NewHost(component.HostConfig{
		Mux:    mux,
		Data:   ds,
		State:  state,
		Auth:   svc.Middleware(),
		Access: svc,
	})
	host.Add(NewAuthComponent(svc, testBootstrapPassword))
	host.SetupAll(context.Background())
	require.Empty(t, host.Errors())

	return mux, svc
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, mux *http.ServeMux, name, password string) string {
	t.Helper()

	rec := doJSON(t, mux, http.MethodPost, "/api/auth", "", map[string]any{
		"name":     name,
		"password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		State string `json:"state"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "success", out.State)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestAuthAPI_BootstrapLogin(t *testing.T) {
	mux, svc := newAuthAPI(t)

	idents, err := svc.ListIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, idents, 1)
	assert.Equal(t, "admin", idents[0].Name)
	assert.NotEmpty(t, idents[0].Functions)

	token := login(t, mux, "admin", testBootstrapPassword)

	rec := doJSON(t, mux, http.MethodGet, "/api/auth/identity/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var me Public
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "admin", me.Name)
	assert.Equal(t, idents[0].ID, me.ID)
}

func TestAuthAPI_LoginFailures(t *testing.T) {
	mux, _ := newAuthAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth", "", map[string]any{
		"name": "admin", "password": "wrong password",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/auth", "", map[string]any{
		"name": "nobody", "password": testBootstrapPassword,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var failure component.FailureBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failure))
	assert.Equal(t, "authenticationFailed", failure.State)
}

func TestAuthAPI_RequiresToken(t *testing.T) {
	mux, _ := newAuthAPI(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/auth/identity", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/identity", "not-a-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthAPI_IdentityCRUD(t *testing.T) {
	mux, _ := newAuthAPI(t)
	admin := login(t, mux, "admin", testBootstrapPassword)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/identity", admin, map[string]any{
		"name":      "alice",
		"auth":      map[string]any{"type": "password", "password": "alice-password"},
		"functions": []string{FunctionClientGetAll},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Public
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.Name)

	// The auth record never leaves the server.
	assert.NotContains(t, rec.Body.String(), "authId")
	assert.NotContains(t, rec.Body.String(), "hash")

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/identity", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []Public
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/identity/"+created.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/identity/no-such-id", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodPatch, "/api/auth/identity/"+created.ID, admin, map[string]any{
		"functions": []string{FunctionClientGetAll, FunctionConnectionGetAll},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated Public
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, []string{FunctionClientGetAll, FunctionConnectionGetAll}, updated.Functions)

	rec = doJSON(t, mux, http.MethodDelete, "/api/auth/identity/"+created.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/api/auth/identity/"+created.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthAPI_FunctionGates(t *testing.T) {
	mux, _ := newAuthAPI(t)
	admin := login(t, mux, "admin", testBootstrapPassword)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/identity", admin, map[string]any{
		"name": "limited",
		"auth": map[string]any{"type": "password", "password": "limited-password"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	limited := login(t, mux, "limited", "limited-password")

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/identity", limited, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/identity", limited, map[string]any{
		"name": "sneaky",
		"auth": map[string]any{"type": "password", "password": "sneaky-password"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthAPI_SelfEditCannotEscalate(t *testing.T) {
	mux, _ := newAuthAPI(t)
	admin := login(t, mux, "admin", testBootstrapPassword)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/identity", admin, map[string]any{
		"name":      "alice",
		"auth":      map[string]any{"type": "password", "password": "alice-password"},
		"functions": []string{FunctionClientGetAll},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	alice := login(t, mux, "alice", "alice-password")

	rec = doJSON(t, mux, http.MethodPatch, "/api/auth/identity/me", alice, map[string]any{
		"functions": []string{FunctionIdentityCreate},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/identity/me", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me Public
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, []string{FunctionClientGetAll}, me.Functions)
}

func TestAuthAPI_SelfPasswordChange(t *testing.T) {
	mux, _ := newAuthAPI(t)
	admin := login(t, mux, "admin", testBootstrapPassword)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/identity", admin, map[string]any{
		"name": "alice",
		"auth": map[string]any{"type": "password", "password": "alice-password"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	alice := login(t, mux, "alice", "alice-password")

	rec = doJSON(t, mux, http.MethodPatch, "/api/auth/identity/me", alice, map[string]any{
		"auth": map[string]any{"type": "password", "password": "new-alice-password"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	login(t, mux, "alice", "new-alice-password")

	rec = doJSON(t, mux, http.MethodPost, "/api/auth", "", map[string]any{
		"name": "alice", "password": "alice-password",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
