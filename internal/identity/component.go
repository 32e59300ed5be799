// ABOUTME: The auth component exposing operator login and identity CRUD
// ABOUTME: Self-service routes never touch functions; admin routes are gated

package identity

import (
	"context"
	"errors"
	"net/http"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/result"
	"github.com/morrigan-server/morrigan/internal/store"
)

func errNoPrincipal() error {
	return result.AuthFailed("no authenticated identity")
}

// AuthComponent is the built-in operator identity component, mounted at
// /api/auth.
type AuthComponent struct {
	svc               *Service
	bootstrapPassword string
}

// NewAuthComponent wraps an identity service as a component.
func NewAuthComponent(svc *Service, bootstrapPassword string) *AuthComponent {
	return &AuthComponent{svc: svc, bootstrapPassword: bootstrapPassword}
}

func (c *AuthComponent) Name() string { return "auth" }

func (c *AuthComponent) Setup(ctx context.Context, env *component.Env) error {
	if err := c.svc.Bootstrap(ctx, c.bootstrapPassword); err != nil {
		return err
	}

	r := env.Router
	r.Handle(http.MethodPost, "", c.login, component.Public(), component.WithDoc(map[string]any{
		"summary": "Operator login",
		"tags":    []any{"auth"},
	}))

	r.Handle(http.MethodGet, "/identity", c.list,
		component.RequireFunction(FunctionIdentityGetAll),
		component.WithDoc(map[string]any{"summary": "List identities", "tags": []any{"auth"}}))
	r.Handle(http.MethodPost, "/identity", c.create,
		component.RequireFunction(FunctionIdentityCreate),
		component.WithDoc(map[string]any{"summary": "Create an identity", "tags": []any{"auth"}}))

	// Self-service routes authenticate but carry no function gate.
	r.Handle(http.MethodGet, "/identity/me", c.me)
	r.Handle(http.MethodPatch, "/identity/me", c.updateMe)

	r.Handle(http.MethodGet, "/identity/{identityId}", c.get,
		component.RequireFunction(FunctionIdentityGetAll))
	r.Handle(http.MethodPatch, "/identity/{identityId}", c.update,
		component.RequireFunction(FunctionIdentityUpdateAll))
	r.Handle(http.MethodDelete, "/identity/{identityId}", c.remove,
		component.RequireFunction(FunctionIdentityDeleteAll))

	return nil
}

func (c *AuthComponent) Shutdown(ctx context.Context, reason string) error { return nil }

// OpenAPI contributes the bearer security scheme every protected route uses.
func (c *AuthComponent) OpenAPI() map[string]any {
	return map[string]any{
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
		"security": []any{map[string]any{"bearerAuth": []any{}}},
		"tags":     []any{map[string]any{"name": "auth", "description": "Operator identities and login"}},
	}
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (c *AuthComponent) login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := component.DecodeBody(r, &body); err != nil {
		component.WriteFailure(w, err)
		return
	}

	login, err := c.svc.Authenticate(r.Context(), body.Name, map[string]any{"password": body.Password})
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, map[string]any{
		"state": "success",
		"token": login.Token,
	})
}

func (c *AuthComponent) list(w http.ResponseWriter, r *http.Request) {
	idents, err := c.svc.ListIdentities(r.Context())
	if err != nil {
		component.WriteFailure(w, err)
		return
	}

	out := make([]Public, 0, len(idents))
	for _, ident := range idents {
		out = append(out, ident.Public())
	}
	component.WriteJSON(w, http.StatusOK, out)
}

func (c *AuthComponent) create(w http.ResponseWriter, r *http.Request) {
	var spec Spec
	if err := component.DecodeBody(r, &spec); err != nil {
		component.WriteFailure(w, err)
		return
	}

	ident, err := c.svc.AddIdentity(r.Context(), spec)
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusCreated, ident.Public())
}

func (c *AuthComponent) get(w http.ResponseWriter, r *http.Request) {
	ident, err := c.svc.GetIdentity(r.Context(), r.PathValue("identityId"))
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, ident.Public())
}

func (c *AuthComponent) update(w http.ResponseWriter, r *http.Request) {
	var spec Spec
	if err := component.DecodeBody(r, &spec); err != nil {
		component.WriteFailure(w, err)
		return
	}

	ident, err := c.svc.SetIdentity(r.Context(), r.PathValue("identityId"), spec, true)
	if errors.Is(err, store.ErrNotFound) {
		component.WriteJSON(w, http.StatusNotFound, component.FailureBody{
			State:  "failed",
			Reason: "no such identity",
		})
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, ident.Public())
}

func (c *AuthComponent) remove(w http.ResponseWriter, r *http.Request) {
	err := c.svc.RemoveIdentity(r.Context(), r.PathValue("identityId"))
	if errors.Is(err, store.ErrNotFound) {
		component.WriteJSON(w, http.StatusNotFound, component.FailureBody{
			State:  "failed",
			Reason: "no such identity",
		})
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, map[string]any{"state": "success"})
}

func (c *AuthComponent) me(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		component.WriteFailure(w, errNoPrincipal())
		return
	}

	ident, err := c.svc.GetIdentity(r.Context(), p.Identity.ID)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, ident.Public())
}

// updateMe edits the caller's own record. Security fields never apply here,
// so a self-edit cannot escalate privileges.
func (c *AuthComponent) updateMe(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		component.WriteFailure(w, errNoPrincipal())
		return
	}

	var spec Spec
	if err := component.DecodeBody(r, &spec); err != nil {
		component.WriteFailure(w, err)
		return
	}

	ident, err := c.svc.SetIdentity(r.Context(), p.Identity.ID, spec, false)
	if err != nil {
		component.WriteFailure(w, err)
		return
	}
	component.WriteJSON(w, http.StatusOK, ident.Public())
}
