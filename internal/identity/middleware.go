// ABOUTME: Bearer-token middleware resolving requests to operator principals
// ABOUTME: Implements the function-based access gate consulted by route wrappers

package identity

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/result"
)

type principalKey struct{}

// Principal is the authenticated caller attached to a request context.
// Functions come from the token, frozen at issue time.
type Principal struct {
	Identity  Identity
	Functions []string
}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the request's principal, or nil on public routes.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Middleware verifies the Authorization bearer token, resolves it to an
// identity, and injects the principal. Anything short of a valid token
// bound to a live identity is a 403.
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				component.WriteFailure(w, result.AuthFailed("missing bearer token"))
				return
			}

			v, err := s.tokens.Verify(r.Context(), token)
			if err != nil {
				component.WriteFailure(w, result.AuthFailed("token rejected"))
				return
			}

			ident, err := s.GetIdentity(r.Context(), v.Subject)
			if err != nil {
				component.WriteFailure(w, result.AuthFailed("token subject is not a known identity"))
				return
			}

			p := &Principal{Identity: *ident, Functions: contextFunctions(v.Context)}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Allow implements component.AccessChecker: the caller must hold the named
// function in its token.
func (s *Service) Allow(r *http.Request, function string) error {
	p := PrincipalFrom(r.Context())
	if p == nil {
		return result.AuthFailed("no authenticated identity")
	}
	if !slices.Contains(p.Functions, function) {
		return result.AuthFailed("missing function " + function)
	}
	return nil
}

// contextFunctions pulls the function list out of a verified token context.
// JSON round-tripping turns it into []any.
func contextFunctions(ctx map[string]any) []string {
	raw, ok := ctx["functions"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
