// ABOUTME: Identity CRUD, operator authentication, and the bootstrap admin
// ABOUTME: Auth records are life-coupled to their identity and never leave the server

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/morrigan-server/morrigan/internal/result"
	"github.com/morrigan-server/morrigan/internal/store"
	"github.com/morrigan-server/morrigan/internal/tokens"
)

// nameRe bounds identity names and function names.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Identity is an operator account. AuthID links the authentication record;
// it is internal and never serialized into API responses.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AuthID    string    `json:"authId"`
	Functions []string  `json:"functions"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// Public is the API-facing projection of an Identity.
type Public struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Functions []string  `json:"functions"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// Public strips the auth linkage.
func (i Identity) Public() Public {
	return Public{
		ID:        i.ID,
		Name:      i.Name,
		Functions: i.Functions,
		Created:   i.Created,
		Updated:   i.Updated,
	}
}

// AuthRecord is one committed credential. The Data shape belongs to the
// provider named by Type.
type AuthRecord struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Spec is the caller-supplied identity description for create and update.
type Spec struct {
	Name      string         `json:"name,omitempty"`
	Auth      map[string]any `json:"auth,omitempty"`
	Functions []string       `json:"functions,omitempty"`
}

// ValidateOptions tune ValidateIdentitySpec.
type ValidateOptions struct {
	// NewIdentity flips the name uniqueness check: a new identity requires
	// the name absent, an update requires it present.
	NewIdentity bool

	// ValidFunctions, when non-nil, is the allowed function set.
	ValidFunctions []string
}

// Validated is a spec that passed validation.
type Validated struct {
	Clean    Spec
	AuthType string
}

// Login is a successful operator authentication.
type Login struct {
	Identity Identity
	Token    string
}

// ServiceConfig assembles an identity service.
type ServiceConfig struct {
	Identities store.Collection
	Auths      store.Collection
	Tokens     *tokens.Service
	Providers  []Provider // defaults to the password provider
	Logger     *slog.Logger
}

// Service owns identity CRUD and operator authentication.
type Service struct {
	identities store.Collection
	auths      store.Collection
	tokens     *tokens.Service
	providers  map[string]Provider
	logger     *slog.Logger
}

// NewService builds the service and its provider registry.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []Provider{PasswordProvider{}}
	}

	providers := make(map[string]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Type()] = p
	}

	return &Service{
		identities: cfg.Identities,
		auths:      cfg.Auths,
		tokens:     cfg.Tokens,
		providers:  providers,
		logger:     cfg.Logger.With("component", "identity"),
	}
}

// ValidateIdentitySpec checks name format and uniqueness, delegates auth
// details to the matching provider's Validate, and checks every function
// name against format and the allowed set.
func (s *Service) ValidateIdentitySpec(ctx context.Context, details Spec, opts ValidateOptions) (*Validated, error) {
	v := &Validated{Clean: Spec{Name: details.Name}}

	if opts.NewIdentity && details.Name == "" {
		return nil, result.Request("name is required")
	}
	if details.Name != "" {
		if !nameRe.MatchString(details.Name) {
			return nil, result.Request("name contains invalid characters")
		}
		var existing Identity
		err := s.identities.FindOne(ctx, store.Filter{"name": details.Name}, &existing)
		switch {
		case opts.NewIdentity && err == nil:
			return nil, result.Request("name is already taken")
		case opts.NewIdentity && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("checking name uniqueness: %w", err)
		case !opts.NewIdentity && errors.Is(err, store.ErrNotFound):
			return nil, result.Request("no identity with that name")
		case !opts.NewIdentity && err != nil:
			return nil, fmt.Errorf("checking name presence: %w", err)
		}
	}

	if opts.NewIdentity && details.Auth == nil {
		return nil, result.Request("auth details are required")
	}
	if details.Auth != nil {
		authType, _ := details.Auth["type"].(string)
		provider, ok := s.providers[authType]
		if !ok {
			return nil, &result.Error{
				Kind:   result.KindServerConfiguration,
				Reason: "no provider registered for auth type " + authType,
			}
		}
		clean, err := provider.Validate(details.Auth)
		if err != nil {
			return nil, err
		}
		v.AuthType = authType
		v.Clean.Auth = clean
	}

	for _, fn := range details.Functions {
		if !nameRe.MatchString(fn) {
			return nil, result.Request("function name contains invalid characters")
		}
		if opts.ValidFunctions != nil && !slices.Contains(opts.ValidFunctions, fn) {
			return nil, result.Request("unknown function " + fn)
		}
	}
	v.Clean.Functions = details.Functions

	return v, nil
}

// AddIdentity validates, commits the credential, and persists both records.
func (s *Service) AddIdentity(ctx context.Context, details Spec) (*Identity, error) {
	v, err := s.ValidateIdentitySpec(ctx, details, ValidateOptions{
		NewIdentity:    true,
		ValidFunctions: AllFunctions(),
	})
	if err != nil {
		return nil, err
	}

	auth, err := s.commitAuth(ctx, v)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ident := Identity{
		ID:        uuid.New().String(),
		Name:      v.Clean.Name,
		AuthID:    auth.ID,
		Functions: v.Clean.Functions,
		Created:   now,
		Updated:   now,
	}
	if err := s.identities.InsertOne(ctx, ident); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	s.logger.Info("identity created", "identity_id", ident.ID, "name", ident.Name)
	return &ident, nil
}

// commitAuth runs the provider's Commit and stores the resulting record.
// Provider failures are a distinct server-side class.
func (s *Service) commitAuth(ctx context.Context, v *Validated) (*AuthRecord, error) {
	provider := s.providers[v.AuthType]
	data, err := provider.Commit(v.Clean.Auth)
	if err != nil {
		return nil, &result.Error{
			Kind:   result.KindServerAuthCommitFailed,
			Reason: "committing credentials failed",
		}
	}

	record := AuthRecord{ID: uuid.New().String(), Type: v.AuthType, Data: data}
	if err := s.auths.InsertOne(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting auth record: %w", err)
	}
	return &record, nil
}

// SetIdentity updates an identity field by field. A fresh auth record
// replaces the old one on credential change. Functions change only when
// allowSecurityEdit is set; self-edits must not escalate privileges. The
// name is immutable, and id fields in the spec are rejected silently by
// virtue of not being part of Spec.
func (s *Service) SetIdentity(ctx context.Context, id string, details Spec, allowSecurityEdit bool) (*Identity, error) {
	var current Identity
	if err := s.identities.FindOne(ctx, store.Filter{"id": id}, &current); err != nil {
		return nil, err
	}

	if details.Name != "" && details.Name != current.Name {
		return nil, result.Request("name is immutable")
	}

	v, err := s.ValidateIdentitySpec(ctx, Spec{
		Name:      current.Name,
		Auth:      details.Auth,
		Functions: details.Functions,
	}, ValidateOptions{ValidFunctions: AllFunctions()})
	if err != nil {
		return nil, err
	}

	oldAuthID := ""
	if details.Auth != nil {
		auth, err := s.commitAuth(ctx, v)
		if err != nil {
			return nil, err
		}
		oldAuthID = current.AuthID
		current.AuthID = auth.ID
	}

	if details.Functions != nil && allowSecurityEdit {
		current.Functions = v.Clean.Functions
	}

	current.Updated = time.Now().UTC()
	if _, err := s.identities.ReplaceOne(ctx, store.Filter{"id": id}, current); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	if oldAuthID != "" {
		if _, err := s.auths.DeleteOne(ctx, store.Filter{"id": oldAuthID}); err != nil {
			s.logger.Warn("replaced auth record not removed", "auth_id", oldAuthID, "error", err)
		}
	}

	return &current, nil
}

// RemoveIdentity deletes the identity and its auth record. Both removals
// must complete before the call reports success.
func (s *Service) RemoveIdentity(ctx context.Context, id string) error {
	var current Identity
	if err := s.identities.FindOne(ctx, store.Filter{"id": id}, &current); err != nil {
		return err
	}

	if _, err := s.auths.DeleteOne(ctx, store.Filter{"id": current.AuthID}); err != nil {
		return fmt.Errorf("removing auth record: %w", err)
	}
	if _, err := s.identities.DeleteOne(ctx, store.Filter{"id": id}); err != nil {
		return fmt.Errorf("removing identity: %w", err)
	}

	s.logger.Info("identity removed", "identity_id", id, "name", current.Name)
	return nil
}

// GetIdentity fetches one identity by id.
func (s *Service) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	var ident Identity
	if err := s.identities.FindOne(ctx, store.Filter{"id": id}, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

// ListIdentities returns every identity.
func (s *Service) ListIdentities(ctx context.Context) ([]Identity, error) {
	docs, err := s.identities.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Identity, 0, len(docs))
	for _, raw := range docs {
		var ident Identity
		if err := json.Unmarshal(raw, &ident); err != nil {
			return nil, fmt.Errorf("decoding identity: %w", err)
		}
		out = append(out, ident)
	}
	return out, nil
}

// Authenticate verifies an offered credential and issues an operator token.
// Unknown names and bad credentials both come back authenticationFailed; a
// dangling auth linkage is a distinct server-side failure.
func (s *Service) Authenticate(ctx context.Context, name string, offered map[string]any) (*Login, error) {
	if name == "" || !nameRe.MatchString(name) {
		return nil, result.AuthFailed("unknown identity or bad credentials")
	}

	var ident Identity
	if err := s.identities.FindOne(ctx, store.Filter{"name": name}, &ident); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, result.AuthFailed("unknown identity or bad credentials")
		}
		return nil, fmt.Errorf("fetching identity: %w", err)
	}

	var auth AuthRecord
	if err := s.auths.FindOne(ctx, store.Filter{"id": ident.AuthID}, &auth); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &result.Error{
				Kind:   result.KindServerMissingAuthRecord,
				Reason: "identity has no authentication record",
			}
		}
		return nil, fmt.Errorf("fetching auth record: %w", err)
	}

	provider, ok := s.providers[auth.Type]
	if !ok {
		return nil, &result.Error{
			Kind:   result.KindServerConfiguration,
			Reason: "no provider registered for auth type " + auth.Type,
		}
	}
	if err := provider.Authenticate(auth.Data, offered); err != nil {
		s.logger.Info("operator authentication rejected", "name", name)
		return nil, err
	}

	issued, err := s.tokens.Issue(ctx, ident.ID, tokens.IssueOptions{
		Context: map[string]any{
			"name":      ident.Name,
			"functions": ident.Functions,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("issuing operator token: %w", err)
	}

	s.logger.Info("operator authenticated", "name", name, "identity_id", ident.ID)
	return &Login{Identity: ident, Token: issued.Token}, nil
}

// Bootstrap creates the admin identity when the collection is empty. The
// initial password comes from configuration; an empty one is a fatal
// misconfiguration, never a silent default.
func (s *Service) Bootstrap(ctx context.Context, password string) error {
	docs, err := s.identities.Find(ctx, nil)
	if err != nil {
		return fmt.Errorf("scanning identities: %w", err)
	}
	if len(docs) > 0 {
		return nil
	}

	if password == "" {
		return &result.Error{
			Kind:   result.KindServerConfiguration,
			Reason: "identity collection is empty and auth.bootstrap_password is not set",
		}
	}

	admin, err := s.AddIdentity(ctx, Spec{
		Name:      "admin",
		Auth:      map[string]any{"type": "password", "password": password},
		Functions: AllFunctions(),
	})
	if err != nil {
		return fmt.Errorf("creating bootstrap admin: %w", err)
	}

	s.logger.Warn("bootstrap admin created, change its password",
		"identity_id", admin.ID,
	)
	return nil
}
