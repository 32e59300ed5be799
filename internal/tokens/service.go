// ABOUTME: Token service issuing and verifying ES256 bearer tokens
// ABOUTME: Rotates the signing key and persists verification records per subject

package tokens

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/morrigan-server/morrigan/internal/store"
)

// Verification failure kinds. These are wire/log values, never raw parser
// output.
const (
	KindNoRecord      = "noRecordError"
	KindInvalidRecord = "invalidRecordError"
	KindInvalidToken  = "invalidTokenError"
)

// purgeGrace is how long expired verification records linger before the
// lazy purge removes them.
const purgeGrace = 24 * time.Hour

// VerifyError is a classified verification failure.
type VerifyError struct {
	Kind   string
	Reason string
}

func (e *VerifyError) Error() string {
	return e.Kind + ": " + e.Reason
}

// Record is a token verification record, one per token ever issued. Records
// are cluster-shared: replacing the record for a subject invalidates the
// subject's older tokens on every server.
type Record struct {
	ID        string    `json:"id"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	PublicKey string    `json:"publicKey"` // PEM-encoded PKIX public key
	Issued    time.Time `json:"issued"`
	Expires   time.Time `json:"expires"`
}

// Issued pairs a fresh token with its verification record.
type Issued struct {
	Record Record
	Token  string
}

// Verification is a successful Verify result.
type Verification struct {
	Subject string
	Context map[string]any
}

// IssueOptions tune a single issuance.
type IssueOptions struct {
	// Context is carried verbatim in the token and returned by Verify.
	Context map[string]any

	// TTL overrides the service default when positive.
	TTL time.Duration
}

// ServiceConfig configures a token service instance.
type ServiceConfig struct {
	// Issuer is recorded in every token and record.
	Issuer string

	// Records is the collection holding verification records.
	Records store.ComponentCollection

	// TTL is the default token lifetime.
	TTL time.Duration

	// KeyRotation is the signing key rotation interval. Non-positive means
	// the key regenerates after every issuance.
	KeyRotation time.Duration

	Logger *slog.Logger
}

// Service signs tokens with a private ECDSA P-256 key and verifies them
// against persisted records. Each instance owns its own key pair.
type Service struct {
	issuer   string
	records  store.ComponentCollection
	ttl      time.Duration
	rotation time.Duration
	logger   *slog.Logger

	mu  sync.RWMutex
	key *ecdsa.PrivateKey

	stopOnce sync.Once
	done     chan struct{}
}

// NewService generates the initial key pair and starts key rotation.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Records == nil {
		return nil, errors.New("tokens: record collection is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	s := &Service{
		issuer:   cfg.Issuer,
		records:  cfg.Records,
		ttl:      cfg.TTL,
		rotation: cfg.KeyRotation,
		logger:   cfg.Logger.With("component", "tokens", "issuer", cfg.Issuer),
		key:      key,
		done:     make(chan struct{}),
	}

	if s.rotation > 0 {
		go s.rotate()
	}

	return s, nil
}

// rotate regenerates the signing key on the configured interval until
// Dispose is called. Outstanding tokens stay valid because each record
// carries the public key that signed it.
func (s *Service) rotate() {
	ticker := time.NewTicker(s.rotation)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.regenerateKey(); err != nil {
				s.logger.Error("key rotation failed", "error", err)
				continue
			}
			s.logger.Debug("signing key rotated")
		}
	}
}

func (s *Service) regenerateKey() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return nil
}

// Dispose stops key rotation. Safe to call multiple times.
func (s *Service) Dispose() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Issue creates a signed token for subject and persists its verification
// record. A prior record for the same subject is replaced, which is the
// mechanism by which re-issuing revokes the predecessor token.
func (s *Service) Issue(ctx context.Context, subject string, opts IssueOptions) (*Issued, error) {
	if subject == "" {
		return nil, errors.New("tokens: subject is required")
	}

	s.purgeExpired(ctx)

	ttl := s.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	now := time.Now().UTC()
	record := Record{
		ID:        uuid.New().String(),
		Issuer:    s.issuer,
		Subject:   subject,
		PublicKey: pubPEM,
		Issued:    now,
		Expires:   now.Add(ttl),
	}

	// Replace-by-subject: at most one live record per subject.
	replaced, err := s.records.ReplaceOne(ctx, store.Filter{"subject": subject}, record)
	if err != nil {
		return nil, fmt.Errorf("storing verification record: %w", err)
	}
	if !replaced {
		if err := s.records.InsertOne(ctx, record); err != nil {
			return nil, fmt.Errorf("storing verification record: %w", err)
		}
	}

	claims := jwt.MapClaims{
		"sub": subject,
		"iss": s.issuer,
		"iat": now.Unix(),
		"exp": record.Expires.Unix(),
	}
	if len(opts.Context) > 0 {
		claims["context"] = opts.Context
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = record.ID

	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	// Non-positive rotation: never sign two tokens with the same key.
	if s.rotation <= 0 {
		if err := s.regenerateKey(); err != nil {
			return nil, fmt.Errorf("regenerating signing key: %w", err)
		}
	}

	return &Issued{Record: record, Token: signed}, nil
}

// Revoke removes the verification record for a subject, invalidating its
// outstanding token cluster-wide. Revoking a subject with no record is not
// an error.
func (s *Service) Revoke(ctx context.Context, subject string) error {
	if _, err := s.records.DeleteOne(ctx, store.Filter{"subject": subject}); err != nil {
		return fmt.Errorf("removing verification record: %w", err)
	}
	return nil
}

// Verify parses and checks a token against its persisted verification
// record. Failures are classified; the raw parser error is never returned.
func (s *Service) Verify(ctx context.Context, tokenString string) (*Verification, error) {
	var record Record

	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, &VerifyError{Kind: KindInvalidToken, Reason: "token has no key id"}
		}

		if err := s.records.FindOne(ctx, store.Filter{"id": kid}, &record); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &VerifyError{Kind: KindNoRecord, Reason: "no verification record for key id"}
			}
			return nil, fmt.Errorf("fetching verification record: %w", err)
		}

		if record.PublicKey == "" || record.Issuer == "" || record.Subject == "" {
			return nil, &VerifyError{Kind: KindInvalidRecord, Reason: "verification record is incomplete"}
		}

		pub, err := decodePublicKey(record.PublicKey)
		if err != nil {
			return nil, &VerifyError{Kind: KindInvalidRecord, Reason: "verification record key is unreadable"}
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))

	if err != nil {
		var ve *VerifyError
		if errors.As(err, &ve) {
			return nil, ve
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerifyError{Kind: KindInvalidToken, Reason: "token expired"}
		}
		return nil, &VerifyError{Kind: KindInvalidToken, Reason: "token is malformed or its signature is invalid"}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &VerifyError{Kind: KindInvalidToken, Reason: "unexpected claim shape"}
	}

	sub, _ := claims["sub"].(string)
	iss, _ := claims["iss"].(string)
	if sub == "" || sub != record.Subject {
		return nil, &VerifyError{Kind: KindInvalidToken, Reason: "subject does not match verification record"}
	}
	if iss != record.Issuer {
		return nil, &VerifyError{Kind: KindInvalidToken, Reason: "issuer does not match verification record"}
	}
	if time.Now().After(record.Expires) {
		return nil, &VerifyError{Kind: KindInvalidToken, Reason: "verification record expired"}
	}

	v := &Verification{Subject: sub}
	if raw, ok := claims["context"].(map[string]any); ok {
		v.Context = raw
	}
	return v, nil
}

// purgeExpired removes records past expiry plus grace. Best effort; the
// store stays correct without it because Verify checks expiry itself.
func (s *Service) purgeExpired(ctx context.Context) {
	docs, err := s.records.Find(ctx, nil)
	if err != nil {
		s.logger.Warn("record purge scan failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-purgeGrace)
	for _, raw := range docs {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Expires.Before(cutoff) {
			if _, err := s.records.DeleteOne(ctx, store.Filter{"id": rec.ID}); err != nil {
				s.logger.Warn("record purge failed", "record_id", rec.ID, "error", err)
			}
		}
	}
}

func encodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func decodePublicKey(pemText string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA key")
	}
	return pub, nil
}
