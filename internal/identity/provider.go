// ABOUTME: Pluggable authentication providers and the built-in password provider
// ABOUTME: Password records store a per-record salt and an HMAC-SHA-512 hash

package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/morrigan-server/morrigan/internal/result"
)

// Provider is a pluggable authentication method. Validate shape-checks the
// offered details, Commit derives what gets stored (never called on reads),
// and Authenticate compares an offered credential against the stored record.
type Provider interface {
	Type() string
	Validate(details map[string]any) (map[string]any, error)
	Commit(clean map[string]any) (map[string]any, error)
	Authenticate(stored, offered map[string]any) error
}

const minPasswordLength = 8

// PasswordProvider stores {salt, hash} where hash is an HMAC-SHA-512 of the
// password keyed by the per-record random salt.
type PasswordProvider struct{}

func (PasswordProvider) Type() string { return "password" }

func (PasswordProvider) Validate(details map[string]any) (map[string]any, error) {
	password, ok := details["password"].(string)
	if !ok || password == "" {
		return nil, result.Request("password is required")
	}
	if len(password) < minPasswordLength {
		return nil, result.Request(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	return map[string]any{"password": password}, nil
}

func (PasswordProvider) Commit(clean map[string]any) (map[string]any, error) {
	password, ok := clean["password"].(string)
	if !ok || password == "" {
		return nil, fmt.Errorf("clean details carry no password")
	}

	rawSalt := make([]byte, 16)
	if _, err := rand.Read(rawSalt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	salt := hex.EncodeToString(rawSalt)

	return map[string]any{
		"salt": salt,
		"hash": hashPassword(salt, password),
	}, nil
}

func (PasswordProvider) Authenticate(stored, offered map[string]any) error {
	salt, _ := stored["salt"].(string)
	hash, _ := stored["hash"].(string)
	if salt == "" || hash == "" {
		return &result.Error{Kind: result.KindServerMissingAuthRecord, Reason: "stored credential is incomplete"}
	}

	password, _ := offered["password"].(string)
	computed := hashPassword(salt, password)
	if !hmac.Equal([]byte(hash), []byte(computed)) {
		return &result.Error{Kind: result.KindFailed, Reason: "credentials do not match"}
	}
	return nil
}

func hashPassword(salt, password string) string {
	mac := hmac.New(sha512.New, []byte(salt))
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}
