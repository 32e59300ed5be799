// ABOUTME: Agent wire protocol types shared by the session manager and components
// ABOUTME: Defines framed JSON messages, control payloads, and provider handlers

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNoType is returned when a frame carries no usable type field.
var ErrNoType = errors.New("message has no type")

// Control message types.
const (
	TypeConnectionState  = "connection.state"
	TypeCapabilityReport = "capability.report"
	TypeTokenRefresh     = "client.token.refresh"
	TypeTokenIssue       = "client.token.issue"
	TypeClientState      = "client.state"
)

// Connection states announced to the agent.
const (
	StateAccepted = "accepted"
	StateRejected = "rejected"
)

// Message is a decoded JSON frame. Every frame carries a "type" of the form
// "<provider>.<message>".
type Message map[string]any

// Parse decodes a raw frame into a Message.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Type returns the frame's type string, or "" when absent.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// Split separates the type into provider and message on the first dot.
// "client.token.refresh" yields ("client", "token.refresh").
func (m Message) Split() (provider, message string, err error) {
	t := m.Type()
	if t == "" {
		return "", "", ErrNoType
	}
	i := strings.Index(t, ".")
	if i <= 0 || i == len(t)-1 {
		return "", "", ErrNoType
	}
	return t[:i], t[i+1:], nil
}

// String returns a string field from the frame.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// ConnectionState is the first frame the server sends on a new session.
type ConnectionState struct {
	Type   string `json:"type"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// CapabilityReport solicits (server to agent) or carries (agent to server)
// the agent's capability list.
type CapabilityReport struct {
	Type         string       `json:"type"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Capability describes one agent feature set.
type Capability struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Messages []string `json:"messages,omitempty"`
}

// TokenIssue delivers a fresh agent token.
type TokenIssue struct {
	Type    string    `json:"type"`
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// SessionRecord is the persisted state of one agent session. Peers read
// these rows to see who is connected where.
type SessionRecord struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agentId"`
	ServerInstanceID string    `json:"serverInstanceId"`
	PeerAddress      string    `json:"peerAddress"`
	Authenticated    bool      `json:"authenticated"`
	Alive            bool      `json:"alive"`
	Open             bool      `json:"open"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
}

// SessionHandle is the surface message handlers get for replying on the
// session that delivered a frame.
type SessionHandle interface {
	// ID is the session record id.
	ID() string

	// AgentID is the authenticated agent.
	AgentID() string

	// Record is a snapshot of the persisted session state.
	Record() SessionRecord

	// Send writes a JSON message to the agent. Strings pass through
	// verbatim; any other value is marshaled.
	Send(v any) error
}

// Handler processes one inbound frame on a session. Handlers run on the
// session's reader goroutine; returned errors are logged, never fatal to
// the session.
type Handler func(ctx context.Context, msg Message, sess SessionHandle) error

// ProviderRegistry resolves "<provider>.<message>" types to handlers.
// The component host implements this over its loaded components.
type ProviderRegistry interface {
	// Lookup returns the handler for provider/message, or nil when either
	// is unknown.
	Lookup(provider, message string) Handler
}
