// ABOUTME: Session manager owning the agent WebSocket endpoint and send API
// ABOUTME: Enforces at-most-one-live-session-per-agent across the cluster

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/morrigan-server/morrigan/internal/client"
	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/result"
	"github.com/morrigan-server/morrigan/internal/store"
)

// Send failure kinds.
const (
	KindNoSuchConnection = "noSuchConnection"
	KindClosed           = "closed"
	KindWrongServer      = "wrongServer"
)

// SendError classifies a failed server-to-agent send.
type SendError struct {
	Kind   string
	Reason string
}

func (e *SendError) Error() string {
	return e.Kind + ": " + e.Reason
}

// ManagerConfig assembles a Manager.
type ManagerConfig struct {
	// Connections is the persisted session record collection.
	Connections store.ComponentCollection

	// Registry authenticates agent tokens and tracks agent state.
	Registry *client.Registry

	// Providers routes inbound frames to component handlers.
	Providers protocol.ProviderRegistry

	// InstanceID is this server's cluster instance id, stamped on every
	// session record it owns.
	InstanceID string

	// HeartbeatInterval is the per-session ping cadence.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

// Manager accepts agent WebSocket connections and tracks their sessions.
type Manager struct {
	connections store.ComponentCollection
	registry    *client.Registry
	providers   protocol.ProviderRegistry
	instanceID  string
	heartbeat   time.Duration
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Manager{
		connections: cfg.Connections,
		registry:    cfg.Registry,
		providers:   cfg.Providers,
		instanceID:  cfg.InstanceID,
		heartbeat:   cfg.HeartbeatInterval,
		logger:      cfg.Logger.With("component", "session"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents authenticate with bearer tokens, not cookies, so
			// cross-origin upgrades carry no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Reset removes session records a previous incarnation of this instance
// left behind. Call once before accepting connections.
func (m *Manager) Reset(ctx context.Context) error {
	docs, err := m.connections.Find(ctx, store.Filter{"serverInstanceId": m.instanceID})
	if err != nil {
		return fmt.Errorf("scanning session records: %w", err)
	}
	for _, raw := range docs {
		var rec protocol.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if _, err := m.connections.DeleteOne(ctx, store.Filter{"id": rec.ID}); err != nil {
			return fmt.Errorf("removing leftover session record: %w", err)
		}
	}
	return nil
}

// HandleConnect is the WebSocket upgrade endpoint. The agent presents its
// bearer token in the Authorization header; anything short of a valid token
// for a provisioned agent is rejected before the upgrade.
func (m *Manager) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		component.WriteFailure(w, result.AuthFailed("missing bearer token"))
		return
	}

	agent, err := m.registry.VerifyToken(ctx, token)
	if err != nil {
		m.logger.Info("agent connection rejected", "error", err)
		component.WriteFailure(w, err)
		return
	}

	if err := m.clearStaleSessions(ctx, agent.ID); err != nil {
		component.WriteFailure(w, err)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote its own response.
		m.logger.Info("websocket upgrade failed", "agent_id", agent.ID, "error", err)
		return
	}

	record := protocol.SessionRecord{
		ID:               xid.New().String(),
		AgentID:          agent.ID,
		ServerInstanceID: m.instanceID,
		PeerAddress:      r.RemoteAddr,
		Authenticated:    true,
		Alive:            true,
		Open:             true,
		LastHeartbeat:    time.Now().UTC(),
	}
	if err := m.connections.InsertOne(ctx, record); err != nil {
		m.logger.Error("session record insert failed", "agent_id", agent.ID, "error", err)
		_ = conn.Close()
		return
	}

	// The liveness check above is not atomic with the insert. Re-read and
	// yield to any concurrent session that won the race with an earlier id.
	if m.lostInsertRace(ctx, record) {
		m.logger.Info("yielding to concurrent session", "agent_id", agent.ID, "session_id", record.ID)
		_ = conn.WriteJSON(protocol.ConnectionState{
			Type:   protocol.TypeConnectionState,
			State:  protocol.StateRejected,
			Reason: "agent already has a live session",
		})
		if _, err := m.connections.DeleteOne(ctx, store.Filter{"id": record.ID}); err != nil {
			m.logger.Warn("racing session record not removed", "session_id", record.ID, "error", err)
		}
		_ = conn.Close()
		return
	}

	s := m.newSession(conn, record)
	m.mu.Lock()
	m.sessions[record.ID] = s
	m.mu.Unlock()

	m.logger.Info("session accepted",
		"session_id", record.ID,
		"agent_id", agent.ID,
		"peer", record.PeerAddress,
	)

	if err := s.Send(protocol.ConnectionState{Type: protocol.TypeConnectionState, State: protocol.StateAccepted}); err != nil {
		s.cleanup()
		return
	}
	// Solicit the agent's capability list; the reply routes back through
	// the capability provider.
	if err := s.Send(protocol.CapabilityReport{Type: protocol.TypeCapabilityReport}); err != nil {
		s.cleanup()
		return
	}

	go s.heartbeat(m.heartbeat)
	s.readLoop(context.WithoutCancel(ctx))
}

// clearStaleSessions enforces at-most-one-session-per-agent: a live session
// anywhere in the cluster rejects the new connection, dead records are
// swept.
func (m *Manager) clearStaleSessions(ctx context.Context, agentID string) error {
	docs, err := m.connections.Find(ctx, store.Filter{"agentId": agentID})
	if err != nil {
		return fmt.Errorf("scanning session records: %w", err)
	}

	for _, raw := range docs {
		var rec protocol.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Alive {
			return &result.Error{Kind: result.KindFailed, Reason: "agent already has a live session"}
		}
		// A not-alive record can still have a local transport behind it
		// (missed heartbeat). Close it before sweeping so the displaced
		// socket doesn't linger as an orphan whose frames keep dispatching.
		m.mu.Lock()
		displaced := m.sessions[rec.ID]
		m.mu.Unlock()
		if displaced != nil {
			m.logger.Info("closing displaced session", "session_id", rec.ID, "agent_id", agentID)
			displaced.cleanup()
		}
		if _, err := m.connections.DeleteOne(ctx, store.Filter{"id": rec.ID}); err != nil {
			m.logger.Warn("stale session record not removed", "session_id", rec.ID, "error", err)
		}
	}
	return nil
}

// lostInsertRace reports whether another live session with an earlier id
// exists for the same agent. Session ids are time-ordered, so the earlier
// id belongs to the connection that inserted first.
func (m *Manager) lostInsertRace(ctx context.Context, own protocol.SessionRecord) bool {
	docs, err := m.connections.Find(ctx, store.Filter{"agentId": own.AgentID})
	if err != nil {
		m.logger.Warn("duplicate session re-check failed", "agent_id", own.AgentID, "error", err)
		return false
	}

	for _, raw := range docs {
		var rec protocol.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.ID != own.ID && rec.Alive && rec.Open && rec.ID < own.ID {
			return true
		}
	}
	return false
}

// dispatch parses one inbound frame and routes it to the registered
// handler. Malformed frames, unknown providers, and handler failures are
// logged and ignored, never fatal to the session.
func (m *Manager) dispatch(ctx context.Context, s *Session, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		m.logger.Warn("unparseable frame", "session_id", s.ID(), "error", err)
		return
	}

	provider, message, err := msg.Split()
	if err != nil {
		m.logger.Warn("frame has no routable type", "session_id", s.ID())
		return
	}

	handler := m.providers.Lookup(provider, message)
	if handler == nil {
		m.logger.Warn("no handler for frame",
			"session_id", s.ID(),
			"type", msg.Type(),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panicked",
				"session_id", s.ID(),
				"type", msg.Type(),
				"panic", r,
			)
		}
	}()
	if err := handler(ctx, msg, s); err != nil {
		m.logger.Error("message handler failed",
			"session_id", s.ID(),
			"type", msg.Type(),
			"error", err,
		)
	}
}

// Send delivers a message to a session owned by this server. Failures are
// classified: noSuchConnection, closed, or wrongServer when the session
// lives on another instance.
func (m *Manager) Send(ctx context.Context, sessionID string, message any) error {
	var rec protocol.SessionRecord
	if err := m.connections.FindOne(ctx, store.Filter{"id": sessionID}, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &SendError{Kind: KindNoSuchConnection, Reason: "no session with that id"}
		}
		return fmt.Errorf("fetching session record: %w", err)
	}

	if rec.ServerInstanceID != m.instanceID {
		return &SendError{Kind: KindWrongServer, Reason: "session is owned by instance " + rec.ServerInstanceID}
	}
	if !rec.Alive || !rec.Open {
		return &SendError{Kind: KindClosed, Reason: "session is closed"}
	}

	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return &SendError{Kind: KindClosed, Reason: "session is closed"}
	}
	return s.Send(message)
}

// GetSession fetches one persisted session record.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*protocol.SessionRecord, error) {
	var rec protocol.SessionRecord
	if err := m.connections.FindOne(ctx, store.Filter{"id": sessionID}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSessions returns every persisted session record, cluster-wide.
func (m *Manager) ListSessions(ctx context.Context) ([]protocol.SessionRecord, error) {
	docs, err := m.connections.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.SessionRecord, 0, len(docs))
	for _, raw := range docs {
		var rec protocol.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding session record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CloseAll shuts down every local session. Used on server stop. Teardown
// runs concurrently; the limit bounds the burst of record writes.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range open {
		g.Go(func() error {
			s.cleanup()
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
