// ABOUTME: One live agent session: socket, persisted record, heartbeat ticker
// ABOUTME: Record mutations happen only on the owning goroutine or the ticker

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morrigan-server/morrigan/internal/protocol"
	"github.com/morrigan-server/morrigan/internal/store"
)

const writeWait = 10 * time.Second

// Session is one live agent connection. It implements
// protocol.SessionHandle for message handlers.
type Session struct {
	manager *Manager
	conn    *websocket.Conn

	mu     sync.Mutex // guards record
	record protocol.SessionRecord

	writeMu sync.Mutex // serializes data frames on the socket

	closeOnce sync.Once
	done      chan struct{}
}

func (m *Manager) newSession(conn *websocket.Conn, record protocol.SessionRecord) *Session {
	s := &Session{
		manager: m,
		conn:    conn,
		record:  record,
		done:    make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		s.withRecord(func(r *protocol.SessionRecord) {
			r.Alive = true
			r.LastHeartbeat = time.Now().UTC()
		})
		return nil
	})

	return s
}

// withRecord mutates the record under the session lock and persists the
// result.
func (s *Session) withRecord(fn func(*protocol.SessionRecord)) {
	s.mu.Lock()
	fn(&s.record)
	rec := s.record
	s.mu.Unlock()
	s.persist(rec)
}

func (s *Session) snapshot() protocol.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Session) persist(rec protocol.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := s.manager.connections.ReplaceOne(ctx, store.Filter{"id": rec.ID}, rec); err != nil {
		s.manager.logger.Warn("session record write failed", "session_id", rec.ID, "error", err)
	}
}

// ID implements protocol.SessionHandle.
func (s *Session) ID() string { return s.snapshot().ID }

// AgentID implements protocol.SessionHandle.
func (s *Session) AgentID() string { return s.snapshot().AgentID }

// Record implements protocol.SessionHandle.
func (s *Session) Record() protocol.SessionRecord { return s.snapshot() }

// Send writes a message to the agent. Strings pass through verbatim; any
// other value is marshaled to JSON.
func (s *Session) Send(v any) error {
	var payload []byte
	switch m := v.(type) {
	case string:
		payload = []byte(m)
	case []byte:
		payload = m
	default:
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// heartbeat pings the agent on the configured interval. A tick that finds
// alive=false means the previous ping got no pong; that is logged but never
// closes the session by itself.
func (s *Session) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			var rec protocol.SessionRecord
			missed := false
			s.withRecord(func(r *protocol.SessionRecord) {
				missed = !r.Alive
				r.Alive = false
				rec = *r
			})
			if missed {
				s.manager.logger.Warn("agent missed heartbeat",
					"session_id", rec.ID,
					"agent_id", rec.AgentID,
				)
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.manager.logger.Debug("heartbeat ping failed", "session_id", rec.ID, "error", err)
			}
		}
	}
}

// readLoop handles inbound frames in receive order until the transport
// closes, then cleans up.
func (s *Session) readLoop(ctx context.Context) {
	defer s.cleanup()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.manager.dispatch(ctx, s, data)
	}
}

// cleanup marks the session closed, stops the heartbeat, closes the socket,
// and resets the agent's state unless it announced a graceful stop. Safe to
// call from either the reader or an explicit shutdown.
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		close(s.done)

		var rec protocol.SessionRecord
		s.withRecord(func(r *protocol.SessionRecord) {
			r.Alive = false
			r.Open = false
			rec = *r
		})
		s.manager.forget(rec.ID)
		_ = s.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		agent, err := s.manager.registry.GetClient(ctx, rec.AgentID)
		if err == nil && !strings.HasPrefix(agent.LastState, "stopped") {
			if err := s.manager.registry.SetState(ctx, rec.AgentID, "unknown"); err != nil {
				s.manager.logger.Warn("agent state reset failed", "agent_id", rec.AgentID, "error", err)
			}
		}

		s.manager.logger.Info("session closed", "session_id", rec.ID, "agent_id", rec.AgentID)
	})
}
