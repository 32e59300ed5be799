// Package session maintains live agent WebSocket sessions.
//
// An agent authenticates its upgrade request with a bearer token in the
// Authorization header. Each accepted session gets a persisted record, a
// heartbeat ticker, and a reader goroutine that routes typed frames through
// the component host's provider registry. The cluster holds at most one
// live session per agent: a live record anywhere rejects new connections,
// and a post-insert re-check yields to a concurrent session with an earlier
// time-ordered id.
//
// Missed heartbeats are observed and logged but never close a session; the
// transport closing does. Cleanup marks the record dead, stops the ticker,
// and resets the agent's state to unknown unless it reported a graceful
// stop.
package session
