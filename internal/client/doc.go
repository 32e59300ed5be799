// Package client manages provisioned agents and their long-lived tokens.
//
// Provisioning is idempotent by agent id: the first call creates the record,
// every call replaces the token. Because the token service keeps one
// verification record per subject, reprovisioning revokes the previous token
// across the whole cluster. Agent tokens travel with a base64 agent-id
// prefix used only to locate records cheaply; verification trusts the kid.
//
// The registry doubles as the session-bus provider for the client and
// capability message families.
package client
