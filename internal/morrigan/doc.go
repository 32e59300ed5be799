// Package morrigan is the built-in agent management component.
//
// It wires the agent registry and the session manager into the component
// host, mounting the /api/client surface (provisioning, records) and the
// /api/connection surface (session records, server-to-agent send, and the
// WebSocket upgrade endpoint). Its message providers handle the client and
// capability frame families on the session bus.
package morrigan
