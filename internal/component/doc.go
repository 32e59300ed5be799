// Package component hosts morrigan's plugin components.
//
// # Overview
//
// A component is a named plugin exposing HTTP routes, session message
// providers, optional middleware, and an optional OpenAPI fragment.
// Components register through a static registry assembled at startup; the
// configuration selects which registered names are active.
//
// # Environment
//
// Each component receives a scoped Env at setup:
//
//   - Router mounted at /api/<name> (built-ins may Mount extra bases)
//   - Data: document collections prefixed <name>.<collection>, no Discard
//   - State: a durable key-value namespace
//   - Logger pre-tagged with the component name
//   - ServerInfo and the external base URL
//
// # Isolation
//
// Setup and Shutdown run concurrently across components. An error or panic
// in one hook is recorded in the per-component error map and does not stop
// the others; the server lifecycle still reaches ready. Observers inspect
// Host.Errors() after the transition completes.
package component
