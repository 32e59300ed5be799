// Package server drives the process lifecycle and assembles the pieces.
//
// The lifecycle is a strict total order: INSTANCED, INITIALIZING,
// INITIALIZED, STARTING, STARTING_CONNECTED, STARTED, READY, STOPPING,
// STOPPED, with a terminal ERROR reachable from any state before STOPPING —
// including READY, when the listener dies. Observers see each transition
// exactly once. Stop is valid only from READY and is a silent
// no-op elsewhere, so signal handlers can call it unconditionally;
// concurrent stops collapse to one execution.
package server
