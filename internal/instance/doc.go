// Package instance publishes this server's liveness row for cluster peers.
package instance
