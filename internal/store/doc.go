// Package store provides morrigan's two persistence surfaces.
//
// # Document store
//
// DataStore holds named collections of JSON documents, backed by SQLite.
// Collections are shared across server instances that point at the same
// database and act as the cluster coordination point for token records,
// sessions, and instance liveness rows.
//
// Core collections (namespaced by the owning component):
//
//	auth.identities        operator accounts
//	auth.authentications   credential records
//	auth.tokens            operator token verification records
//	morrigan.clients       agent records
//	morrigan.clientTokens  agent token verification records
//	morrigan.connections   live session records
//	morrigan.instances     server liveness rows
//
// Components receive a ComponentDataStore via their environment: collection
// names are prefixed with the component name and Discard is not exposed.
//
// # State store
//
// StateStore is a durable ordered key to bytes store for small per-component
// state, kept on the filesystem under the configured state directory.
package store
