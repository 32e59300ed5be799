// ABOUTME: Store interfaces and shared types for morrigan persistence
// ABOUTME: Defines the document DataStore, Collection operations, and the byte StateStore

package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested document or key does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when inserting a document whose id already exists.
var ErrDuplicateID = errors.New("duplicate document id")

// ErrMissingID is returned when inserting a document without an "id" field.
var ErrMissingID = errors.New("document has no id field")

// Filter selects documents by equality on top-level JSON fields.
// A nil or empty filter matches every document in the collection.
type Filter map[string]any

// Collection is a named set of JSON documents. Every document carries a
// unique string "id" field.
type Collection interface {
	// InsertOne stores a new document. The value must marshal to a JSON
	// object with a non-empty "id" field.
	InsertOne(ctx context.Context, v any) error

	// FindOne unmarshals the first matching document into out.
	// Returns ErrNotFound when nothing matches.
	FindOne(ctx context.Context, filter Filter, out any) error

	// Find returns all matching documents ordered by id.
	Find(ctx context.Context, filter Filter) ([]json.RawMessage, error)

	// ReplaceOne replaces the first matching document with v.
	// Returns false when nothing matched.
	ReplaceOne(ctx context.Context, filter Filter, v any) (bool, error)

	// DeleteOne removes the first matching document.
	// Returns false when nothing matched.
	DeleteOne(ctx context.Context, filter Filter) (bool, error)

	// Discard drops the entire collection. Hidden from component-scoped
	// delegates; only core services may call it.
	Discard(ctx context.Context) error
}

// DataStore provides named collections backed by a shared database.
type DataStore interface {
	// Collection returns a handle for the named collection, creating it
	// lazily on first write.
	Collection(name string) Collection

	// Close releases the underlying database.
	Close() error
}

// StateStore is a durable ordered key to bytes store. Each component
// receives its own namespace.
type StateStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error

	// List returns all keys in lexical order.
	List() ([]string, error)
}
