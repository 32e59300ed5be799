// ABOUTME: Namespaced data store views handed to components
// ABOUTME: Prefixes collection names with the component name and hides Discard

package store

import (
	"context"
	"encoding/json"
)

// ComponentCollection is the collection surface exposed to components.
// It is Collection without Discard: components must not drop shared data.
type ComponentCollection interface {
	InsertOne(ctx context.Context, v any) error
	FindOne(ctx context.Context, filter Filter, out any) error
	Find(ctx context.Context, filter Filter) ([]json.RawMessage, error)
	ReplaceOne(ctx context.Context, filter Filter, v any) (bool, error)
	DeleteOne(ctx context.Context, filter Filter) (bool, error)
}

// ComponentDataStore provides namespaced collections to a single component.
type ComponentDataStore interface {
	Collection(name string) ComponentCollection
}

// Namespaced scopes a DataStore to one component. Collection "clients"
// requested by component "morrigan" resolves to "morrigan.clients".
type Namespaced struct {
	parent DataStore
	prefix string
}

// NewNamespaced wraps parent so all collection names carry the component
// prefix.
func NewNamespaced(parent DataStore, component string) *Namespaced {
	return &Namespaced{parent: parent, prefix: component + "."}
}

// Collection returns the restricted view of the prefixed collection.
func (n *Namespaced) Collection(name string) ComponentCollection {
	return restricted{n.parent.Collection(n.prefix + name)}
}

// restricted narrows a Collection to ComponentCollection.
type restricted struct {
	Collection
}
