// ABOUTME: Tests for the SQLite document store
// ABOUTME: Covers insert/find/replace/delete, filters, and namespacing

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCollection_InsertAndFindOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("morrigan.clients")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "c1", Name: "alpha", Alive: true}))

	var got testDoc
	require.NoError(t, col.FindOne(ctx, Filter{"id": "c1"}, &got))
	assert.Equal(t, "alpha", got.Name)
	assert.True(t, got.Alive)
}

func TestCollection_InsertDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("docs")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "d1"}))
	err := col.InsertOne(ctx, testDoc{ID: "d1"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCollection_InsertMissingID(t *testing.T) {
	s := newTestStore(t)
	err := s.Collection("docs").InsertOne(context.Background(), map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestCollection_FindOneNotFound(t *testing.T) {
	s := newTestStore(t)
	var got testDoc
	err := s.Collection("docs").FindOne(context.Background(), Filter{"id": "nope"}, &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_FindWithBoolFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("sessions")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "s1", Alive: true}))
	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "s2", Alive: false}))
	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "s3", Alive: true}))

	docs, err := col.Find(ctx, Filter{"alive": true})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = col.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestCollection_FindOrderedByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("docs")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "b"}))
	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "a"}))

	var got testDoc
	require.NoError(t, col.FindOne(ctx, nil, &got))
	assert.Equal(t, "a", got.ID)
}

func TestCollection_ReplaceOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("docs")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "d1", Count: 1}))

	replaced, err := col.ReplaceOne(ctx, Filter{"id": "d1"}, testDoc{ID: "d1", Count: 2})
	require.NoError(t, err)
	assert.True(t, replaced)

	var got testDoc
	require.NoError(t, col.FindOne(ctx, Filter{"id": "d1"}, &got))
	assert.Equal(t, 2, got.Count)

	replaced, err = col.ReplaceOne(ctx, Filter{"id": "missing"}, testDoc{ID: "d9"})
	require.NoError(t, err)
	assert.False(t, replaced)
}

func TestCollection_DeleteOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("docs")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "d1"}))

	deleted, err := col.DeleteOne(ctx, Filter{"id": "d1"})
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = col.DeleteOne(ctx, Filter{"id": "d1"})
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCollection_Discard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	col := s.Collection("docs")

	require.NoError(t, col.InsertOne(ctx, testDoc{ID: "d1"}))
	require.NoError(t, col.Discard(ctx))

	docs, err := col.Find(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestNamespaced_PrefixesCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	child := NewNamespaced(s, "morrigan")
	require.NoError(t, child.Collection("clients").InsertOne(ctx, testDoc{ID: "c1"}))

	// The parent sees the document under the prefixed name.
	var got testDoc
	require.NoError(t, s.Collection("morrigan.clients").FindOne(ctx, Filter{"id": "c1"}, &got))
	assert.Equal(t, "c1", got.ID)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Component setup hooks write concurrently on first start; none of them
	// may surface a busy database.
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 4; i++ {
		col := s.Collection(fmt.Sprintf("writers.c%d", i))
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				errs <- col.InsertOne(ctx, testDoc{ID: id})
			}(fmt.Sprintf("d%d", j))
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	docs, err := s.Collection("writers.c0").Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 10)
}

func TestCollection_InvalidNamePanics(t *testing.T) {
	s := newTestStore(t)
	assert.Panics(t, func() { s.Collection("bad name; drop") })
}
