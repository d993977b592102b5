package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_GetNotFound(t *testing.T) {
	s := NewMemStore()

	_, err := s.Get(context.Background(), "missing")

	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemStore_PutThenGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	etag, err := s.Put(ctx, "k", []byte("hello"), "text/plain", "")
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	body, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)
}

func TestMemStore_IfAbsentRejectsExisting(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "k", []byte("v1"), "text/plain", IfAbsent)
	require.NoError(t, err)

	_, err = s.Put(ctx, "k", []byte("v2"), "text/plain", IfAbsent)
	assert.True(t, errors.Is(err, ErrPreconditionFailed))
}

func TestMemStore_IfMatchCAS(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	etag, err := s.Put(ctx, "k", []byte("v1"), "text/plain", "")
	require.NoError(t, err)

	_, err = s.Put(ctx, "k", []byte("v2"), "text/plain", "stale-etag")
	assert.True(t, errors.Is(err, ErrPreconditionFailed))

	_, err = s.Put(ctx, "k", []byte("v2"), "text/plain", etag)
	assert.NoError(t, err)
}

func TestMemStore_HeadReturnsEtagAndSize(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	etag, err := s.Put(ctx, "k", []byte("hello"), "text/plain", "")
	require.NoError(t, err)

	meta, err := s.Head(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, etag, meta.ETag)
	assert.Equal(t, int64(5), meta.Size)
}

func TestMemStore_ListLexicallyOrdered(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, k := range []string{"a/2", "a/1", "b/1"} {
		_, err := s.Put(ctx, k, []byte("x"), "text/plain", "")
		require.NoError(t, err)
	}

	keys, err := s.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestMemStore_DeleteAbsentIsNotError(t *testing.T) {
	s := NewMemStore()

	err := s.Delete(context.Background(), "missing")

	assert.NoError(t, err)
}
