// Package objectstore provides the typed get/put/head/list/delete facade over a
// weakly-consistent S3-compatible object store, including compare-and-swap
// semantics via conditional put.
package objectstore

import (
	"context"
	"errors"
)

// Sentinel error kinds. StorageError is the catch-all transport/server error;
// NotFound and PreconditionFailed are distinguished so callers (the run
// orchestrator and publication protocol) can branch on them with errors.Is.
var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("objectstore: key not found")
	// ErrPreconditionFailed is returned when a conditional put's ifMatch etag
	// does not match the object's current etag.
	ErrPreconditionFailed = errors.New("objectstore: precondition failed")
	// ErrStorage wraps any other transport or server error from the backing store.
	ErrStorage = errors.New("objectstore: storage error")
)

// ObjectMeta is returned by Head: the object's current etag and size.
type ObjectMeta struct {
	ETag string
	Size int64
}

// IfAbsent is a sentinel ifMatch value meaning "create only if the key does
// not currently exist" (HTTP's If-None-Match: *). Used for the very first
// CurrentPointer write of a dataset, where no prior etag exists to condition on.
const IfAbsent = "*"

// Store is the object store facade (C1). Every implementation must treat keys
// as opaque strings and report NotFound, PreconditionFailed, and generic
// storage errors as distinct kinds via errors.Is.
type Store interface {
	// Get returns the object bytes at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes bytes at key with the given content type. An empty ifMatch
	// writes unconditionally. IfAbsent writes only if the key does not exist
	// yet; any other ifMatch writes only if the object's current etag equals
	// it. A failed condition returns ErrPreconditionFailed. Returns the etag
	// of the written object.
	Put(ctx context.Context, key string, body []byte, contentType string, ifMatch string) (etag string, err error)

	// Head returns the object's etag and size, or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// List returns every key under prefix, lexically ordered, paginating
	// internally until exhausted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
