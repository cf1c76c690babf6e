// Package spool implements the durable, content-addressable message
// store: two parallel stores (data, meta), pluggable backends, and
// crash-safe startup enumeration. The disk layout and the "read meta
// first, verify data exists, drop dangling files" recovery strategy
// generalize a single file-per-id layout into a Backend interface so a
// second, sqlite-based backend can implement the same contract.
package spool

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Load/LoadMeta when id is not present.
var ErrNotFound = errors.New("spool: message not found")

// Meta is the envelope/metadata/due/expires/attempt record stored
// alongside a message's body, serialized by the backend (JSON for the
// file backend, a BLOB column for the sqlite backend).
type Meta struct {
	ID string
	From string
	To []string
	Metadata map[string]interface{}
	DueUnixNano int64
	ExpiresUnixNano int64
	Attempts int
}

// Backend is the storage contract both the file-based and sqlite-based
// spool implementations satisfy.
type Backend interface {
	// Store writes body and meta for id. If forceSync is set, Store does
	// not return until the write is durably on disk: a per-message
	// force_sync flag that turns the next store into a fully-flushed
	// write instead of a buffered one.
	Store(ctx context.Context, id string, body io.Reader, meta Meta, forceSync bool) error

	// Load returns a reader over the stored body and the associated Meta.
	// The caller must Close the reader.
	Load(ctx context.Context, id string) (io.ReadCloser, Meta, error)

	// LoadMeta returns only the Meta, without opening the body.
	LoadMeta(ctx context.Context, id string) (Meta, error)

	// Remove deletes both the body and meta for id. It does not error if
	// id is already absent.
	Remove(ctx context.Context, id string) error

	// Enumerate calls fn once per stored id, in implementation-defined
	// order, used to reconstitute scheduled queues on startup. Enumerate
	// stops and returns fn's error if fn returns non-nil.
	Enumerate(ctx context.Context, fn func(id string) error) error

	// Close releases any resources (file handles, DB connections) held
	// by the backend.
	Close() error
}

// Spool is the façade QueueManager and the reception collaborator use;
// it is a thin pass-through to Backend today, kept as its own type so a
// future version can add cross-backend concerns (metrics, body hash
// verification) without changing every call site.
type Spool struct {
	backend Backend
}

// New wraps backend in a Spool.
func New(backend Backend) *Spool {
	return &Spool{backend: backend}
}

func (s *Spool) Store(ctx context.Context, id string, body io.Reader, meta Meta, forceSync bool) error {
	return s.backend.Store(ctx, id, body, meta, forceSync)
}

func (s *Spool) Load(ctx context.Context, id string) (io.ReadCloser, Meta, error) {
	return s.backend.Load(ctx, id)
}

func (s *Spool) LoadMeta(ctx context.Context, id string) (Meta, error) {
	return s.backend.LoadMeta(ctx, id)
}

func (s *Spool) Remove(ctx context.Context, id string) error {
	return s.backend.Remove(ctx, id)
}

func (s *Spool) Enumerate(ctx context.Context, fn func(id string) error) error {
	return s.backend.Enumerate(ctx, fn)
}

func (s *Spool) Close() error {
	return s.backend.Close()
}
