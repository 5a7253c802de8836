// Package store defines the keyed document store contract every
// coordination component is built on: plain reads/writes, atomic
// read-verify-write transactions, and snapshot subscriptions.
//
// Two implementations exist: an in-memory store backing local game modes
// and tests, and a Redis-backed store for networked play.
package store

import (
	"context"
	"encoding/json"

	"github.com/skovert/arbiter/internal/apperr"
)

// Doc is a full snapshot of one document. Version increments on every
// committed write; it exists so transactions can verify their read set.
type Doc struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the document body into v.
func (d Doc) Decode(v interface{}) error {
	return json.Unmarshal(d.Data, v)
}

// Event is one subscription notification. Consumers must treat every event
// as a full snapshot (never a delta) and tolerate duplicates and reordering.
type Event struct {
	Doc     Doc
	Deleted bool
}

// Tx is the handle passed to an Update function. Reads performed through it
// form the transaction's verify set; writes, creates, and deletes are staged
// and applied atomically only if no read document changed in the meantime.
type Tx interface {
	// Get reads a document and adds it to the verify set. Returns
	// apperr.ErrNotFound if the key is absent (the absence is verified too).
	Get(key string) (Doc, error)

	// Put stages an overwrite of key with the JSON encoding of v.
	Put(key string, v interface{}) error

	// Create stages a creation; the commit aborts with apperr.ErrConflict if
	// the key exists by commit time.
	Create(key string, v interface{}) error

	// Delete stages a removal of key.
	Delete(key string)
}

// Store is the document store contract.
//
// Update runs fn against a transaction handle and commits its staged writes
// atomically. If any document read through the handle changed (or any
// created key appeared) between read and commit, Update returns
// apperr.ErrConflict without partial effect. The store never retries; the
// caller decides between fallback and no-op.
type Store interface {
	Get(ctx context.Context, key string) (Doc, error)
	List(ctx context.Context, prefix string) ([]Doc, error)

	// Put unconditionally overwrites a document. Reserved for documents with
	// a single writer or purely derived content; contested documents go
	// through Update.
	Put(ctx context.Context, key string, v interface{}) error

	// CreateIfAbsent writes the document only if the key does not exist.
	// Returns false if it already did.
	CreateIfAbsent(ctx context.Context, key string, v interface{}) (bool, error)

	Delete(ctx context.Context, key string) error

	Update(ctx context.Context, fn func(tx Tx) error) error

	// Subscribe streams events for every document whose key starts with
	// prefix, beginning with a snapshot of the current matching documents.
	// Delivery is at-least-once. The returned cancel func stops delivery and
	// closes the channel; in-flight events may still arrive before close.
	Subscribe(ctx context.Context, prefix string) (<-chan Event, func())
}

// NotFound reports whether err marks a missing document.
func NotFound(err error) bool { return apperr.IsNotFound(err) }
