// Package repository declares the storage interfaces the rest of the
// application depends on. Implementations live in sub-packages (sqlite).
//
// Two very different stores hide behind these interfaces:
//
//   - DocumentStore is the remote structured store: a tree of JSON documents
//     addressed by slash paths, with live subscriptions.
//   - KeyValueStore is device-local storage: a flat string map that survives
//     restarts of this device only.
package repository

import (
	"context"
	"encoding/json"

	"github.com/sakif/farmsync/internal/model"
)

// Unsubscribe closes a live subscription. Closing twice is a no-op.
type Unsubscribe func() error

// DocumentStore is the remote structured store.
//
// Paths are slash separated ("users/abc/profile"). Reading a path returns the
// whole subtree below it as one JSON value; writing a path replaces that
// subtree. A JSON null value deletes the subtree.
type DocumentStore interface {
	// Read returns the value at path. ok is false when nothing is stored there.
	Read(ctx context.Context, path string) (value json.RawMessage, ok bool, err error)

	// Write replaces the value at path. value may be any JSON-marshalable
	// Go value, including a json.RawMessage copied verbatim.
	Write(ctx context.Context, path string, value any) error

	// Subscribe delivers the current value at path (nil when absent) once
	// the subscription opens and again after every write that touches the
	// path, one of its ancestors, or one of its descendants. onUpdate is
	// never called on the caller's goroutine, and calls for one subscription
	// never overlap.
	Subscribe(ctx context.Context, path string, onUpdate func(value json.RawMessage)) (Unsubscribe, error)

	// GenerateID returns a new unique child path of collection.
	GenerateID(collection string) string

	// ServerTimestamp returns the store's clock in epoch milliseconds,
	// for use as a written timestamp value.
	ServerTimestamp() int64
}

// KeyValueStore is device-local string storage.
// Get reports ok=false for a missing key; Remove of a missing key is a no-op.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// AccountRepository persists identity-provider accounts.
type AccountRepository interface {
	Create(ctx context.Context, account *model.Account) error
	GetAccountByID(ctx context.Context, uid string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	UpsertGitHub(ctx context.Context, account *model.Account) error
}
