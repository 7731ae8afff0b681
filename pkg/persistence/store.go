// Package persistence snapshots the conversation store to durable storage and
// restores it on startup.
package persistence

import (
	"context"

	"github.com/pkg/errors"
)

// DefaultSnapshotKey is the key the conversation list is stored under.
const DefaultSnapshotKey = "chatList"

var ErrStoreClosed = errors.New("snapshot store is closed")

// SnapshotStore is a durable key/value slot for serialized snapshots.
type SnapshotStore interface {
	// Load returns the payload stored under key. ok is false if nothing was stored.
	Load(ctx context.Context, key string) (payload []byte, ok bool, err error)
	Save(ctx context.Context, key string, payload []byte) error
	Close() error
}

// UpdateFunc computes a new payload from the current one.
type UpdateFunc func(current []byte, ok bool) ([]byte, error)

// Updater is implemented by stores that can run a read-modify-write atomically.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Update runs fn against the payload stored under key and saves the result.
// Stores implementing Updater do this atomically; for the others it is a plain
// load followed by a save.
func Update(ctx context.Context, store SnapshotStore, key string, fn UpdateFunc) error {
	if u, ok := store.(Updater); ok {
		return u.Update(ctx, key, fn)
	}
	current, ok, err := store.Load(ctx, key)
	if err != nil {
		return errors.Wrap(err, "load snapshot")
	}
	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	return errors.Wrap(store.Save(ctx, key, next), "save snapshot")
}
