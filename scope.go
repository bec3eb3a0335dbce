package storagekit

import (
	"context"
	"errors"
)

// ErrNoStorage is returned by Current when the context carries no storage.
var ErrNoStorage = errors.New("no storage in context")

type contextKey string

const storageKey contextKey = "storage"

// WithStorage returns a context carrying s as the current storage. Call trees
// that need a default backend read it back with FromContext instead of
// relying on process-wide state.
func WithStorage(ctx context.Context, s Storage) context.Context {
	return context.WithValue(ctx, storageKey, s)
}

// FromContext returns the storage set by WithStorage.
func FromContext(ctx context.Context) (Storage, bool) {
	s, ok := ctx.Value(storageKey).(Storage)
	return s, ok && s != nil
}

// Current returns the storage set by WithStorage, or ErrNoStorage.
func Current(ctx context.Context) (Storage, error) {
	if s, ok := FromContext(ctx); ok {
		return s, nil
	}
	return nil, ErrNoStorage
}
