package domain

import "context"

// SnapshotStore is scoped key-value blob storage for conversation snapshots.
// It stands in for browser local storage: one opaque payload per session key.
type SnapshotStore interface {
	// Get returns the stored payload for key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte) error
	Clear(ctx context.Context, key string) error
}
