package store

import (
	"context"

	"github.com/hyperengineering/calcsync/internal/types"
)

// Store defines the contract of the local history replica.
// Implementations are single-writer: only the store worker mutates them.
type Store interface {
	Insert(ctx context.Context, r types.Record) error
	Merge(ctx context.Context, snap types.Snapshot) (*MergeResult, error)
	ListAll(ctx context.Context) ([]types.Record, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// MergeResult reports what a single Merge changed.
type MergeResult struct {
	Upserted int
	Deleted  int
}
