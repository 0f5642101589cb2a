// Package store persists the board ledger as a single versioned document
// with serialized read-modify-write semantics, plus the dead-letter queue
// for events that could not be applied.
package store

import (
	"context"

	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/resilience"
)

// Mutation is applied to the latest committed ledger snapshot inside a
// single read-modify-write unit. Returning changed=false commits nothing
// and is not an error. An error from the mutation aborts the commit and
// is returned to the caller unchanged.
type Mutation func(l *model.Ledger) (changed bool, err error)

// Store defines the persistence contract for the ribbon ledger.
//
// WithLedger serializes all mutations: every invocation observes the
// latest committed ledger and commits atomically, guarded by the ledger
// version. Lost version races and lock contention are retried with
// bounded backoff; exhaustion surfaces the underlying store error.
type Store interface {
	WithLedger(ctx context.Context, fn Mutation) error

	// Snapshot returns the latest committed ledger without mutating it.
	Snapshot(ctx context.Context) (*model.Ledger, error)

	// Dead-letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	DeleteDLQ(ctx context.Context, id string) error
	DLQDepth(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
