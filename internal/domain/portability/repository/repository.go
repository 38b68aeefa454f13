// Package repository provides owner scoped storage for the portability engine.
package repository

import (
	"context"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
)

// Reader reads one owner's rows from a consistent snapshot. It is safe for
// concurrent use by the callbacks of a single Snapshot.
type Reader interface {
	// Rows returns every row of e ordered by primary key ascending.
	Rows(ctx context.Context, e graph.Entity) ([]document.Row, error)
	Count(ctx context.Context, e graph.Entity) (int64, error)
}

// Writer mutates one owner's rows inside a single atomic unit.
type Writer interface {
	// ExistingIDs returns the subset of ids the owner already has for e.
	ExistingIDs(ctx context.Context, e graph.Entity, ids []string) (map[string]bool, error)
	Insert(ctx context.Context, e graph.Entity, row document.Row) error
	Update(ctx context.Context, e graph.Entity, row document.Row) error
}

// Store hands out owner bound readers and writers. There is no way to reach
// rows without naming their owner.
type Store interface {
	// Snapshot runs fn against a read-only view that no concurrent Apply for
	// the same owner can change while fn runs.
	Snapshot(ctx context.Context, owner portability.OwnerID, fn func(ctx context.Context, r Reader) error) error
	// Apply runs fn while holding the owner's exclusive lock. Every write fn
	// performs is committed if fn returns nil and discarded otherwise.
	Apply(ctx context.Context, owner portability.OwnerID, fn func(ctx context.Context, w Writer) error) error
}
