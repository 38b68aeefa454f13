package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/repository"
)

// Exporter serializes one owner's graph from a single consistent snapshot.
type Exporter struct {
	store   repository.Store
	graph   *graph.Descriptor
	workers int
	now     func() time.Time
}

func NewExporter(store repository.Store, d *graph.Descriptor, workers int) *Exporter {
	if workers < 1 {
		workers = 1
	}
	return &Exporter{store: store, graph: d, workers: workers, now: time.Now}
}

// Export reads every entity for owner and returns the complete document, or an
// *portability.ExportError. Reads of different entities run concurrently inside
// the same snapshot; the document lists entities in write order regardless.
func (x *Exporter) Export(ctx context.Context, owner portability.OwnerID) (*document.Document, error) {
	doc := document.New(owner, x.now())
	entities := x.graph.Entities()
	sections := make([]document.Section, len(entities))

	err := x.store.Snapshot(ctx, owner, func(ctx context.Context, r repository.Reader) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(x.workers)
		for i, e := range entities {
			g.Go(func() error {
				rows, err := r.Rows(gctx, e)
				if err != nil {
					return &portability.StorageError{Entity: e.Key, Row: portability.NoRow, Cause: err}
				}
				if rows == nil {
					rows = []document.Row{}
				}
				sections[i] = document.Section{Entity: e.Key, Rows: rows}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		var storageErr *portability.StorageError
		if !errors.As(err, &storageErr) {
			err = &portability.StorageError{Row: portability.NoRow, Cause: err}
		}
		return nil, &portability.ExportError{Cause: err}
	}

	doc.Sections = sections
	return doc, nil
}
