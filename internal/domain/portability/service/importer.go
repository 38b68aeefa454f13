package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/remap"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/repository"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/stats"
)

type action int

const (
	actionInsert action = iota
	actionUpdate
	actionSkip
)

type plannedRow struct {
	remap.Planned
	action action
}

type step struct {
	entity graph.Entity
	rows   []plannedRow
}

// Importer restores a document into an owner's store in one atomic unit.
type Importer struct {
	store        repository.Store
	graph        *graph.Descriptor
	timeout      time.Duration
	newID        remap.IDGenerator
	maxConflicts int
	logger       *slog.Logger
}

func NewImporter(store repository.Store, d *graph.Descriptor, timeout time.Duration, newID remap.IDGenerator, logger *slog.Logger) *Importer {
	if newID == nil {
		newID = remap.NewUUID
	}
	return &Importer{
		store:        store,
		graph:        d,
		timeout:      timeout,
		newID:        newID,
		maxConflicts: portability.MaxReportedConflicts,
		logger:       logger,
	}
}

// Import parses payload and applies it for owner.
func (im *Importer) Import(ctx context.Context, owner portability.OwnerID, payload []byte, opts portability.Options) (portability.ResultSummary, error) {
	doc, err := document.Parse(payload, im.graph)
	if err != nil {
		return portability.ResultSummary{}, err
	}
	return im.ImportDocument(ctx, owner, doc, opts)
}

// ImportDocument validates references, plans identifiers and writes every row
// under the owner's exclusive lock. Nothing is persisted unless every planned
// row is written.
func (im *Importer) ImportDocument(ctx context.Context, owner portability.OwnerID, doc *document.Document, opts portability.Options) (portability.ResultSummary, error) {
	if im.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, im.timeout)
		defer cancel()
	}

	var summary portability.ResultSummary
	err := im.store.Apply(ctx, owner, func(ctx context.Context, w repository.Writer) error {
		steps, err := im.plan(ctx, w, doc, opts)
		if err != nil {
			return err
		}
		summary, err = im.apply(ctx, w, steps)
		return err
	})
	if err != nil {
		return portability.ResultSummary{}, im.classify(ctx, err)
	}
	return summary, nil
}

func (im *Importer) classify(ctx context.Context, err error) error {
	if portability.IsValidation(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &portability.TimeoutError{Budget: im.timeout, Cause: err}
	}
	if _, ok := portability.CodeOf(err); ok {
		return err
	}
	return &portability.StorageError{Row: portability.NoRow, Cause: err}
}

// eachReference visits every non null foreign key of doc in write order.
func (im *Importer) eachReference(doc *document.Document, fn func(e graph.Entity, row int, ref graph.Ref, value string) error) error {
	for _, e := range im.graph.Entities() {
		for i, row := range doc.Rows(e.Key) {
			for _, ref := range e.Refs {
				v := row.ID(ref.Column)
				if v == "" {
					continue
				}
				if err := fn(e, i, ref, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// resolveReferences fails with the first reference, in document order, that
// points neither at a row of doc nor at a row the owner already has.
func (im *Importer) resolveReferences(ctx context.Context, w repository.Writer, doc *document.Document) error {
	inDoc := make(map[string]map[string]bool)
	for _, e := range im.graph.Entities() {
		ids := make(map[string]bool)
		for _, row := range doc.Rows(e.Key) {
			ids[row.ID(e.PrimaryKey)] = true
		}
		inDoc[e.Key] = ids
	}

	unresolved := make(map[string]map[string]bool)
	_ = im.eachReference(doc, func(_ graph.Entity, _ int, ref graph.Ref, v string) error {
		if inDoc[ref.Target][v] {
			return nil
		}
		if unresolved[ref.Target] == nil {
			unresolved[ref.Target] = make(map[string]bool)
		}
		unresolved[ref.Target][v] = true
		return nil
	})
	if len(unresolved) == 0 {
		return nil
	}

	stored := make(map[string]map[string]bool)
	for _, e := range im.graph.Entities() {
		pending := unresolved[e.Key]
		if len(pending) == 0 {
			continue
		}
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		found, err := w.ExistingIDs(ctx, e, ids)
		if err != nil {
			return &portability.StorageError{Entity: e.Key, Row: portability.NoRow, Cause: err}
		}
		stored[e.Key] = found
	}

	return im.eachReference(doc, func(e graph.Entity, row int, ref graph.Ref, v string) error {
		if inDoc[ref.Target][v] || stored[ref.Target][v] {
			return nil
		}
		return &portability.DanglingReferenceError{Entity: e.Key, Row: row, Field: ref.Column, Value: v}
	})
}

// plan computes every row to write before the first write happens.
func (im *Importer) plan(ctx context.Context, w repository.Writer, doc *document.Document, opts portability.Options) ([]step, error) {
	if err := im.resolveReferences(ctx, w, doc); err != nil {
		return nil, err
	}

	table := remap.NewTable()
	entities := im.graph.Entities()
	steps := make([]step, 0, len(entities))
	for _, e := range entities {
		res, err := remap.Entity(e, doc.Rows(e.Key), table, opts, im.newID)
		if err != nil {
			return nil, err
		}
		table.Merge(e.Key, res.IDs)

		existing := map[string]bool{}
		if opts.PreserveIDs && len(res.Rows) > 0 {
			ids := make([]string, len(res.Rows))
			for i, p := range res.Rows {
				ids[i] = p.ID(e)
			}
			existing, err = w.ExistingIDs(ctx, e, ids)
			if err != nil {
				return nil, &portability.StorageError{Entity: e.Key, Row: portability.NoRow, Cause: err}
			}
		}

		s := step{entity: e, rows: make([]plannedRow, 0, len(res.Rows))}
		for _, p := range res.Rows {
			a := actionInsert
			if existing[p.ID(e)] {
				a = actionSkip
				if opts.Overwrites() {
					a = actionUpdate
				}
			}
			s.rows = append(s.rows, plannedRow{Planned: p, action: a})
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// apply writes the planned rows strictly in order, one at a time.
func (im *Importer) apply(ctx context.Context, w repository.Writer, steps []step) (portability.ResultSummary, error) {
	c := stats.New(im.graph.Keys(), im.maxConflicts)
	for _, s := range steps {
		key := s.entity.Key
		for _, p := range s.rows {
			if err := ctx.Err(); err != nil {
				return portability.ResultSummary{}, err
			}

			var err error
			switch p.action {
			case actionSkip:
				c.Skipped(&portability.ConflictError{Entity: key, Row: p.Index, ID: p.SourceID})
				continue
			case actionUpdate:
				if err = w.Update(ctx, s.entity, p.Row); err == nil {
					c.Updated(key)
				}
			default:
				if err = w.Insert(ctx, s.entity, p.Row); err == nil {
					c.Inserted(key)
				}
			}
			if err != nil {
				c.Failed(key)
				im.logger.WarnContext(ctx, "row write failed, rolling back import",
					slog.String("entity", key),
					slog.Int("row", p.Index),
					slog.Any("progress", c.Summary().Statistics),
					slog.Any("error", err))
				return portability.ResultSummary{}, &portability.StorageError{Entity: key, Row: p.Index, Cause: err}
			}
		}
	}
	return c.Summary(), nil
}
