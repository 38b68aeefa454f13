// Package servicetest provides an in-memory repository.Store for tests.
package servicetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/repository"
)

type tables map[string]map[string]document.Row

func (t tables) clone() tables {
	out := make(tables, len(t))
	for entity, rows := range t {
		m := make(map[string]document.Row, len(rows))
		for id, row := range rows {
			m[id] = row.Clone()
		}
		out[entity] = m
	}
	return out
}

// Store keeps every owner's rows in memory and enforces the same primary and
// foreign key rules as the Postgres schema. Apply works on a copy that only
// replaces the owner's data when fn succeeds.
type Store struct {
	mu     sync.RWMutex
	graph  *graph.Descriptor
	owners map[portability.OwnerID]tables

	// WriteHook, when set, runs before every Insert and Update. Returning an
	// error fails the write.
	WriteHook func(ctx context.Context, entity string, row document.Row) error
}

var _ repository.Store = (*Store)(nil)

// NewStore returns an empty store for the entities of d.
func NewStore(d *graph.Descriptor) *Store {
	return &Store{graph: d, owners: make(map[portability.OwnerID]tables)}
}

// Seed stores rows for owner without running any checks.
func (s *Store) Seed(owner portability.OwnerID, entity string, rows ...document.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.graph.Entity(entity)
	t := s.tablesFor(owner)
	for _, row := range rows {
		t[entity][row.ID(e.PrimaryKey)] = row.Clone()
	}
}

// Rows returns owner's rows of entity ordered by primary key.
func (s *Store) Rows(owner portability.OwnerID, entity string) []document.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedRows(s.owners[owner][entity])
}

// Total counts every row owner has.
func (s *Store) Total(owner portability.OwnerID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rows := range s.owners[owner] {
		n += len(rows)
	}
	return n
}

func (s *Store) tablesFor(owner portability.OwnerID) tables {
	t, ok := s.owners[owner]
	if !ok {
		t = make(tables)
		s.owners[owner] = t
	}
	for _, key := range s.graph.Keys() {
		if _, ok := t[key]; !ok {
			t[key] = make(map[string]document.Row)
		}
	}
	return t
}

// Snapshot implements repository.Store.
func (s *Store) Snapshot(ctx context.Context, owner portability.OwnerID, fn func(ctx context.Context, r repository.Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(ctx, &reader{data: s.owners[owner]})
}

// Apply implements repository.Store.
func (s *Store) Apply(ctx context.Context, owner portability.OwnerID, fn func(ctx context.Context, w repository.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.tablesFor(owner).clone()
	w := &writer{store: s, data: working}
	if err := fn(ctx, w); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.owners[owner] = working
	return nil
}

func sortedRows(rows map[string]document.Row) []document.Row {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]document.Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, rows[id].Clone())
	}
	return out
}

type reader struct {
	data tables
}

func (r *reader) Rows(ctx context.Context, e graph.Entity) ([]document.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sortedRows(r.data[e.Key]), nil
}

func (r *reader) Count(ctx context.Context, e graph.Entity) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(r.data[e.Key])), nil
}

type writer struct {
	store *Store
	data  tables
}

func (w *writer) ExistingIDs(ctx context.Context, e graph.Entity, ids []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for _, id := range ids {
		if _, ok := w.data[e.Key][id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

func (w *writer) check(ctx context.Context, e graph.Entity, row document.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.store.WriteHook != nil {
		if err := w.store.WriteHook(ctx, e.Key, row); err != nil {
			return err
		}
	}
	for _, ref := range e.Refs {
		v := row.ID(ref.Column)
		if v == "" {
			continue
		}
		if _, ok := w.data[ref.Target][v]; !ok {
			return fmt.Errorf("foreign key violation: %s.%s = %q has no %s row", e.Table, ref.Column, v, ref.Target)
		}
	}
	return nil
}

func (w *writer) Insert(ctx context.Context, e graph.Entity, row document.Row) error {
	if err := w.check(ctx, e, row); err != nil {
		return err
	}
	id := row.ID(e.PrimaryKey)
	if _, exists := w.data[e.Key][id]; exists {
		return fmt.Errorf("duplicate key: %s %q", e.Table, id)
	}
	w.data[e.Key][id] = row.Clone()
	return nil
}

func (w *writer) Update(ctx context.Context, e graph.Entity, row document.Row) error {
	if err := w.check(ctx, e, row); err != nil {
		return err
	}
	id := row.ID(e.PrimaryKey)
	if _, exists := w.data[e.Key][id]; !exists {
		return fmt.Errorf("no %s row %q to update", e.Table, id)
	}
	w.data[e.Key][id] = row.Clone()
	return nil
}
