// Package remap assigns target identifiers to imported rows and rewrites their
// foreign keys.
package remap

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
)

// IDGenerator produces a fresh identifier per call.
type IDGenerator func() string

// NewUUID is the production IDGenerator.
func NewUUID() string { return uuid.NewString() }

// Table maps (entity type, old id) to the id written to the store.
type Table struct {
	ids map[string]map[string]string
}

// NewTable returns an empty remap table.
func NewTable() *Table {
	return &Table{ids: make(map[string]map[string]string)}
}

// Lookup returns the target id assigned to old.
func (t *Table) Lookup(entity, old string) (string, bool) {
	id, ok := t.ids[entity][old]
	return id, ok
}

// Merge records the entries produced for entity.
func (t *Table) Merge(entity string, ids map[string]string) {
	m, ok := t.ids[entity]
	if !ok {
		m = make(map[string]string, len(ids))
		t.ids[entity] = m
	}
	for old, id := range ids {
		m[old] = id
	}
}

// Len reports how many ids of entity have been assigned.
func (t *Table) Len(entity string) int {
	return len(t.ids[entity])
}

// Planned is a row ready to write.
type Planned struct {
	// Index is the row's position in the document array.
	Index int
	// SourceID is the id the document used.
	SourceID string
	Row      document.Row
}

// ID is the identifier the row is written with.
func (p Planned) ID(e graph.Entity) string {
	return p.Row.ID(e.PrimaryKey)
}

// Result is the output of remapping one entity type.
type Result struct {
	// Rows are in write order: a row referencing another row of the same
	// entity comes after it.
	Rows []Planned
	// IDs holds the old to new entries to merge into the accumulated Table.
	IDs map[string]string
}

// Entity remaps the rows of e. It does not modify rows or table.
//
// References that are neither in table nor among rows are left untouched; they
// point at rows the owner already has in the store.
func Entity(e graph.Entity, rows []document.Row, table *Table, opts portability.Options, gen IDGenerator) (Result, error) {
	ids := make(map[string]string, len(rows))
	issued := make(map[string]bool, len(rows))
	for _, row := range rows {
		old := row.ID(e.PrimaryKey)
		if opts.PreserveIDs {
			ids[old] = old
			continue
		}
		id := gen()
		for issued[id] {
			id = gen()
		}
		issued[id] = true
		ids[old] = id
	}

	order, err := writeOrder(e, rows)
	if err != nil {
		return Result{}, err
	}

	planned := make([]Planned, 0, len(rows))
	for _, i := range order {
		src := rows[i]
		out := src.Clone()
		out[e.PrimaryKey] = ids[src.ID(e.PrimaryKey)]
		for _, ref := range e.Refs {
			v := src.ID(ref.Column)
			if v == "" {
				continue
			}
			if ref.Target == e.Key {
				if id, ok := ids[v]; ok {
					out[ref.Column] = id
				}
				continue
			}
			if id, ok := table.Lookup(ref.Target, v); ok {
				out[ref.Column] = id
			}
		}
		planned = append(planned, Planned{Index: i, SourceID: src.ID(e.PrimaryKey), Row: out})
	}

	return Result{Rows: planned, IDs: ids}, nil
}

// writeOrder returns row indexes such that every row comes after the rows of
// the same entity it references. Rows without such a dependency keep their
// document order.
func writeOrder(e graph.Entity, rows []document.Row) ([]int, error) {
	order := make([]int, 0, len(rows))
	selfRefs := e.SelfRefs()
	if len(selfRefs) == 0 {
		for i := range rows {
			order = append(order, i)
		}
		return order, nil
	}

	position := make(map[string]int, len(rows))
	for i, row := range rows {
		position[row.ID(e.PrimaryKey)] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(rows))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return &portability.InvalidFormatError{
				Entity: e.Key, Row: i, Field: selfRefs[0].Column,
				Reason: fmt.Sprintf("self reference cycle through %q", rows[i].ID(e.PrimaryKey)),
			}
		}
		state[i] = visiting
		for _, ref := range selfRefs {
			parent, ok := position[rows[i].ID(ref.Column)]
			if !ok {
				continue
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := range rows {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
