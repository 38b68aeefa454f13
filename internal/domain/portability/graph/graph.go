// Package graph declares the exportable entity types, their columns and the
// foreign key edges between them.
package graph

import (
	"fmt"
	"slices"
	"sort"
)

// Kind is the JSON/storage type of a column.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindInteger
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Column is a non key attribute of an entity.
type Column struct {
	Name     string
	Kind     Kind
	Required bool
}

// Ref is a foreign key edge from Column to the primary key of Target.
type Ref struct {
	Column   string
	Target   string
	Optional bool
}

// Entity describes one exportable entity type.
type Entity struct {
	// Key is the entity's name in the document's data section.
	Key        string
	Table      string
	PrimaryKey string
	Columns    []Column
	Refs       []Ref
	// Rank is the dependency rank; every non self edge points to a lower rank.
	Rank int
}

// Ref returns the edge declared on column, if any.
func (e Entity) Ref(column string) (Ref, bool) {
	for _, r := range e.Refs {
		if r.Column == column {
			return r, true
		}
	}
	return Ref{}, false
}

// SelfRefs returns the edges that point back at the entity itself.
func (e Entity) SelfRefs() []Ref {
	var refs []Ref
	for _, r := range e.Refs {
		if r.Target == e.Key {
			refs = append(refs, r)
		}
	}
	return refs
}

// SelfReferential reports whether rows of e may reference each other.
func (e Entity) SelfReferential() bool {
	return len(e.SelfRefs()) > 0
}

// ColumnNames returns the primary key followed by every declared column.
func (e Entity) ColumnNames() []string {
	names := make([]string, 0, len(e.Columns)+1)
	names = append(names, e.PrimaryKey)
	for _, c := range e.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Column looks up a declared column by name.
func (e Entity) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Descriptor is the validated, rank ordered entity graph.
type Descriptor struct {
	entities []Entity
	index    map[string]int
}

// New validates the declared graph and orders it by ascending rank. Entities of
// equal rank keep their declaration order.
func New(entities ...Entity) (*Descriptor, error) {
	d := &Descriptor{
		entities: slices.Clone(entities),
		index:    make(map[string]int, len(entities)),
	}
	sort.SliceStable(d.entities, func(i, j int) bool {
		return d.entities[i].Rank < d.entities[j].Rank
	})

	for i, e := range d.entities {
		if e.Key == "" || e.Table == "" || e.PrimaryKey == "" {
			return nil, fmt.Errorf("entity %d: key, table and primary key are required", i)
		}
		if _, dup := d.index[e.Key]; dup {
			return nil, fmt.Errorf("entity %q declared twice", e.Key)
		}
		d.index[e.Key] = i
	}

	for _, e := range d.entities {
		seen := map[string]bool{e.PrimaryKey: true}
		for _, c := range e.Columns {
			if seen[c.Name] {
				return nil, fmt.Errorf("entity %q: duplicate column %q", e.Key, c.Name)
			}
			seen[c.Name] = true
		}
		for _, r := range e.Refs {
			col, ok := e.Column(r.Column)
			if !ok {
				return nil, fmt.Errorf("entity %q: reference column %q is not declared", e.Key, r.Column)
			}
			if col.Kind != KindText {
				return nil, fmt.Errorf("entity %q: reference column %q must be text", e.Key, r.Column)
			}
			target, ok := d.index[r.Target]
			if !ok {
				return nil, fmt.Errorf("entity %q: reference %q targets unknown entity %q", e.Key, r.Column, r.Target)
			}
			if r.Target == e.Key {
				if !r.Optional {
					return nil, fmt.Errorf("entity %q: self reference %q must be optional", e.Key, r.Column)
				}
				continue
			}
			if d.entities[target].Rank >= e.Rank {
				return nil, fmt.Errorf("entity %q (rank %d) references %q (rank %d): parents must rank lower",
					e.Key, e.Rank, r.Target, d.entities[target].Rank)
			}
		}
	}

	return d, nil
}

// MustNew is New for statically declared graphs.
func MustNew(entities ...Entity) *Descriptor {
	d, err := New(entities...)
	if err != nil {
		panic(err)
	}
	return d
}

// Entities returns the entities in write order.
func (d *Descriptor) Entities() []Entity {
	return slices.Clone(d.entities)
}

// Keys returns the document keys in write order.
func (d *Descriptor) Keys() []string {
	keys := make([]string, len(d.entities))
	for i, e := range d.entities {
		keys[i] = e.Key
	}
	return keys
}

// Lookup finds an entity by document key.
func (d *Descriptor) Lookup(key string) (Entity, bool) {
	i, ok := d.index[key]
	if !ok {
		return Entity{}, false
	}
	return d.entities[i], true
}

// Entity returns the entity for key and panics if it was never declared.
func (d *Descriptor) Entity(key string) Entity {
	e, ok := d.Lookup(key)
	if !ok {
		panic(fmt.Sprintf("graph: unknown entity %q", key))
	}
	return e
}
