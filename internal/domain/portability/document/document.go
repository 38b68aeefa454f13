// Package document defines the portable export document and its parser.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
)

// Row is one record keyed by column name.
type Row map[string]any

// Clone returns a shallow copy; column values are immutable scalars.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ID returns the text value of column, or "" if it is absent or null.
func (r Row) ID(column string) string {
	s, _ := r[column].(string)
	return s
}

// Metadata is the document header.
type Metadata struct {
	Schema     string    `json:"schema"`
	Version    string    `json:"version,omitempty"`
	ExportedAt time.Time `json:"exportedAt"`
	OwnerID    string    `json:"ownerId"`
}

// Section holds the rows of one entity type.
type Section struct {
	Entity string
	Rows   []Row
}

// Document is the serialization of one owner's entire entity graph.
type Document struct {
	Metadata Metadata
	// Sections are kept in write order so parents are emitted before children.
	Sections []Section
}

// New starts an export document for owner.
func New(owner portability.OwnerID, exportedAt time.Time) *Document {
	return &Document{
		Metadata: Metadata{
			Schema:     portability.SchemaID,
			Version:    portability.DocumentVersion,
			ExportedAt: exportedAt.UTC(),
			OwnerID:    owner.String(),
		},
	}
}

// Rows returns the rows declared for entity, or nil.
func (d *Document) Rows(entity string) []Row {
	for _, s := range d.Sections {
		if s.Entity == entity {
			return s.Rows
		}
	}
	return nil
}

// RecordCounts returns the number of rows per entity.
func (d *Document) RecordCounts() map[string]int {
	counts := make(map[string]int, len(d.Sections))
	for _, s := range d.Sections {
		counts[s.Entity] = len(s.Rows)
	}
	return counts
}

// MarshalJSON writes the data section in section order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"metadata":`)
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	buf.Write(meta)

	data, err := d.MarshalData()
	if err != nil {
		return nil, err
	}
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalData encodes only the data section. Two exports of an unchanged graph
// produce identical bytes here.
func (d *Document) MarshalData() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range d.Sections {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Entity)
		if err != nil {
			return nil, fmt.Errorf("failed to encode entity key: %w", err)
		}
		buf.Write(key)
		buf.WriteByte(':')

		rows := s.Rows
		if rows == nil {
			rows = []Row{}
		}
		encoded, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s rows: %w", s.Entity, err)
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
