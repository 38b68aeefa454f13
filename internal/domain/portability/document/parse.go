package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
)

// Parse decodes an import payload against the entity graph.
//
// The schema identifier is checked before the data section is looked at. Entity
// keys the graph does not declare are ignored and declared keys that are absent
// yield zero rows. Every returned row carries exactly the declared columns with
// values normalized to string, float64, int64, bool or nil.
func Parse(payload []byte, d *graph.Descriptor) (*Document, error) {
	top, ok := decodeObject(payload)
	if !ok {
		return nil, portability.NewInvalidFormat("document must be a JSON object")
	}

	meta, err := parseMetadata(top["metadata"])
	if err != nil {
		return nil, err
	}

	rawData, present := top["data"]
	if !present || isNull(rawData) {
		return nil, portability.NewInvalidFormat("data section is missing")
	}
	data, ok := decodeObject(rawData)
	if !ok {
		return nil, portability.NewInvalidFormat("data section must be an object keyed by entity type")
	}

	doc := &Document{Metadata: meta, Sections: make([]Section, 0, len(d.Keys()))}
	for _, e := range d.Entities() {
		rows, err := parseEntity(e, data[e.Key])
		if err != nil {
			return nil, err
		}
		doc.Sections = append(doc.Sections, Section{Entity: e.Key, Rows: rows})
	}
	return doc, nil
}

func parseMetadata(raw json.RawMessage) (Metadata, error) {
	var meta Metadata
	fields, _ := decodeObject(raw)

	schemaRaw, ok := fields["schema"]
	if ok && !isNull(schemaRaw) {
		if err := json.Unmarshal(schemaRaw, &meta.Schema); err != nil {
			meta.Schema = string(bytes.TrimSpace(schemaRaw))
		}
	}
	if meta.Schema != portability.SchemaID {
		return Metadata{}, &portability.SchemaMismatchError{Expected: portability.SchemaID, Received: meta.Schema}
	}

	_ = json.Unmarshal(fields["version"], &meta.Version)
	_ = json.Unmarshal(fields["ownerId"], &meta.OwnerID)
	var exportedAt string
	if err := json.Unmarshal(fields["exportedAt"], &exportedAt); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, exportedAt); err == nil {
			meta.ExportedAt = ts
		}
	}
	return meta, nil
}

func parseEntity(e graph.Entity, raw json.RawMessage) ([]Row, error) {
	if raw == nil || isNull(raw) {
		return []Row{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &portability.InvalidFormatError{Entity: e.Key, Row: portability.NoRow, Reason: "rows must be an array"}
	}

	rows := make([]Row, 0, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		fields, err := decodeRow(item)
		if err != nil {
			return nil, &portability.InvalidFormatError{Entity: e.Key, Row: i, Reason: "row must be an object"}
		}
		row, err := normalize(e, i, fields)
		if err != nil {
			return nil, err
		}
		id := row.ID(e.PrimaryKey)
		if first, dup := seen[id]; dup {
			return nil, &portability.InvalidFormatError{
				Entity: e.Key, Row: i, Field: e.PrimaryKey,
				Reason: fmt.Sprintf("duplicate id %q, first used by row %d", id, first),
			}
		}
		seen[id] = i
		rows = append(rows, row)
	}
	return rows, nil
}

func normalize(e graph.Entity, index int, fields map[string]any) (Row, error) {
	invalid := func(field, reason string) error {
		return &portability.InvalidFormatError{Entity: e.Key, Row: index, Field: field, Reason: reason}
	}

	row := make(Row, len(e.Columns)+1)
	id, ok := identifier(fields[e.PrimaryKey])
	if !ok {
		return nil, invalid(e.PrimaryKey, "primary key must be a non-empty string")
	}
	row[e.PrimaryKey] = id

	for _, c := range e.Columns {
		ref, isRef := e.Ref(c.Name)
		v := fields[c.Name]
		if v == nil {
			if isRef && !ref.Optional {
				return nil, invalid(c.Name, "missing required reference to "+ref.Target)
			}
			if c.Required {
				return nil, invalid(c.Name, "required column is missing")
			}
			row[c.Name] = nil
			continue
		}

		if isRef {
			target, ok := identifier(v)
			if !ok {
				return nil, invalid(c.Name, "reference must be a non-empty string")
			}
			row[c.Name] = target
			continue
		}

		value, err := coerce(c.Kind, v)
		if err != nil {
			return nil, invalid(c.Name, err.Error())
		}
		row[c.Name] = value
	}
	return row, nil
}

// identifier accepts text ids and integral numeric ids.
func identifier(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return "", false
		}
		return t.String(), true
	}
	return "", false
}

func coerce(kind graph.Kind, v any) (any, error) {
	switch kind {
	case graph.KindText:
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		case map[string]any, []any:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("cannot encode nested value: %w", err)
			}
			return string(b), nil
		}
	case graph.KindNumber:
		if n, ok := v.(json.Number); ok {
			f, err := n.Float64()
			if err == nil {
				return f, nil
			}
		}
	case graph.KindInteger:
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
				if math.Abs(f) >= 1<<63 {
					return nil, fmt.Errorf("integer %s is out of range", n)
				}
				return int64(f), nil
			}
		}
	case graph.KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case json.Number:
			switch t.String() {
			case "0":
				return false, nil
			case "1":
				return true, nil
			}
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

func decodeObject(raw []byte) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func decodeRow(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("row is null")
	}
	return m, nil
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
