// Package portability holds the types shared by the account export/import engine.
package portability

import (
	"fmt"
	"strings"
)

// SchemaID is the document schema identifier emitted on export and required on import.
const SchemaID = "simples-flatting-edition"

// DocumentVersion is informational; the schema gate only looks at SchemaID.
const DocumentVersion = "1.0.0"

// MaxReportedConflicts caps the conflicts attached to a ResultSummary.
const MaxReportedConflicts = 100

// OwnerID is the owning identity every read and write is scoped to.
type OwnerID string

func (o OwnerID) String() string { return string(o) }

// ParseOwnerID validates a caller supplied identity.
func ParseOwnerID(raw string) (OwnerID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("owner id is required")
	}
	return OwnerID(id), nil
}

// Options is the conflict policy for an import.
type Options struct {
	PreserveIDs       bool `json:"preserveIds"`
	OverwriteExisting bool `json:"overwriteExisting"`
}

// DefaultOptions mirrors the behaviour clients get when they omit options.
func DefaultOptions() Options {
	return Options{PreserveIDs: true, OverwriteExisting: false}
}

// Overwrites reports whether colliding rows are updated in place.
// Overwrite only has meaning when identifiers are preserved.
func (o Options) Overwrites() bool {
	return o.PreserveIDs && o.OverwriteExisting
}

// EntityStats counts what happened to the rows of one entity type.
type EntityStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Total is the number of rows accounted for.
func (s EntityStats) Total() int {
	return s.Inserted + s.Updated + s.Skipped + s.Failed
}

// ResultSummary is returned once per successful import and never stored.
type ResultSummary struct {
	Statistics map[string]EntityStats `json:"statistics"`
	Conflicts  []*ConflictError       `json:"conflicts,omitempty"`
	// ConflictsTruncated is set when more collisions happened than were reported.
	ConflictsTruncated bool `json:"conflictsTruncated,omitempty"`
}
