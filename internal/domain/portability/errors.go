package portability

import (
	"errors"
	"fmt"
	"time"
)

// Code is the stable, client facing identifier of a failure.
type Code string

const (
	CodeSchemaMismatch    Code = "SCHEMA_MISMATCH"
	CodeInvalidFormat     Code = "INVALID_IMPORT_FORMAT"
	CodeDanglingReference Code = "DANGLING_REFERENCE"
	CodeConflict          Code = "CONFLICT"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeExport            Code = "EXPORT_ERROR"
)

// NoRow marks an error that is not tied to a single row.
const NoRow = -1

// Coder is implemented by every error of the taxonomy.
type Coder interface {
	Code() Code
}

// Locator is implemented by errors that point at a record of the document.
type Locator interface {
	Location() (entity string, row int, field string)
}

// CodeOf returns the code of the first taxonomy error in err's chain.
func CodeOf(err error) (Code, bool) {
	var c Coder
	if errors.As(err, &c) {
		return c.Code(), true
	}
	return "", false
}

// IsValidation reports whether err was raised before any write was attempted.
func IsValidation(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeSchemaMismatch, CodeInvalidFormat, CodeDanglingReference:
		return true
	}
	return false
}

// SchemaMismatchError rejects a document produced for another schema.
type SchemaMismatchError struct {
	Expected string
	Received string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: expected %q, received %q", e.Expected, e.Received)
}

func (e *SchemaMismatchError) Code() Code { return CodeSchemaMismatch }

// InvalidFormatError reports a malformed document shape.
type InvalidFormatError struct {
	Entity string
	Row    int
	Field  string
	Reason string
}

// NewInvalidFormat builds an InvalidFormatError that is not tied to a record.
func NewInvalidFormat(reason string) *InvalidFormatError {
	return &InvalidFormatError{Row: NoRow, Reason: reason}
}

func (e *InvalidFormatError) Error() string {
	switch {
	case e.Entity == "":
		return "invalid import format: " + e.Reason
	case e.Row == NoRow:
		return fmt.Sprintf("invalid import format: %s: %s", e.Entity, e.Reason)
	case e.Field == "":
		return fmt.Sprintf("invalid import format: %s[%d]: %s", e.Entity, e.Row, e.Reason)
	}
	return fmt.Sprintf("invalid import format: %s[%d].%s: %s", e.Entity, e.Row, e.Field, e.Reason)
}

func (e *InvalidFormatError) Code() Code { return CodeInvalidFormat }

func (e *InvalidFormatError) Location() (string, int, string) { return e.Entity, e.Row, e.Field }

// DanglingReferenceError reports a foreign key that resolves neither inside the
// document nor to a row the owner already has.
type DanglingReferenceError struct {
	Entity string
	Row    int
	Field  string
	Value  string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("dangling reference: %s[%d].%s = %q does not resolve", e.Entity, e.Row, e.Field, e.Value)
}

func (e *DanglingReferenceError) Code() Code { return CodeDanglingReference }

func (e *DanglingReferenceError) Location() (string, int, string) { return e.Entity, e.Row, e.Field }

// ConflictError records an identifier collision that was skipped.
// It is reported through ResultSummary, not returned as a failure.
type ConflictError struct {
	Entity string `json:"entity"`
	Row    int    `json:"row"`
	ID     string `json:"id"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s[%d] id %q already exists", e.Entity, e.Row, e.ID)
}

func (e *ConflictError) Code() Code { return CodeConflict }

func (e *ConflictError) Location() (string, int, string) { return e.Entity, e.Row, "" }

// StorageError wraps an I/O failure of the storage collaborator.
type StorageError struct {
	Entity string
	Row    int
	Cause  error
}

func (e *StorageError) Error() string {
	switch {
	case e.Entity == "":
		return fmt.Sprintf("storage failure: %v", e.Cause)
	case e.Row == NoRow:
		return fmt.Sprintf("storage failure on %s: %v", e.Entity, e.Cause)
	}
	return fmt.Sprintf("storage failure on %s[%d]: %v", e.Entity, e.Row, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func (e *StorageError) Code() Code { return CodeStorage }

func (e *StorageError) Location() (string, int, string) { return e.Entity, e.Row, "" }

// TimeoutError aborts an import that ran past its time budget.
type TimeoutError struct {
	Budget time.Duration
	Cause  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("import exceeded its %s budget and was rolled back", e.Budget)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) Code() Code { return CodeTimeout }

// ExportError is the only failure Export returns.
type ExportError struct {
	Cause error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed: %v", e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

func (e *ExportError) Code() Code { return CodeExport }
