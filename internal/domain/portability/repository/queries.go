package repository

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
)

// OwnerColumn scopes every portable table. It is never exported in documents.
const OwnerColumn = "user_id"

const (
	lockNamespace       = "portability:"
	sharedLockQuery     = `SELECT pg_advisory_xact_lock_shared(hashtextextended($1, 0))`
	exclusiveLockQuery  = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	exportSnapshotQuery = `SELECT pg_export_snapshot()`
	setSnapshotQuery    = `SET TRANSACTION SNAPSHOT '%s'`
)

// statements holds the SQL used for one entity. The owner is always $1.
type statements struct {
	selectRows string
	count      string
	existing   string
	insert     string
	update     string
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func buildStatements(e graph.Entity) statements {
	table := quote(e.Table)
	pk := quote(e.PrimaryKey)
	owner := quote(OwnerColumn)

	names := e.ColumnNames()
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = quote(n)
	}

	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}

	sets := make([]string, 0, len(e.Columns))
	for i, c := range e.Columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", quote(c.Name), i+3))
	}

	s := statements{
		selectRows: fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY %s",
			strings.Join(cols, ", "), table, owner, pk),
		count: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = $1", table, owner),
		existing: fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 AND %s = ANY($2)",
			pk, table, owner, pk),
		insert: fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, %s)",
			table, owner, strings.Join(cols, ", "), strings.Join(placeholders, ", ")),
	}
	if len(sets) > 0 {
		s.update = fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1 AND %s = $2",
			table, strings.Join(sets, ", "), owner, pk)
	}
	return s
}

// insertArgs orders row values after the owner to match statements.insert.
func insertArgs(owner string, e graph.Entity, row map[string]any) []any {
	args := make([]any, 0, len(e.Columns)+2)
	args = append(args, owner)
	for _, n := range e.ColumnNames() {
		args = append(args, row[n])
	}
	return args
}

// updateArgs orders row values to match statements.update.
func updateArgs(owner string, e graph.Entity, row map[string]any) []any {
	args := make([]any, 0, len(e.Columns)+2)
	args = append(args, owner, row[e.PrimaryKey])
	for _, c := range e.Columns {
		args = append(args, row[c.Name])
	}
	return args
}
