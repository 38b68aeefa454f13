package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
)

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ PgxPool = (*pgxpool.Pool)(nil)

type poolConfigurer interface {
	Config() *pgxpool.Config
}

// defaultWorkerWait bounds how long a snapshot waits for each extra read
// connection before it carries on with the ones it already holds.
const defaultWorkerWait = 250 * time.Millisecond

var snapshotIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]+(-[0-9A-Fa-f]+)+$`)

var snapshotTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

var applyTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}

// PostgresStore implements Store on PostgreSQL.
//
// Exports run in a REPEATABLE READ READ ONLY transaction holding the owner's
// shared advisory lock. Additional read workers join that transaction's
// snapshot through pg_export_snapshot. Workers are optional: when the pool
// cannot hand one out within workerWait the snapshot runs on fewer
// connections. Imports hold the owner's exclusive advisory lock, so they wait
// for running exports and vice versa.
type PostgresStore struct {
	pool        PgxPool
	logger      *slog.Logger
	statements  map[string]statements
	readWorkers int
	workerWait  time.Duration
}

// NewPostgresStore prepares the statements for every entity of d. readWorkers
// is capped below the pool's connection limit when the pool reports one.
func NewPostgresStore(pool PgxPool, d *graph.Descriptor, readWorkers int, logger *slog.Logger) *PostgresStore {
	if p, ok := pool.(poolConfigurer); ok {
		if limit := int(p.Config().MaxConns); limit > 1 && readWorkers >= limit {
			logger.Warn("capping export read workers to the connection pool size",
				slog.Int("requested", readWorkers), slog.Int("maxConns", limit))
			readWorkers = limit - 1
		}
	}
	if readWorkers < 1 {
		readWorkers = 1
	}
	s := &PostgresStore{
		pool:        pool,
		logger:      logger,
		statements:  make(map[string]statements),
		readWorkers: readWorkers,
		workerWait:  defaultWorkerWait,
	}
	for _, e := range d.Entities() {
		s.statements[e.Key] = buildStatements(e)
	}
	return s
}

func (s *PostgresStore) stmt(e graph.Entity) (statements, error) {
	st, ok := s.statements[e.Key]
	if !ok {
		return statements{}, fmt.Errorf("entity %q is not registered with the store", e.Key)
	}
	return st, nil
}

// Snapshot implements Store.
func (s *PostgresStore) Snapshot(ctx context.Context, owner portability.OwnerID, fn func(ctx context.Context, r Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, snapshotTxOptions)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	txs := []pgx.Tx{tx}
	defer func() {
		for _, t := range txs {
			s.rollback(ctx, t)
		}
	}()

	if _, err := tx.Exec(ctx, sharedLockQuery, lockNamespace+owner.String()); err != nil {
		return fmt.Errorf("failed to acquire shared owner lock: %w", err)
	}

	if s.readWorkers > 1 {
		var snapshotID string
		if err := tx.QueryRow(ctx, exportSnapshotQuery).Scan(&snapshotID); err != nil {
			return fmt.Errorf("failed to export snapshot: %w", err)
		}
		if !snapshotIDPattern.MatchString(snapshotID) {
			return fmt.Errorf("unexpected snapshot id %q", snapshotID)
		}
		workers, err := s.attachWorkers(ctx, snapshotID)
		txs = append(txs, workers...)
		if err != nil {
			return err
		}
	}

	r := &snapshotReader{store: s, owner: owner, txs: make(chan pgx.Tx, len(txs))}
	for _, t := range txs {
		r.txs <- t
	}

	if err := fn(ctx, r); err != nil {
		return err
	}

	for _, t := range txs {
		if err := t.Commit(ctx); err != nil {
			return fmt.Errorf("failed to close snapshot: %w", err)
		}
	}
	txs = nil
	return nil
}

// attachWorkers begins up to readWorkers-1 transactions on snapshotID, waiting
// at most workerWait on the pool for each.
func (s *PostgresStore) attachWorkers(ctx context.Context, snapshotID string) ([]pgx.Tx, error) {
	var workers []pgx.Tx
	for i := 1; i < s.readWorkers; i++ {
		waitCtx, cancel := context.WithTimeout(ctx, s.workerWait)
		worker, err := s.pool.BeginTx(waitCtx, snapshotTxOptions)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return workers, fmt.Errorf("failed to begin snapshot worker: %w", ctx.Err())
			}
			s.logger.DebugContext(ctx, "continuing snapshot with fewer read workers",
				slog.Int("workers", len(workers)+1), slog.Any("error", err))
			return workers, nil
		}
		if _, err := worker.Exec(ctx, fmt.Sprintf(setSnapshotQuery, snapshotID)); err != nil {
			s.rollback(ctx, worker)
			return workers, fmt.Errorf("failed to attach snapshot worker: %w", err)
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

// Apply implements Store.
func (s *PostgresStore) Apply(ctx context.Context, owner portability.OwnerID, fn func(ctx context.Context, w Writer) error) error {
	tx, err := s.pool.BeginTx(ctx, applyTxOptions)
	if err != nil {
		return fmt.Errorf("failed to begin import transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, exclusiveLockQuery, lockNamespace+owner.String()); err != nil {
		s.rollback(ctx, tx)
		return fmt.Errorf("failed to acquire exclusive owner lock: %w", err)
	}

	if err := fn(ctx, &txWriter{store: s, owner: owner, tx: tx}); err != nil {
		s.rollback(ctx, tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

func (s *PostgresStore) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.WarnContext(ctx, "failed to roll back transaction", slog.Any("error", err))
	}
}

type snapshotReader struct {
	store *PostgresStore
	owner portability.OwnerID
	txs   chan pgx.Tx
}

func (r *snapshotReader) acquire(ctx context.Context) (pgx.Tx, error) {
	select {
	case tx := <-r.txs:
		return tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *snapshotReader) Rows(ctx context.Context, e graph.Entity) ([]document.Row, error) {
	st, err := r.store.stmt(e)
	if err != nil {
		return nil, err
	}
	tx, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { r.txs <- tx }()

	rows, err := tx.Query(ctx, st.selectRows, r.owner.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", e.Table, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", e.Table, err)
	}

	out := make([]document.Row, len(records))
	for i, rec := range records {
		out[i] = document.Row(rec)
	}
	return out, nil
}

func (r *snapshotReader) Count(ctx context.Context, e graph.Entity) (int64, error) {
	st, err := r.store.stmt(e)
	if err != nil {
		return 0, err
	}
	tx, err := r.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { r.txs <- tx }()

	var n int64
	if err := tx.QueryRow(ctx, st.count, r.owner.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", e.Table, err)
	}
	return n, nil
}

type txWriter struct {
	store *PostgresStore
	owner portability.OwnerID
	tx    pgx.Tx
}

func (w *txWriter) ExistingIDs(ctx context.Context, e graph.Entity, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(ids) == 0 {
		return found, nil
	}
	st, err := w.store.stmt(e)
	if err != nil {
		return nil, err
	}

	rows, err := w.tx.Query(ctx, st.existing, w.owner.String(), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing %s: %w", e.Table, err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan existing %s: %w", e.Table, err)
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

func (w *txWriter) Insert(ctx context.Context, e graph.Entity, row document.Row) error {
	st, err := w.store.stmt(e)
	if err != nil {
		return err
	}
	if _, err := w.tx.Exec(ctx, st.insert, insertArgs(w.owner.String(), e, row)...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", e.Table, err)
	}
	return nil
}

func (w *txWriter) Update(ctx context.Context, e graph.Entity, row document.Row) error {
	st, err := w.store.stmt(e)
	if err != nil {
		return err
	}
	if st.update == "" {
		return nil
	}
	tag, err := w.tx.Exec(ctx, st.update, updateArgs(w.owner.String(), e, row)...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", e.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update %s %q: %w", e.Table, row.ID(e.PrimaryKey), pgx.ErrNoRows)
	}
	return nil
}
