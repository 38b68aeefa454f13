package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/finance-portability/internal/domain/audit"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/repository"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/servicetest"
)

const (
	ownerA portability.OwnerID = "owner-a"
	ownerB portability.OwnerID = "owner-b"
)

var (
	preserveOverwrite = portability.Options{PreserveIDs: true, OverwriteExisting: true}
	preserveOnly      = portability.Options{PreserveIDs: true}
	freshIDs          = portability.Options{PreserveIDs: false}
)

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (l *eventLog) Record(_ context.Context, e audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return l.err
}

func (l *eventLog) types() []audit.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("gen-%03d", n)
	}
}

func setupService(t *testing.T, store repository.Store, cfg Config) (*Service, *eventLog) {
	t.Helper()
	if cfg.NewID == nil {
		cfg.NewID = sequentialIDs()
	}
	if cfg.ReadWorkers == 0 {
		cfg.ReadWorkers = 4
	}
	events := &eventLog{}
	svc, err := NewService(store, graph.Finance(), events, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, events
}

// full fills every declared column that vals does not set with null.
func full(entity string, vals document.Row) document.Row {
	e := graph.Finance().Entity(entity)
	row := make(document.Row, len(e.Columns)+1)
	for _, c := range e.ColumnNames() {
		row[c] = nil
	}
	for k, v := range vals {
		row[k] = v
	}
	return row
}

func seedGraph(store *servicetest.Store, owner portability.OwnerID) {
	store.Seed(owner, graph.UserPreferences,
		full(graph.UserPreferences, document.Row{"preference_id": "p1", "preference_key": "theme", "preference_value": "dark"}))
	store.Seed(owner, graph.Categories,
		full(graph.Categories, document.Row{"category_id": "c-root", "category_name": "Living", "budgeted_amount": 1500.0, "display_order": int64(1)}),
		full(graph.Categories, document.Row{"category_id": "c-child", "category_name": "Rent", "parent_category_id": "c-root", "budgeted_amount": 900.0, "display_order": int64(2)}))
	store.Seed(owner, graph.Accounts,
		full(graph.Accounts, document.Row{"account_id": "a1", "account_name": "Main", "account_type": "checking", "opening_balance": 100.0, "current_balance": 87.5, "positive_is_credit": true}))
	store.Seed(owner, graph.AccountFieldMappings,
		full(graph.AccountFieldMappings, document.Row{"mapping_id": "m1", "account_id": "a1", "field_name": "date", "csv_header": "Booking Date"}))
	store.Seed(owner, graph.TransactionImports,
		full(graph.TransactionImports, document.Row{"id": "ti1", "account_id": "a1", "status": "completed"}))
	store.Seed(owner, graph.StatementImports,
		full(graph.StatementImports, document.Row{"import_id": "si1", "account_id": "a1", "source_filename": "jan.csv", "closing_balance": 87.5}))
	store.Seed(owner, graph.ReconciliationSessions,
		full(graph.ReconciliationSessions, document.Row{"session_id": "rs1", "account_id": "a1", "status": "open"}))
	store.Seed(owner, graph.CategoryKeywordRules,
		full(graph.CategoryKeywordRules, document.Row{"id": "r1", "keyword": "landlord", "category_id": "c-child"}))
	store.Seed(owner, graph.CategoryMatchingFeedback,
		full(graph.CategoryMatchingFeedback, document.Row{"id": "f1", "description": "LANDLORD LTD", "actual_category_id": "c-child", "accepted": false}))
	store.Seed(owner, graph.Transactions,
		full(graph.Transactions, document.Row{"transaction_id": "t1", "account_id": "a1", "category_id": "c-child", "import_id": "ti1", "transaction_date": "2026-01-03", "signed_amount": -12.5, "is_transfer": false}),
		full(graph.Transactions, document.Row{"transaction_id": "t2", "account_id": "a1", "transaction_date": "2026-01-04", "signed_amount": 100.0, "is_transfer": true}))
	store.Seed(owner, graph.StatementLines,
		full(graph.StatementLines, document.Row{"statement_line_id": "sl1", "import_id": "si1", "account_id": "a1", "signed_amount": -12.5}))
	store.Seed(owner, graph.ReconciliationMatches,
		full(graph.ReconciliationMatches, document.Row{"match_id": "rm1", "session_id": "rs1", "account_id": "a1", "transaction_id": "t1", "statement_line_id": "sl1", "active": true, "confidence": 0.97}))
}

const seededRows = 14

func exportPayload(t *testing.T, svc *Service, owner portability.OwnerID) []byte {
	t.Helper()
	doc, err := svc.Export(context.Background(), owner)
	require.NoError(t, err)
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func exportData(t *testing.T, svc *Service, owner portability.OwnerID) string {
	t.Helper()
	doc, err := svc.Export(context.Background(), owner)
	require.NoError(t, err)
	b, err := doc.MarshalData()
	require.NoError(t, err)
	return string(b)
}

func TestService_Export(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, events := setupService(t, store, Config{})

	doc, err := svc.Export(context.Background(), ownerA)
	require.NoError(t, err)

	assert.Equal(t, portability.SchemaID, doc.Metadata.Schema)
	assert.Equal(t, string(ownerA), doc.Metadata.OwnerID)
	assert.False(t, doc.Metadata.ExportedAt.IsZero())

	keys := make([]string, len(doc.Sections))
	for i, s := range doc.Sections {
		keys[i] = s.Entity
	}
	assert.Equal(t, graph.Finance().Keys(), keys)

	categories := doc.Rows(graph.Categories)
	require.Len(t, categories, 2)
	assert.Equal(t, "c-child", categories[0]["category_id"], "rows are ordered by primary key")

	other, err := svc.Export(context.Background(), ownerB)
	require.NoError(t, err)
	for _, s := range other.Sections {
		assert.Empty(t, s.Rows, "owner %s must not see %s rows of another owner", ownerB, s.Entity)
	}

	assert.Equal(t, []audit.EventType{audit.ExportRequest, audit.ExportSuccess, audit.ExportRequest, audit.ExportSuccess}, events.types())
}

func TestService_RoundTrip(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{})

	summary, err := svc.Import(context.Background(), ownerB, exportPayload(t, svc, ownerA), preserveOverwrite)
	require.NoError(t, err)

	assert.Equal(t, portability.EntityStats{Inserted: 2}, summary.Statistics[graph.Categories])
	assert.Equal(t, portability.EntityStats{Inserted: 1}, summary.Statistics[graph.ReconciliationMatches])
	assert.Len(t, summary.Statistics, len(graph.Finance().Keys()))
	assert.Equal(t, seededRows, store.Total(ownerB))

	assert.Equal(t, exportData(t, svc, ownerA), exportData(t, svc, ownerB))
}

func TestService_ImportFreshIDsKeepsReferencesIntact(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	seedGraph(store, ownerB)
	svc, _ := setupService(t, store, Config{})

	summary, err := svc.Import(context.Background(), ownerB, exportPayload(t, svc, ownerA), freshIDs)
	require.NoError(t, err)
	assert.Equal(t, portability.EntityStats{Inserted: 2}, summary.Statistics[graph.Transactions])
	assert.Equal(t, 2*seededRows, store.Total(ownerB))

	for _, e := range graph.Finance().Entities() {
		for _, row := range store.Rows(ownerB, e.Key) {
			for _, ref := range e.Refs {
				v := row.ID(ref.Column)
				if v == "" {
					continue
				}
				target := graph.Finance().Entity(ref.Target)
				found := false
				for _, candidate := range store.Rows(ownerB, target.Key) {
					if candidate.ID(target.PrimaryKey) == v {
						found = true
						break
					}
				}
				assert.True(t, found, "%s.%s = %q does not resolve", e.Key, ref.Column, v)
			}
		}
	}

	var imported document.Row
	for _, row := range store.Rows(ownerB, graph.ReconciliationMatches) {
		if row.ID("match_id") != "rm1" {
			imported = row
		}
	}
	require.NotNil(t, imported)
	assert.NotEqual(t, "t1", imported["transaction_id"])
	assert.NotEqual(t, "sl1", imported["statement_line_id"])
}

func TestService_ImportTwiceWithOverwriteIsIdempotent(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{})
	payload := exportPayload(t, svc, ownerA)

	first, err := svc.Import(context.Background(), ownerB, payload, preserveOverwrite)
	require.NoError(t, err)
	afterFirst := exportData(t, svc, ownerB)

	second, err := svc.Import(context.Background(), ownerB, payload, preserveOverwrite)
	require.NoError(t, err)

	assert.Equal(t, afterFirst, exportData(t, svc, ownerB))
	for entity, st := range second.Statistics {
		assert.Zero(t, st.Inserted, entity)
		assert.Equal(t, first.Statistics[entity].Inserted, st.Updated, entity)
	}
}

func TestService_ImportCollisionIsSkipped(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	store.Seed(ownerB, graph.Accounts,
		full(graph.Accounts, document.Row{"account_id": "a1", "account_name": "Existing", "current_balance": 5.0}))
	svc, _ := setupService(t, store, Config{})

	summary, err := svc.Import(context.Background(), ownerB, exportPayload(t, svc, ownerA), preserveOnly)
	require.NoError(t, err)

	assert.Equal(t, portability.EntityStats{Skipped: 1}, summary.Statistics[graph.Accounts])
	assert.Equal(t, portability.EntityStats{Inserted: 2}, summary.Statistics[graph.Transactions])
	require.Len(t, summary.Conflicts, 1)
	assert.Equal(t, &portability.ConflictError{Entity: graph.Accounts, Row: 0, ID: "a1"}, summary.Conflicts[0])

	accounts := store.Rows(ownerB, graph.Accounts)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Existing", accounts[0]["account_name"])
	assert.Equal(t, 5.0, accounts[0]["current_balance"])
}

func TestService_ImportDanglingReferenceWritesNothing(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{})

	doc, err := svc.Export(context.Background(), ownerA)
	require.NoError(t, err)
	for i, s := range doc.Sections {
		if s.Entity == graph.Transactions {
			doc.Sections[i].Rows[1]["category_id"] = "missing-cat"
		}
	}
	payload, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = svc.Import(context.Background(), ownerB, payload, freshIDs)

	var dangling *portability.DanglingReferenceError
	require.True(t, errors.As(err, &dangling), "got %v", err)
	assert.Equal(t, graph.Transactions, dangling.Entity)
	assert.Equal(t, 1, dangling.Row)
	assert.Equal(t, "category_id", dangling.Field)
	assert.Equal(t, "missing-cat", dangling.Value)
	assert.Zero(t, store.Total(ownerB))
}

func TestService_ImportReferenceToAnotherOwnerIsDangling(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{})

	payload := []byte(`{"metadata":{"schema":"simples-flatting-edition"},"data":{
		"accountFieldMappings":[{"mapping_id":"m9","account_id":"a1","field_name":"amount","csv_header":"Amount"}]
	}}`)

	_, err := svc.Import(context.Background(), ownerB, payload, preserveOnly)
	var dangling *portability.DanglingReferenceError
	require.True(t, errors.As(err, &dangling), "got %v", err)
	assert.Equal(t, graph.AccountFieldMappings, dangling.Entity)

	summary, err := svc.Import(context.Background(), ownerA, payload, freshIDs)
	require.NoError(t, err, "the same reference resolves for the owner that has the account")
	assert.Equal(t, 1, summary.Statistics[graph.AccountFieldMappings].Inserted)
	assert.Equal(t, "a1", store.Rows(ownerA, graph.AccountFieldMappings)[0]["account_id"])
}

func TestService_ImportAcceptsIntegerKeyedRows(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	svc, _ := setupService(t, store, Config{})

	payload := []byte(`{"metadata":{"schema":"simples-flatting-edition"},"data":{
		"categories":[{"category_id":"c1","category_name":"Rent"}],
		"accounts":[{"account_id":"a1","account_name":"Main"}],
		"transactionImports":[{"id":"ti1","account_id":"a1","status":"completed"}],
		"categoryKeywordRules":[{"id":7,"keyword":"landlord","category_id":"c1"}],
		"categoryMatchingFeedback":[{"id":12,"description":"LANDLORD LTD","actual_category_id":"c1","accepted":1}],
		"transactions":[{"transaction_id":"t1","account_id":"a1","category_id":"c1","import_id":"ti1","transaction_date":"2026-01-03","signed_amount":-900}]
	}}`)

	summary, err := svc.Import(context.Background(), ownerB, payload, preserveOnly)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Statistics[graph.TransactionImports].Inserted)
	assert.Equal(t, 1, summary.Statistics[graph.CategoryKeywordRules].Inserted)
	assert.Equal(t, 1, summary.Statistics[graph.CategoryMatchingFeedback].Inserted)

	assert.Equal(t, "ti1", store.Rows(ownerB, graph.TransactionImports)[0]["id"])
	assert.Equal(t, "7", store.Rows(ownerB, graph.CategoryKeywordRules)[0]["id"])
	assert.Equal(t, "12", store.Rows(ownerB, graph.CategoryMatchingFeedback)[0]["id"])
	assert.Equal(t, true, store.Rows(ownerB, graph.CategoryMatchingFeedback)[0]["accepted"])
	assert.Equal(t, "ti1", store.Rows(ownerB, graph.Transactions)[0]["import_id"])
}

func TestService_ImportStorageFailureRollsBack(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, events := setupService(t, store, Config{})
	payload := exportPayload(t, svc, ownerA)

	diskFull := errors.New("disk full")
	store.WriteHook = func(_ context.Context, entity string, _ document.Row) error {
		if entity == graph.StatementLines {
			return diskFull
		}
		return nil
	}

	_, err := svc.Import(context.Background(), ownerB, payload, preserveOverwrite)

	var storageErr *portability.StorageError
	require.True(t, errors.As(err, &storageErr), "got %v", err)
	assert.Equal(t, graph.StatementLines, storageErr.Entity)
	assert.Equal(t, 0, storageErr.Row)
	assert.ErrorIs(t, err, diskFull)
	assert.Zero(t, store.Total(ownerB))
	assert.Contains(t, events.types(), audit.ImportError)
}

func TestService_ImportSchemaGate(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{})

	var doc map[string]any
	require.NoError(t, json.Unmarshal(exportPayload(t, svc, ownerA), &doc))
	doc["metadata"].(map[string]any)["schema"] = "other-app-v1"
	payload, err := json.Marshal(doc)
	require.NoError(t, err)

	writes := 0
	store.WriteHook = func(context.Context, string, document.Row) error {
		writes++
		return nil
	}

	_, err = svc.Import(context.Background(), ownerB, payload, preserveOverwrite)
	var mismatch *portability.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, "other-app-v1", mismatch.Received)
	assert.Zero(t, writes)
	assert.Zero(t, store.Total(ownerB))
}

func TestService_ImportChildCategoryBeforeParent(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	svc, _ := setupService(t, store, Config{})

	payload := []byte(`{"metadata":{"schema":"simples-flatting-edition"},"data":{
		"categories":[
			{"category_id":"child","category_name":"Groceries","parent_category_id":"parent"},
			{"category_id":"parent","category_name":"Food","parent_category_id":null}
		]
	}}`)

	summary, err := svc.Import(context.Background(), ownerB, payload, freshIDs)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Statistics[graph.Categories].Inserted)

	byName := make(map[string]document.Row)
	for _, row := range store.Rows(ownerB, graph.Categories) {
		byName[row["category_name"].(string)] = row
	}
	parentID := byName["Food"].ID("category_id")
	assert.NotEqual(t, "parent", parentID)
	assert.Equal(t, parentID, byName["Groceries"]["parent_category_id"])
}

func TestService_ImportTimeoutRollsBack(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{ImportTimeout: 20 * time.Millisecond})
	payload := exportPayload(t, svc, ownerA)

	store.WriteHook = func(ctx context.Context, entity string, _ document.Row) error {
		if entity != graph.Transactions {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	summary, err := svc.Import(context.Background(), ownerB, payload, preserveOverwrite)

	var timeout *portability.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, 20*time.Millisecond, timeout.Budget)
	assert.Nil(t, summary.Statistics, "aborted runs report no statistics")
	assert.Zero(t, store.Total(ownerB))
}

func TestService_SummaryIsCachedUntilImport(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, _ := setupService(t, store, Config{SummaryCacheTTL: time.Minute})

	counts, err := svc.Summary(context.Background(), ownerA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[graph.Categories])
	assert.Equal(t, int64(1), counts[graph.Accounts])
	assert.Len(t, counts, len(graph.Finance().Keys()))

	store.Seed(ownerA, graph.Accounts, full(graph.Accounts, document.Row{"account_id": "a2", "account_name": "Savings"}))
	counts, err = svc.Summary(context.Background(), ownerA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[graph.Accounts], "served from cache")

	payload := []byte(`{"metadata":{"schema":"simples-flatting-edition"},"data":{
		"accounts":[{"account_id":"a3","account_name":"Card"}]
	}}`)
	_, err = svc.Import(context.Background(), ownerA, payload, preserveOnly)
	require.NoError(t, err)

	counts, err = svc.Summary(context.Background(), ownerA)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[graph.Accounts])
}

// racingStore runs afterSnapshot once a snapshot has been read and before
// its result reaches the caller.
type racingStore struct {
	repository.Store
	afterSnapshot func()
}

func (r *racingStore) Snapshot(ctx context.Context, owner portability.OwnerID, fn func(context.Context, repository.Reader) error) error {
	err := r.Store.Snapshot(ctx, owner, fn)
	if hook := r.afterSnapshot; hook != nil {
		r.afterSnapshot = nil
		hook()
	}
	return err
}

func TestService_SummaryReadBeforeImportIsNotCached(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	racing := &racingStore{Store: store}
	svc, _ := setupService(t, racing, Config{SummaryCacheTTL: time.Minute})

	payload := []byte(`{"metadata":{"schema":"simples-flatting-edition"},"data":{
		"accounts":[{"account_id":"a2","account_name":"Savings"}]
	}}`)
	racing.afterSnapshot = func() {
		_, err := svc.Import(context.Background(), ownerA, payload, preserveOnly)
		require.NoError(t, err)
	}

	counts, err := svc.Summary(context.Background(), ownerA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[graph.Accounts], "counts reflect the snapshot taken before the import")

	counts, err = svc.Summary(context.Background(), ownerA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[graph.Accounts])
}

func TestService_AuditFailureDoesNotFailOperation(t *testing.T) {
	store := servicetest.NewStore(graph.Finance())
	seedGraph(store, ownerA)
	svc, events := setupService(t, store, Config{})
	events.err = errors.New("audit sink down")

	_, err := svc.Export(context.Background(), ownerA)
	require.NoError(t, err)
	_, err = svc.Summary(context.Background(), ownerA)
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{
		audit.ExportRequest, audit.ExportSuccess, audit.SummaryRequest, audit.SummarySuccess,
	}, events.types())
}

type brokenStore struct{ err error }

func (b brokenStore) Snapshot(ctx context.Context, _ portability.OwnerID, fn func(context.Context, repository.Reader) error) error {
	return fn(ctx, brokenReader(b))
}

func (b brokenStore) Apply(context.Context, portability.OwnerID, func(context.Context, repository.Writer) error) error {
	return b.err
}

type brokenReader struct{ err error }

func (b brokenReader) Rows(context.Context, graph.Entity) ([]document.Row, error) { return nil, b.err }

func (b brokenReader) Count(context.Context, graph.Entity) (int64, error) { return 0, b.err }

func TestService_StorageFailures(t *testing.T) {
	refused := errors.New("connection refused")
	svc, events := setupService(t, brokenStore{err: refused}, Config{})

	doc, err := svc.Export(context.Background(), ownerA)
	assert.Nil(t, doc)
	var exportErr *portability.ExportError
	require.True(t, errors.As(err, &exportErr), "got %v", err)
	var storageErr *portability.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.NotEmpty(t, storageErr.Entity)
	assert.ErrorIs(t, err, refused)

	payload := []byte(`{"metadata":{"schema":"simples-flatting-edition"},"data":{}}`)
	_, err = svc.Import(context.Background(), ownerA, payload, preserveOnly)
	code, ok := portability.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, portability.CodeStorage, code)

	_, err = svc.Summary(context.Background(), ownerA)
	assert.ErrorIs(t, err, refused)

	assert.Contains(t, events.types(), audit.ExportError)
	assert.Contains(t, events.types(), audit.SummaryError)
}
