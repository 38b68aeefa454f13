package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/graph"
	"github.com/FACorreiaa/finance-portability/pkg/interceptors"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Export(ctx context.Context, owner portability.OwnerID) (*document.Document, error) {
	args := m.Called(ctx, owner)
	doc, _ := args.Get(0).(*document.Document)
	return doc, args.Error(1)
}

func (m *MockService) Import(ctx context.Context, owner portability.OwnerID, payload []byte, opts portability.Options) (portability.ResultSummary, error) {
	args := m.Called(ctx, owner, payload, opts)
	return args.Get(0).(portability.ResultSummary), args.Error(1)
}

func (m *MockService) Summary(ctx context.Context, owner portability.OwnerID) (map[string]int64, error) {
	args := m.Called(ctx, owner)
	counts, _ := args.Get(0).(map[string]int64)
	return counts, args.Error(1)
}

const owner portability.OwnerID = "user-1"

func newTestRouter(svc Service, maxBytes int64) http.Handler {
	h := NewPortabilityHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), maxBytes)
	h.now = func() time.Time { return time.UnixMilli(1700000000000) }

	r := chi.NewRouter()
	r.Use(interceptors.RequestID("X-Request-ID"))
	r.Route("/api/import-export", h.Routes)
	return r
}

func authed(req *http.Request) *http.Request {
	return req.WithContext(interceptors.WithUserID(req.Context(), string(owner)))
}

func sampleDocument() *document.Document {
	doc := document.New(owner, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for _, key := range graph.Finance().Keys() {
		doc.Sections = append(doc.Sections, document.Section{Entity: key, Rows: []document.Row{}})
	}
	doc.Sections[2].Rows = []document.Row{{"account_id": "a1", "account_name": "Main"}}
	return doc
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPortabilityHandler_Export(t *testing.T) {
	svc := new(MockService)
	svc.On("Export", mock.Anything, owner).Return(sampleDocument(), nil)
	router := newTestRouter(svc, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/import-export/export", nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="user-data-export-user-1-1700000000000.json"`, rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, string(body["metadata"]), portability.SchemaID)
	assert.Contains(t, string(body["data"]), `"account_name":"Main"`)

	again := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/api/import-export/export", nil))
	req.Header.Set("If-None-Match", etag)
	router.ServeHTTP(again, req)
	assert.Equal(t, http.StatusNotModified, again.Code)
	assert.Empty(t, again.Body.Bytes())

	svc.AssertExpectations(t)
}

func TestPortabilityHandler_RequiresOwner(t *testing.T) {
	svc := new(MockService)
	router := newTestRouter(svc, 0)

	for _, path := range []string{"/api/import-export/export", "/api/import-export/summary"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	svc.AssertNotCalled(t, "Export", mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "Summary", mock.Anything, mock.Anything)
}

func TestPortabilityHandler_ImportOptions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want portability.Options
	}{
		{
			name: "defaults",
			body: `{"metadata":{"schema":"simples-flatting-edition"},"data":{}}`,
			want: portability.Options{PreserveIDs: true, OverwriteExisting: false},
		},
		{
			name: "explicit",
			body: `{"metadata":{"schema":"simples-flatting-edition"},"data":{},"options":{"preserveIds":false,"overwriteExisting":true}}`,
			want: portability.Options{PreserveIDs: false, OverwriteExisting: true},
		},
		{
			name: "partial",
			body: `{"metadata":{"schema":"simples-flatting-edition"},"data":{},"options":{"overwriteExisting":true}}`,
			want: portability.Options{PreserveIDs: true, OverwriteExisting: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			summary := portability.ResultSummary{Statistics: map[string]portability.EntityStats{
				graph.Accounts: {Inserted: 1},
			}}
			svc.On("Import", mock.Anything, owner, []byte(tt.body), tt.want).Return(summary, nil)
			router := newTestRouter(svc, 1<<20)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/import-export/import", strings.NewReader(tt.body))))

			require.Equal(t, http.StatusOK, rec.Code)
			var resp ImportResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, 1, resp.Result.Statistics[graph.Accounts].Inserted)
			svc.AssertExpectations(t)
		})
	}
}

func TestPortabilityHandler_ImportErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		entity string
		row    *int
		field  string
	}{
		{
			name:   "schema mismatch",
			err:    &portability.SchemaMismatchError{Expected: portability.SchemaID, Received: "other-app-v1"},
			status: http.StatusBadRequest,
			code:   "SCHEMA_MISMATCH",
		},
		{
			name:   "dangling reference",
			err:    &portability.DanglingReferenceError{Entity: graph.Transactions, Row: 1, Field: "category_id", Value: "missing-cat"},
			status: http.StatusBadRequest,
			code:   "DANGLING_REFERENCE",
			entity: graph.Transactions,
			row:    intPtr(1),
			field:  "category_id",
		},
		{
			name:   "timeout",
			err:    &portability.TimeoutError{Budget: time.Minute, Cause: context.DeadlineExceeded},
			status: http.StatusGatewayTimeout,
			code:   "TIMEOUT",
		},
		{
			name:   "storage",
			err:    &portability.StorageError{Entity: graph.Accounts, Row: 0, Cause: errors.New("pq: secret detail")},
			status: http.StatusInternalServerError,
			code:   "STORAGE_ERROR",
			entity: graph.Accounts,
			row:    intPtr(0),
		},
		{
			name:   "untyped",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   "STORAGE_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("Import", mock.Anything, owner, mock.Anything, mock.Anything).Return(portability.ResultSummary{}, tt.err)
			router := newTestRouter(svc, 1<<20)

			rec := httptest.NewRecorder()
			req := authed(httptest.NewRequest(http.MethodPost, "/api/import-export/import", strings.NewReader(`{}`)))
			req.Header.Set("X-Request-ID", "corr-1")
			router.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.entity, resp.Entity)
			assert.Equal(t, tt.row, resp.Row)
			assert.Equal(t, tt.field, resp.Field)
			assert.Equal(t, "corr-1", resp.CorrelationID)
			assert.NotContains(t, resp.Message, "secret detail")
		})
	}
}

func TestPortabilityHandler_ImportTooLarge(t *testing.T) {
	svc := new(MockService)
	router := newTestRouter(svc, 16)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"metadata":{"schema":"simples-flatting-edition"},"data":{}}`)
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/import-export/import", body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	svc.AssertNotCalled(t, "Import", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPortabilityHandler_Summary(t *testing.T) {
	svc := new(MockService)
	svc.On("Summary", mock.Anything, owner).Return(map[string]int64{graph.Accounts: 2, graph.Transactions: 10}, nil)
	router := newTestRouter(svc, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/import-export/summary", nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, string(owner), resp.UserID)
	assert.Equal(t, int64(10), resp.Summary[graph.Transactions])
}

func TestPortabilityHandler_ExportFailure(t *testing.T) {
	svc := new(MockService)
	svc.On("Export", mock.Anything, owner).Return(nil, &portability.ExportError{
		Cause: &portability.StorageError{Entity: graph.Categories, Row: portability.NoRow, Cause: errors.New("conn reset")},
	})
	router := newTestRouter(svc, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/import-export/export", nil)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "EXPORT_ERROR", resp.Code)
	assert.Equal(t, graph.Categories, resp.Entity)
	assert.Nil(t, resp.Row)
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func intPtr(v int) *int { return &v }
