// Package handler exposes account export, import and summary over HTTP.
package handler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/FACorreiaa/finance-portability/internal/domain/common"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability/document"
	"github.com/FACorreiaa/finance-portability/pkg/interceptors"
)

// Service is the subset of the portability service the handler calls.
type Service interface {
	Export(ctx context.Context, owner portability.OwnerID) (*document.Document, error)
	Import(ctx context.Context, owner portability.OwnerID, payload []byte, opts portability.Options) (portability.ResultSummary, error)
	Summary(ctx context.Context, owner portability.OwnerID) (map[string]int64, error)
}

// PortabilityHandler serves /api/import-export.
type PortabilityHandler struct {
	svc            Service
	logger         *slog.Logger
	maxImportBytes int64
	now            func() time.Time
}

// NewPortabilityHandler constructs a new handler. Import bodies larger than
// maxImportBytes are rejected.
func NewPortabilityHandler(svc Service, logger *slog.Logger, maxImportBytes int64) *PortabilityHandler {
	return &PortabilityHandler{
		svc:            svc,
		logger:         logger,
		maxImportBytes: maxImportBytes,
		now:            time.Now,
	}
}

// Routes mounts the handler's endpoints.
func (h *PortabilityHandler) Routes(r chi.Router) {
	r.Get("/export", h.Export)
	r.Post("/import", h.Import)
	r.Get("/summary", h.Summary)
}

// ImportResponse is returned by a successful import.
type ImportResponse struct {
	common.Response
	Result portability.ResultSummary `json:"result"`
}

// SummaryResponse lists how many rows the caller has per entity.
type SummaryResponse struct {
	common.Response
	UserID  string           `json:"userId"`
	Summary map[string]int64 `json:"summary"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Entity        string `json:"entity,omitempty"`
	Row           *int   `json:"row,omitempty"`
	Field         string `json:"field,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type importRequest struct {
	Options *struct {
		PreserveIDs       *bool `json:"preserveIds"`
		OverwriteExisting *bool `json:"overwriteExisting"`
	} `json:"options"`
}

// options reads the optional options object of an import body. A body that is
// not a JSON object yields the defaults and is rejected later by the parser.
func options(payload []byte) portability.Options {
	opts := portability.DefaultOptions()
	var req importRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Options == nil {
		return opts
	}
	if req.Options.PreserveIDs != nil {
		opts.PreserveIDs = *req.Options.PreserveIDs
	}
	if req.Options.OverwriteExisting != nil {
		opts.OverwriteExisting = *req.Options.OverwriteExisting
	}
	return opts
}

func (h *PortabilityHandler) owner(w http.ResponseWriter, r *http.Request) (portability.OwnerID, bool) {
	userID, ok := interceptors.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", common.ErrUnauthenticated)
		return "", false
	}
	owner, err := portability.ParseOwnerID(userID)
	if err != nil {
		h.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", err)
		return "", false
	}
	return owner, true
}

// Export streams the caller's complete document as a download.
func (h *PortabilityHandler) Export(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	doc, err := h.svc.Export(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	body, err := json.Marshal(doc)
	if err != nil {
		h.writeServiceError(w, r, &portability.ExportError{Cause: err})
		return
	}
	etag, err := contentTag(doc)
	if err != nil {
		h.writeServiceError(w, r, &portability.ExportError{Cause: err})
		return
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	filename := fmt.Sprintf("user-data-export-%s-%d.json", owner, h.now().UnixMilli())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write export response", slog.Any("error", err))
	}
}

// contentTag hashes the data section only, so two exports of unchanged data
// share a tag even though their timestamps differ.
func contentTag(doc *document.Document) (string, error) {
	data, err := doc.MarshalData()
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`, nil
}

// Import applies the posted document to the caller's data.
func (h *PortabilityHandler) Import(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	body := r.Body
	if h.maxImportBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxImportBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, string(portability.CodeInvalidFormat),
				fmt.Sprintf("Import file exceeds %d bytes", tooLarge.Limit), common.ErrPayloadTooLarge)
			return
		}
		h.writeError(w, r, http.StatusBadRequest, string(portability.CodeInvalidFormat), "Could not read request body",
			fmt.Errorf("%w: %w", common.ErrBadRequest, err))
		return
	}

	summary, err := h.svc.Import(r.Context(), owner, payload, options(payload))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusOK, ImportResponse{
		Response: common.Response{Success: true, Message: "Data imported successfully"},
		Result:   summary,
	})
}

// Summary reports per entity row counts for the caller.
func (h *PortabilityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	counts, err := h.svc.Summary(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusOK, SummaryResponse{
		Response: common.Response{Success: true},
		UserID:   owner.String(),
		Summary:  counts,
	})
}

func statusOf(code portability.Code) (int, string) {
	switch code {
	case portability.CodeSchemaMismatch:
		return http.StatusBadRequest, "Schema mismatch"
	case portability.CodeInvalidFormat:
		return http.StatusBadRequest, "Invalid import format"
	case portability.CodeDanglingReference:
		return http.StatusBadRequest, "Dangling reference"
	case portability.CodeConflict:
		return http.StatusConflict, "Conflict"
	case portability.CodeTimeout:
		return http.StatusGatewayTimeout, "Import timed out"
	case portability.CodeExport:
		return http.StatusInternalServerError, "Export failed"
	default:
		return http.StatusInternalServerError, "Storage failure"
	}
}

func (h *PortabilityHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, ok := portability.CodeOf(err)
	if !ok {
		code = portability.CodeStorage
	}
	status, title := statusOf(code)

	resp := ErrorResponse{
		Error:         title,
		Code:          string(code),
		Message:       err.Error(),
		CorrelationID: interceptors.GetRequestID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		// Driver detail stays in the logs.
		resp.Message = title
	}
	var loc portability.Locator
	if errors.As(err, &loc) {
		entity, row, field := loc.Location()
		resp.Entity = entity
		resp.Field = field
		if row != portability.NoRow {
			resp.Row = &row
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", slog.String("code", string(code)), slog.Any("error", err))
	}
	h.writeJSON(w, r, status, resp)
}

func (h *PortabilityHandler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	h.logger.WarnContext(r.Context(), "request rejected", slog.Int("status", status), slog.Any("error", err))
	h.writeJSON(w, r, status, ErrorResponse{
		Error:         http.StatusText(status),
		Code:          code,
		Message:       message,
		CorrelationID: interceptors.GetRequestID(r.Context()),
	})
}

func (h *PortabilityHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode response", slog.Any("error", err))
	}
}
