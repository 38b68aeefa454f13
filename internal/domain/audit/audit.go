// Package audit records security relevant events around data portability calls.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType names an audit event.
type EventType string

const (
	ExportRequest  EventType = "IMPORT_EXPORT_EXPORT_REQUEST"
	ExportSuccess  EventType = "IMPORT_EXPORT_EXPORT_SUCCESS"
	ExportError    EventType = "IMPORT_EXPORT_EXPORT_ERROR"
	ImportRequest  EventType = "IMPORT_EXPORT_IMPORT_REQUEST"
	ImportSuccess  EventType = "IMPORT_EXPORT_IMPORT_SUCCESS"
	ImportError    EventType = "IMPORT_EXPORT_IMPORT_ERROR"
	SummaryRequest EventType = "IMPORT_EXPORT_SUMMARY_REQUEST"
	SummarySuccess EventType = "IMPORT_EXPORT_SUMMARY_SUCCESS"
	SummaryError   EventType = "IMPORT_EXPORT_SUMMARY_ERROR"
)

// Event is one structured audit record.
type Event struct {
	Type       EventType
	OwnerID    string
	RequestID  string
	Details    map[string]any
	Error      string
	OccurredAt time.Time
}

// Recorder receives audit events. Callers do not depend on the outcome.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With(slog.String("component", "audit"))}
}

func (r *LogRecorder) Record(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("ownerID", event.OwnerID),
		slog.Time("occurredAt", event.OccurredAt),
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("requestID", event.RequestID))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}

	level := slog.LevelInfo
	if event.Error != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", event.Error))
	}
	r.logger.LogAttrs(ctx, level, "audit event", attrs...)
	return nil
}

// MultiRecorder fans an event out to every recorder and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
