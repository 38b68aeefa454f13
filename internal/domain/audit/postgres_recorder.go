package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxExecer is the subset of pgxpool.Pool the recorder needs.
type PgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var _ PgxExecer = (*pgxpool.Pool)(nil)

const insertAuditEventQuery = `
		INSERT INTO audit_events (id, user_id, event_type, request_id, details, error_message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

// PostgresRecorder persists events to the audit_events table.
type PostgresRecorder struct {
	pool PgxExecer
	now  func() time.Time
}

func NewPostgresRecorder(pool PgxExecer) *PostgresRecorder {
	return &PostgresRecorder{pool: pool, now: time.Now}
}

func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = r.now()
	}

	details := []byte("{}")
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = b
	}

	var requestID, errorMessage *string
	if event.RequestID != "" {
		requestID = &event.RequestID
	}
	if event.Error != "" {
		errorMessage = &event.Error
	}

	_, err := r.pool.Exec(ctx, insertAuditEventQuery,
		uuid.New(), event.OwnerID, string(event.Type), requestID, details, errorMessage, occurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}
