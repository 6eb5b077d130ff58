package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditLog is one security relevant event.
type AuditLog struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"userId"`
	Action    string          `json:"action"`
	IPAddress string          `json:"ipAddress"`
	UserAgent string          `json:"userAgent"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// WriteBatch stores entries in a single transaction. Text columns are made
// valid UTF-8 first so one malformed entry cannot fail the whole batch.
func (r *AuditRepository) WriteBatch(ctx context.Context, entries []AuditLog) error {
	return WithTx(ctx, r.db.DB, nil, func(ctx context.Context, tx DBTX) error {
		for _, e := range entries {
			var details any
			if len(e.Details) > 0 {
				details = string(e.Details)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO audit_logs (id, user_id, action, ip_address, user_agent, details, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID, e.UserID, e.Action, validText(e.IPAddress), validText(e.UserAgent), details, e.Timestamp,
			); err != nil {
				return fmt.Errorf("insert audit log: %w", err)
			}
		}
		return nil
	})
}

func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// ListByUser returns the newest entries for a user, most recent first.
func (r *AuditRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, action, ip_address, user_agent, details, timestamp
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit logs: %w", err)
	}
	defer rows.Close()

	var out []AuditLog
	for rows.Next() {
		var e AuditLog
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.IPAddress, &e.UserAgent, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details
		out = append(out, e)
	}
	return out, rows.Err()
}
