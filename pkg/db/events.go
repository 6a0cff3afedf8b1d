package db

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertEventSQL appends one row to the event journal. Arguments, in order:
// event, source_message_id, order_id, status, message, payload, created_at.
const InsertEventSQL = `
	INSERT INTO signal_events (event, source_message_id, order_id, status, message, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// ListEvents returns the journal for one source message id, oldest first.
func (q *Queries) ListEvents(ctx context.Context, sourceID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, event, COALESCE(source_message_id, ''), order_id, COALESCE(status, ''),
			COALESCE(message, ''), COALESCE(payload, ''), created_at
		FROM signal_events
		WHERE source_message_id = ?
		ORDER BY id
		LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var res []EventRecord
	for rows.Next() {
		var (
			e         EventRecord
			orderID   sql.NullInt64
			createdAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.SourceMessageID, &orderID, &e.Status,
			&e.Message, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if orderID.Valid {
			e.OrderID = &orderID.Int64
		}
		if createdAt.Valid {
			e.CreatedAt = createdAt.Time
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
