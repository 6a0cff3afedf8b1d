package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateSourceID = errors.New("order with this source message id already exists")
	ErrSourceIDRequired  = errors.New("source_message_id is required")
)

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries implements the order store on top of the connection pool.
type Queries struct {
	q   querier
	now func() time.Time
}

const orderColumns = `
	id, source_message_id, instrument, action, COALESCE(entry_range, ''), parsed_entry_price,
	volume, take_profits, stop_loss, backend_order_id, status, status_message,
	executed_price, executed_at, created_at`

// AddOrder inserts a pending order. A second insert with the same source
// message id fails with ErrDuplicateSourceID.
func (q *Queries) AddOrder(ctx context.Context, o NewOrder) (*Order, error) {
	if o.SourceMessageID == "" {
		return nil, ErrSourceIDRequired
	}
	volume := o.Volume
	if volume <= 0 {
		volume = DefaultVolume
	}

	var tps any
	if len(o.TakeProfits) > 0 {
		raw, err := json.Marshal(o.TakeProfits)
		if err != nil {
			return nil, fmt.Errorf("encode take profits: %w", err)
		}
		tps = string(raw)
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO orders (
			source_message_id, instrument, action, entry_range, parsed_entry_price,
			volume, take_profits, stop_loss, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.SourceMessageID, o.Instrument, o.Action, o.EntryRange, o.ParsedEntryPrice,
		volume, tps, o.StopLoss, string(StatusPending), q.clock().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSourceID, o.SourceMessageID)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return q.GetOrder(ctx, id)
}

// GetOrder fetches an order by primary key.
func (q *Queries) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

// GetOrderBySourceID returns the order for a source message id, or nil if none exists.
func (q *Queries) GetOrderBySourceID(ctx context.Context, sourceID string) (*Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE source_message_id = ?`, sourceID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by source id: %w", err)
	}
	return o, nil
}

// OrderStatus reads only the current status of an order.
func (q *Queries) OrderStatus(ctx context.Context, id int64) (OrderStatus, error) {
	var status string
	err := q.q.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get order status %d: %w", id, err)
	}
	return OrderStatus(status), nil
}

// UpdateOrderStatus always applies status and applies only the non-nil fields
// of upd. executed_at is stamped the first time the order enters executed.
// Returns ErrNotFound for an unknown id.
func (q *Queries) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus, upd StatusUpdate) (*Order, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET
			status = ?,
			backend_order_id = COALESCE(?, backend_order_id),
			executed_price = COALESCE(?, executed_price),
			status_message = COALESCE(?, status_message),
			executed_at = CASE
				WHEN ? = 'executed' AND executed_at IS NULL THEN ?
				ELSE executed_at
			END
		WHERE id = ?
	`,
		string(status), upd.BackendOrderID, upd.ExecutedPrice, upd.StatusMessage,
		string(status), q.clock().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return q.GetOrder(ctx, id)
}

// ListOrders returns the newest orders first.
func (q *Queries) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.listOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// ListPendingOrders returns orders that never reached a final status.
func (q *Queries) ListPendingOrders(ctx context.Context) ([]Order, error) {
	return q.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY id`, string(StatusPending))
}

func (q *Queries) listOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

func (q *Queries) clock() time.Time {
	if q.now != nil {
		return q.now()
	}
	return time.Now()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	var (
		o             Order
		status        string
		entryPrice    sql.NullFloat64
		takeProfits   sql.NullString
		stopLoss      sql.NullString
		backendID     sql.NullInt64
		statusMessage sql.NullString
		execPrice     sql.NullFloat64
		execAt        sql.NullTime
		createdAt     sql.NullTime
	)
	if err := s.Scan(
		&o.ID, &o.SourceMessageID, &o.Instrument, &o.Action, &o.EntryRange, &entryPrice,
		&o.Volume, &takeProfits, &stopLoss, &backendID, &status, &statusMessage,
		&execPrice, &execAt, &createdAt,
	); err != nil {
		return nil, err
	}

	o.Status = OrderStatus(status)
	if entryPrice.Valid {
		o.ParsedEntryPrice = &entryPrice.Float64
	}
	if takeProfits.Valid && takeProfits.String != "" {
		if err := json.Unmarshal([]byte(takeProfits.String), &o.TakeProfits); err != nil {
			return nil, fmt.Errorf("decode take profits: %w", err)
		}
	}
	if stopLoss.Valid {
		o.StopLoss = &stopLoss.String
	}
	if backendID.Valid {
		o.BackendOrderID = &backendID.Int64
	}
	if statusMessage.Valid {
		o.StatusMessage = &statusMessage.String
	}
	if execPrice.Valid {
		o.ExecutedPrice = &execPrice.Float64
	}
	if execAt.Valid {
		t := execAt.Time
		o.ExecutedAt = &t
	}
	if createdAt.Valid {
		o.CreatedAt = createdAt.Time
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
