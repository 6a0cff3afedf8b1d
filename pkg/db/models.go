package db

import "time"

// OrderStatus is the lifecycle state of a persisted order.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusExecuted OrderStatus = "executed"
	StatusFailed   OrderStatus = "failed"
	StatusError    OrderStatus = "error"
)

// IsTerminal reports whether the status must never be overwritten by error.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// DefaultVolume is the platform minimum lot used when a signal carries none.
const DefaultVolume = 0.01

// Order represents a signal-driven order stored in the DB.
type Order struct {
	ID               int64       `json:"id"`
	SourceMessageID  string      `json:"source_message_id"`
	Instrument       string      `json:"instrument"`
	Action           string      `json:"action"`
	EntryRange       string      `json:"entry_range"`
	ParsedEntryPrice *float64    `json:"parsed_entry_price,omitempty"`
	Volume           float64     `json:"volume"`
	TakeProfits      []string    `json:"take_profits,omitempty"`
	StopLoss         *string     `json:"stop_loss,omitempty"`
	BackendOrderID   *int64      `json:"backend_order_id,omitempty"`
	Status           OrderStatus `json:"status"`
	StatusMessage    *string     `json:"status_message,omitempty"`
	ExecutedPrice    *float64    `json:"executed_price,omitempty"`
	ExecutedAt       *time.Time  `json:"executed_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// NewOrder carries the fields needed to admit an order in pending state.
type NewOrder struct {
	SourceMessageID  string
	Instrument       string
	Action           string
	EntryRange       string
	ParsedEntryPrice *float64
	Volume           float64 // <= 0 uses DefaultVolume
	TakeProfits      []string
	StopLoss         *string
}

// StatusUpdate holds the optional fields of a status transition; nil fields are left untouched.
type StatusUpdate struct {
	BackendOrderID *int64
	ExecutedPrice  *float64
	StatusMessage  *string
}

// EventRecord is one journaled pipeline event.
type EventRecord struct {
	ID              int64     `json:"id"`
	Event           string    `json:"event"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	OrderID         *int64    `json:"order_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	Message         string    `json:"message,omitempty"`
	Payload         string    `json:"payload,omitempty"` // raw JSON
	CreatedAt       time.Time `json:"created_at"`
}
