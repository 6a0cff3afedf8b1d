package events

import "time"

// Event enumerates topics published by the signal pipeline.
type Event string

const (
	EventSignalParsed    Event = "signal.parsed"
	EventSignalIgnored   Event = "signal.ignored"
	EventSignalDuplicate Event = "signal.duplicate"
	EventOrderPending    Event = "order.pending"
	EventOrderExecuted   Event = "order.executed"
	EventOrderFailed     Event = "order.failed"
	EventOrderError      Event = "order.error"
)

// OrderEvents lists the topics that describe an order status change.
var OrderEvents = []Event{EventOrderPending, EventOrderExecuted, EventOrderFailed, EventOrderError}

// OrderUpdate is the payload for order.* topics.
type OrderUpdate struct {
	OrderID         int64     `json:"order_id"`
	SourceMessageID string    `json:"source_message_id"`
	Instrument      string    `json:"instrument"`
	Action          string    `json:"action"`
	Status          string    `json:"status"`
	Message         string    `json:"message,omitempty"`
	BackendOrderID  int64     `json:"backend_order_id,omitempty"`
	ExecutedPrice   float64   `json:"executed_price,omitempty"`
	Time            time.Time `json:"time"`
}

// SignalNotice is the payload for signal.* topics.
type SignalNotice struct {
	SourceMessageID string    `json:"source_message_id"`
	Instrument      string    `json:"instrument,omitempty"`
	Action          string    `json:"action,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Time            time.Time `json:"time"`
}

// Envelope tags a payload with its topic for multiplexed subscribers.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}
